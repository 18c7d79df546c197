package pairing

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/ostm/internal/security"
	"github.com/treykane/ostm/internal/util"
)

// Target is a remote host reached with administrator credentials.
type Target struct {
	Host          string
	Port          int
	AdminUser     string
	AdminPassword string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Provisioner prepares or removes the restricted tunnel user on a host.
type Provisioner interface {
	// Provision creates remoteUser if needed and authorizes publicKey for it.
	// It returns the SHA256 fingerprint of the host key it connected to.
	Provision(ctx context.Context, t Target, remoteUser string, publicKey []byte) (string, error)
	// Deprovision deletes remoteUser and its home directory.
	Deprovision(ctx context.Context, t Target, remoteUser string) error
}

// SSHProvisioner runs the provisioning commands over an SSH session
// authenticated with the admin password.
type SSHProvisioner struct {
	Timeout time.Duration
}

// Provision implements Provisioner.
func (p SSHProvisioner) Provision(ctx context.Context, t Target, remoteUser string, publicKey []byte) (string, error) {
	script, err := ProvisionScript(t.AdminUser, remoteUser, publicKey)
	if err != nil {
		return "", err
	}
	return p.run(ctx, t, script)
}

// Deprovision implements Provisioner.
func (p SSHProvisioner) Deprovision(ctx context.Context, t Target, remoteUser string) error {
	script, err := DeprovisionScript(t.AdminUser, remoteUser)
	if err != nil {
		return err
	}
	_, err = p.run(ctx, t, script)
	return err
}

func (p SSHProvisioner) run(ctx context.Context, t Target, script string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var fingerprint string
	cfg := &ssh.ClientConfig{
		User: t.AdminUser,
		Auth: []ssh.AuthMethod{ssh.Password(t.AdminPassword)},
		// First contact: the host key is recorded in the tunnel config
		// rather than checked against known_hosts.
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			return nil
		},
		Timeout: timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return "", security.ProcessError(err, "connect to %s", t.addr())
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return "", security.ProcessError(err, "ssh handshake with %s", t.addr())
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", security.ProcessError(err, "open session on %s", t.addr())
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(script) }()
	select {
	case err := <-done:
		if err != nil {
			detail := strings.TrimSpace(stderr.String())
			return "", security.ProcessError(err, "remote provisioning on %s: %s", t.Host, detail)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fingerprint, nil
}

func sudoPrefix(adminUser string) string {
	if adminUser == "root" {
		return ""
	}
	return "sudo -n "
}

// ProvisionScript renders the shell script that creates remoteUser with no
// login shell and appends publicKey to its authorized_keys.
func ProvisionScript(adminUser, remoteUser string, publicKey []byte) (string, error) {
	if err := util.ValidateID(remoteUser); err != nil {
		return "", errors.NewNotValid(err, "remote user")
	}
	key := strings.TrimSpace(string(publicKey))
	if key == "" || strings.ContainsAny(key, "'\n") {
		return "", errors.NotValidf("public key")
	}
	s := sudoPrefix(adminUser)
	home := "~" + remoteUser
	lines := []string{
		"set -e",
		fmt.Sprintf("id -u %[2]s >/dev/null 2>&1 || %[1]suseradd -m -s /bin/false %[2]s", s, remoteUser),
		fmt.Sprintf("%sinstall -d -m 700 -o %s -g %s %s/.ssh", s, remoteUser, remoteUser, home),
		fmt.Sprintf("echo '%s' | %stee -a %s/.ssh/authorized_keys >/dev/null", key, s, home),
		fmt.Sprintf("%schown %s:%s %s/.ssh/authorized_keys", s, remoteUser, remoteUser, home),
		fmt.Sprintf("%schmod 600 %s/.ssh/authorized_keys", s, home),
	}
	return strings.Join(lines, "\n"), nil
}

// DeprovisionScript renders the script removing remoteUser.
func DeprovisionScript(adminUser, remoteUser string) (string, error) {
	if err := util.ValidateID(remoteUser); err != nil {
		return "", errors.NewNotValid(err, "remote user")
	}
	return fmt.Sprintf("%suserdel -r %s", sudoPrefix(adminUser), remoteUser), nil
}
