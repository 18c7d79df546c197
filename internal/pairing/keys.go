package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/ostm/internal/security"
)

// KeyPair is an ed25519 identity in OpenSSH formats.
type KeyPair struct {
	PrivatePEM    []byte
	AuthorizedKey []byte
	Fingerprint   string
}

// GenerateKeyPair creates a new ed25519 key. comment ends up in the private
// key and is usually the tunnel id.
func GenerateKeyPair(comment string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return KeyPair{}, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPub),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}

// KeyPath returns the private key location for id under dir.
func KeyPath(dir, id string) string {
	return filepath.Join(dir, id+"_key")
}

// WriteKeyPair stores the private key (0600) and the public key next to it
// with a .pub suffix.
func WriteKeyPair(path string, kp KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return security.IOError(err, "create keys dir")
	}
	if err := renameio.WriteFile(path, kp.PrivatePEM, 0o600); err != nil {
		return security.IOError(err, "write private key")
	}
	if err := renameio.WriteFile(path+".pub", kp.AuthorizedKey, 0o644); err != nil {
		return security.IOError(err, "write public key")
	}
	return nil
}

// RemoveKeyPair deletes both halves of a key pair. Missing files are ignored.
func RemoveKeyPair(path string) error {
	for _, p := range []string{path, path + ".pub"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return security.IOError(err, "remove key %s", filepath.Base(p))
		}
	}
	return nil
}
