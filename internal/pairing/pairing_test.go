package pairing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/store"
)

type fakeProvisioner struct {
	mu            sync.Mutex
	provisioned   map[string]string
	deprovisioned []string
	err           error
	// during runs inside Provision, before the key is recorded.
	during func()
}

func (f *fakeProvisioner) Provision(_ context.Context, t Target, user string, key []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioned == nil {
		f.provisioned = map[string]string{}
	}
	f.provisioned[t.Host+"/"+user] = string(key)
	return "SHA256:fakefingerprint", nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, t Target, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisioned = append(f.deprovisioned, t.Host+"/"+user)
	return nil
}

type fakeStopper struct {
	stopped []string
	err     error
}

func (f *fakeStopper) Stop(_ context.Context, id string) (model.TunnelResult, error) {
	f.stopped = append(f.stopped, id)
	if f.err != nil {
		return model.TunnelResult{ID: id, Status: model.TunnelError}, f.err
	}
	return model.TunnelResult{ID: id, Status: model.TunnelStopped}, nil
}

func newService(t *testing.T) (*Service, *store.Store, *fakeProvisioner, *fakeStopper, string) {
	t.Helper()
	root := t.TempDir()
	st := store.New(filepath.Join(root, "tunnels"))
	keys := filepath.Join(root, "keys")
	prov := &fakeProvisioner{}
	stop := &fakeStopper{}
	svc := NewService(st, keys, prov, stop, Defaults{
		RemoteUser: "ostm_user",
		Bandwidth:  model.Bandwidth{Up: 200, Down: 200},
		SSHOptions: map[string]string{"Compression": "yes"},
	}, nil)
	return svc, st, prov, stop, keys
}

func TestPairCreatesConfigAndKeys(t *testing.T) {
	svc, st, prov, _, keys := newService(t)
	cfg, err := svc.Pair(context.Background(), PairRequest{ID: "alpha", Host: "10.0.0.1", AdminUser: "root", AdminPassword: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SSHPort != 22 || cfg.RemoteUser != "ostm_user" || cfg.Bandwidth.Up != 200 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.HostKeyFingerprint != "SHA256:fakefingerprint" {
		t.Fatalf("fingerprint not recorded: %q", cfg.HostKeyFingerprint)
	}

	stored, err := st.Load("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if err := stored.Validate(); err != nil {
		t.Fatalf("paired config must be launchable: %v", err)
	}
	if stored.SSHKeyPath != filepath.Join(keys, "alpha_key") {
		t.Fatalf("unexpected key path %s", stored.SSHKeyPath)
	}
	info, err := os.Stat(stored.SSHKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("private key must be 0600, got %o", info.Mode().Perm())
	}
	pub, err := os.ReadFile(stored.SSHKeyPath + ".pub")
	if err != nil {
		t.Fatal(err)
	}
	if prov.provisioned["10.0.0.1/ostm_user"] != string(pub) {
		t.Fatal("provisioned key differs from the stored public key")
	}
}

func TestPairRejectsExistingAndInvalid(t *testing.T) {
	svc, _, _, _, _ := newService(t)
	ctx := context.Background()
	req := PairRequest{ID: "alpha", Host: "10.0.0.1", AdminUser: "root"}
	if _, err := svc.Pair(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Pair(ctx, req); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := svc.Pair(ctx, PairRequest{ID: "bad id", Host: "h", AdminUser: "root"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid id, got %v", err)
	}
	if _, err := svc.Pair(ctx, PairRequest{ID: "beta", AdminUser: "root"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid host, got %v", err)
	}
	if _, err := svc.Pair(ctx, PairRequest{ID: "beta", Host: "h", AdminUser: "root", Bandwidth: &model.Bandwidth{Up: -5}}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid bandwidth, got %v", err)
	}
}

func TestConcurrentPairKeepsWinnerKey(t *testing.T) {
	svc, st, prov, _, _ := newService(t)
	prov.during = func() { time.Sleep(5 * time.Millisecond) }

	const n = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Pair(context.Background(), PairRequest{ID: "alpha", Host: "10.0.0.1", AdminUser: "root"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, errors.AlreadyExists) {
				t.Errorf("expected conflict, got %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one pairing to win, got %d", wins)
	}

	cfg, err := st.Load("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ssh.ParsePrivateKey(mustRead(t, cfg.SSHKeyPath)); err != nil {
		t.Fatalf("stored config points at a missing or broken key: %v", err)
	}
	if string(mustRead(t, cfg.SSHKeyPath+".pub")) != prov.provisioned["10.0.0.1/ostm_user"] {
		t.Fatal("public key on disk is not the one that was provisioned")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPairProvisionFailureLeavesNothing(t *testing.T) {
	svc, st, prov, _, keys := newService(t)
	prov.err = errors.New("auth failed")
	if _, err := svc.Pair(context.Background(), PairRequest{ID: "alpha", Host: "h", AdminUser: "root"}); err == nil {
		t.Fatal("expected error")
	}
	if st.Exists("alpha") {
		t.Fatal("config must not be created")
	}
	if _, err := os.Stat(KeyPath(keys, "alpha")); !os.IsNotExist(err) {
		t.Fatal("key must be removed after failed provisioning")
	}
}

func TestUnpairStopsFirstAndRemovesEverything(t *testing.T) {
	svc, st, prov, stop, _ := newService(t)
	ctx := context.Background()
	cfg, err := svc.Pair(ctx, PairRequest{ID: "alpha", Host: "10.0.0.1", AdminUser: "root"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Unpair(ctx, UnpairRequest{ID: "alpha", AdminUser: "root", AdminPassword: "pw"}); err != nil {
		t.Fatal(err)
	}
	if len(stop.stopped) != 1 || stop.stopped[0] != "alpha" {
		t.Fatalf("tunnel must be stopped first: %v", stop.stopped)
	}
	if len(prov.deprovisioned) != 1 {
		t.Fatalf("remote user not removed: %v", prov.deprovisioned)
	}
	if st.Exists("alpha") {
		t.Fatal("config still present")
	}
	for _, p := range []string{cfg.SSHKeyPath, cfg.SSHKeyPath + ".pub"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s still present", p)
		}
	}
	if err := svc.Unpair(ctx, UnpairRequest{ID: "alpha"}); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUnpairAbortsWhenStopFails(t *testing.T) {
	svc, st, _, stop, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Pair(ctx, PairRequest{ID: "alpha", Host: "10.0.0.1", AdminUser: "root"}); err != nil {
		t.Fatal(err)
	}
	stop.err = errors.New("signal refused")
	if err := svc.Unpair(ctx, UnpairRequest{ID: "alpha"}); err == nil {
		t.Fatal("expected error")
	}
	if !st.Exists("alpha") {
		t.Fatal("config must survive a failed stop")
	}
}

func TestGenerateKeyPairIsUsable(t *testing.T) {
	kp, err := GenerateKeyPair("alpha")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.ParsePrivateKey(kp.PrivatePEM)
	if err != nil {
		t.Fatal(err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(kp.AuthorizedKey)
	if err != nil {
		t.Fatal(err)
	}
	if ssh.FingerprintSHA256(signer.PublicKey()) != ssh.FingerprintSHA256(pub) || kp.Fingerprint != ssh.FingerprintSHA256(pub) {
		t.Fatal("private and public halves do not match")
	}
}

func TestProvisionScript(t *testing.T) {
	script, err := ProvisionScript("admin", "ostm_user", []byte("ssh-ed25519 AAAAC3Nza\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"sudo -n useradd -m -s /bin/false ostm_user", "echo 'ssh-ed25519 AAAAC3Nza'", "chmod 600 ~ostm_user/.ssh/authorized_keys"} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	rootScript, _ := ProvisionScript("root", "ostm_user", []byte("ssh-ed25519 AAAA"))
	if strings.Contains(rootScript, "sudo") {
		t.Fatal("root does not need sudo")
	}
	if _, err := ProvisionScript("root", "x; rm -rf /", []byte("k")); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid user, got %v", err)
	}
	if _, err := ProvisionScript("root", "ostm_user", []byte("k' ; id")); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid key, got %v", err)
	}
	del, err := DeprovisionScript("admin", "ostm_user")
	if err != nil || del != "sudo -n userdel -r ostm_user" {
		t.Fatalf("unexpected deprovision script %q %v", del, err)
	}
}
