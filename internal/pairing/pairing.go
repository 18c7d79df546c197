// Package pairing provisions a remote host for tunnelling and creates or
// removes the matching tunnel config and key material.
package pairing

import (
	"context"
	"log/slog"
	"maps"
	"strings"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/util"
)

// ConfigStore is the subset of store.Store used by pairing.
type ConfigStore interface {
	Exists(id string) bool
	Load(id string) (model.TunnelConfig, error)
	Create(id string, cfg model.TunnelConfig) error
	Delete(id string) error
}

// Stopper stops a tunnel before its config disappears.
type Stopper interface {
	Stop(ctx context.Context, id string) (model.TunnelResult, error)
}

// Defaults are applied to every new tunnel.
type Defaults struct {
	RemoteUser string
	Bandwidth  model.Bandwidth
	SSHOptions map[string]string
}

// PairRequest describes a host to pair with.
type PairRequest struct {
	ID            string           `json:"id"`
	Host          string           `json:"host"`
	SSHPort       int              `json:"sshPort,omitempty"`
	AdminUser     string           `json:"adminUser"`
	AdminPassword string           `json:"adminPassword"`
	Bandwidth     *model.Bandwidth `json:"bandwidth,omitempty"`
}

// UnpairRequest names the tunnel to remove. Admin credentials are optional;
// without them the remote user is left in place.
type UnpairRequest struct {
	ID            string `json:"id"`
	AdminUser     string `json:"adminUser,omitempty"`
	AdminPassword string `json:"adminPassword,omitempty"`
}

// Service pairs and unpairs tunnels.
type Service struct {
	store    ConfigStore
	keysDir  string
	prov     Provisioner
	stopper  Stopper
	defaults Defaults
	journal  events.Recorder
	// locks serializes pair and unpair per id: the key path is derived from
	// the id, so two pairings of one id would share key files.
	locks *kmutex.Kmutex
}

// NewService creates a pairing service. journal may be nil.
func NewService(store ConfigStore, keysDir string, prov Provisioner, stopper Stopper, defaults Defaults, journal events.Recorder) *Service {
	if journal == nil {
		journal = events.Discard{}
	}
	return &Service{
		store:    store,
		keysDir:  keysDir,
		prov:     prov,
		stopper:  stopper,
		defaults: defaults,
		journal:  journal,
		locks:    kmutex.New(),
	}
}

// Pair generates a key for req.ID, authorizes it on the host and persists
// the new tunnel config with an empty channel table.
func (s *Service) Pair(ctx context.Context, req PairRequest) (model.TunnelConfig, error) {
	if err := util.ValidateID(req.ID); err != nil {
		return model.TunnelConfig{}, errors.NewNotValid(err, "")
	}
	if strings.TrimSpace(req.Host) == "" || strings.TrimSpace(req.AdminUser) == "" {
		return model.TunnelConfig{}, errors.NotValidf("pairing without host or admin user")
	}
	if req.SSHPort == 0 {
		req.SSHPort = util.DefaultSSHPort
	}
	if err := util.ValidatePort(req.SSHPort); err != nil {
		return model.TunnelConfig{}, errors.NewNotValid(err, "ssh port")
	}
	bw := s.defaults.Bandwidth
	if req.Bandwidth != nil {
		bw = *req.Bandwidth
	}
	if err := bw.Validate(); err != nil {
		return model.TunnelConfig{}, err
	}
	s.locks.Lock(req.ID)
	defer s.locks.Unlock(req.ID)
	if s.store.Exists(req.ID) {
		return model.TunnelConfig{}, errors.AlreadyExistsf("tunnel %q", req.ID)
	}

	kp, err := GenerateKeyPair(req.ID)
	if err != nil {
		return model.TunnelConfig{}, errors.Annotate(err, "generate key")
	}
	keyPath := KeyPath(s.keysDir, req.ID)
	if err := WriteKeyPair(keyPath, kp); err != nil {
		return model.TunnelConfig{}, err
	}

	target := Target{Host: req.Host, Port: req.SSHPort, AdminUser: req.AdminUser, AdminPassword: req.AdminPassword}
	fingerprint, err := s.prov.Provision(ctx, target, s.defaults.RemoteUser, kp.AuthorizedKey)
	if err != nil {
		s.discardKey(keyPath)
		return model.TunnelConfig{}, err
	}

	cfg := model.TunnelConfig{
		ID:                 req.ID,
		RemoteUser:         s.defaults.RemoteUser,
		RemoteHost:         req.Host,
		SSHPort:            req.SSHPort,
		SSHKeyPath:         keyPath,
		SSHOptions:         maps.Clone(s.defaults.SSHOptions),
		Bandwidth:          &bw,
		Channels:           model.ChannelTable{},
		HostKeyFingerprint: fingerprint,
	}
	if err := s.store.Create(req.ID, cfg); err != nil {
		s.discardKey(keyPath)
		return model.TunnelConfig{}, err
	}
	slog.Info("tunnel paired", "id", req.ID, "host", req.Host, "fingerprint", fingerprint)
	s.record(req.ID, events.Paired, req.Host)
	return cfg, nil
}

// Unpair stops the tunnel, optionally removes the remote user and deletes
// the key pair and the config document.
func (s *Service) Unpair(ctx context.Context, req UnpairRequest) error {
	if err := util.ValidateID(req.ID); err != nil {
		return errors.NewNotValid(err, "")
	}
	s.locks.Lock(req.ID)
	defer s.locks.Unlock(req.ID)
	cfg, err := s.store.Load(req.ID)
	if err != nil {
		return err
	}
	if _, err := s.stopper.Stop(ctx, req.ID); err != nil {
		return errors.Annotatef(err, "stop %q before unpairing", req.ID)
	}
	if req.AdminUser != "" {
		target := Target{Host: cfg.RemoteHost, Port: cfg.SSHPort, AdminUser: req.AdminUser, AdminPassword: req.AdminPassword}
		if err := s.prov.Deprovision(ctx, target, cfg.RemoteUser); err != nil {
			return err
		}
	}
	if cfg.SSHKeyPath != "" {
		if err := RemoveKeyPair(cfg.SSHKeyPath); err != nil {
			return err
		}
	}
	if err := s.store.Delete(req.ID); err != nil {
		return err
	}
	slog.Info("tunnel unpaired", "id", req.ID)
	s.record(req.ID, events.Unpaired, cfg.RemoteHost)
	return nil
}

func (s *Service) discardKey(path string) {
	if err := RemoveKeyPair(path); err != nil {
		slog.Warn("failed to remove key after failed pairing", "error", err)
	}
}

func (s *Service) record(id, typ, msg string) {
	if err := s.journal.Append(events.Event{TunnelID: id, EventType: typ, Message: msg}); err != nil {
		slog.Warn("failed to append pairing event", "id", id, "error", err)
	}
}
