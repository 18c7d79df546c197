// Package store persists one JSON document per tunnel id.
//
// The tunnel id is the file name (<id>.json) and is never read from the
// document itself. Writes go through renameio so readers never observe a
// partially written file; read-modify-write sequences for the same id are
// serialized with a keyed mutex.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/security"
	"github.com/treykane/ostm/internal/util"
)

const ext = ".json"

// Store reads and writes tunnel configs under a directory.
type Store struct {
	dir   string
	locks *kmutex.Kmutex
}

// New creates a store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{dir: dir, locks: kmutex.New()}
}

// Dir returns the directory holding the config documents.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+ext)
}

// Exists reports whether a config document exists for id.
func (s *Store) Exists(id string) bool {
	if util.ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Load reads the config for id.
func (s *Store) Load(id string) (model.TunnelConfig, error) {
	if err := util.ValidateID(id); err != nil {
		return model.TunnelConfig{}, errors.NewNotValid(err, "")
	}
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return model.TunnelConfig{}, errors.NotFoundf("tunnel %q", id)
		}
		return model.TunnelConfig{}, security.IOError(err, "read config %s", id)
	}
	var cfg model.TunnelConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return model.TunnelConfig{}, errors.NewNotValid(err, "config "+id)
	}
	cfg.ID = id
	return cfg, nil
}

// Save writes the config for id, replacing any existing document atomically.
func (s *Store) Save(id string, cfg model.TunnelConfig) error {
	if err := util.ValidateID(id); err != nil {
		return errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.write(id, cfg)
}

// Create writes a new config and fails with AlreadyExists if id is taken.
func (s *Store) Create(id string, cfg model.TunnelConfig) error {
	if err := util.ValidateID(id); err != nil {
		return errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	if _, err := os.Stat(s.path(id)); err == nil {
		return errors.AlreadyExistsf("tunnel %q", id)
	}
	return s.write(id, cfg)
}

// Update loads the config for id, applies fn and persists the result. Nothing
// is written when fn returns an error.
func (s *Store) Update(id string, fn func(cfg *model.TunnelConfig) error) (model.TunnelConfig, error) {
	if err := util.ValidateID(id); err != nil {
		return model.TunnelConfig{}, errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	cfg, err := s.Load(id)
	if err != nil {
		return model.TunnelConfig{}, err
	}
	if err := fn(&cfg); err != nil {
		return model.TunnelConfig{}, err
	}
	if err := s.write(id, cfg); err != nil {
		return model.TunnelConfig{}, err
	}
	return cfg, nil
}

// Delete removes the config document for id.
func (s *Store) Delete(id string) error {
	if err := util.ValidateID(id); err != nil {
		return errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundf("tunnel %q", id)
		}
		return security.IOError(err, "delete config %s", id)
	}
	return nil
}

// ListIDs returns every configured tunnel id, sorted.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, security.IOError(err, "list configs")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if util.ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) write(id string, cfg model.TunnelConfig) error {
	if cfg.Channels == nil {
		cfg.Channels = model.ChannelTable{}
	}
	b, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return security.IOError(err, "encode config %s", id)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return security.IOError(err, "create config dir")
	}
	if err := renameio.WriteFile(s.path(id), append(b, '\n'), 0o600); err != nil {
		return security.IOError(err, "write config %s", id)
	}
	return nil
}
