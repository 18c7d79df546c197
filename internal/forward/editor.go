// Package forward edits the channel table of a tunnel config.
//
// autossh reads its forward list only at launch, so every successful edit is
// followed by Applier.ApplyChange, which restarts a running tunnel (or, with
// auto-restart disabled, reports that a restart is needed).
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/model"
)

// ConfigUpdater persists a read-modify-write of one tunnel config.
type ConfigUpdater interface {
	Update(id string, fn func(cfg *model.TunnelConfig) error) (model.TunnelConfig, error)
}

// Applier makes a running tunnel pick up its new config.
type Applier interface {
	ApplyChange(ctx context.Context, id, what string) (model.TunnelResult, bool, error)
}

// Result describes one edit.
type Result struct {
	Tunnel      model.TunnelResult
	Channels    model.ChannelTable
	NeedRestart bool
}

// Editor adds and removes channels.
type Editor struct {
	store   ConfigUpdater
	applier Applier
	journal events.Recorder
}

// NewEditor creates an editor. journal may be nil.
func NewEditor(store ConfigUpdater, applier Applier, journal events.Recorder) *Editor {
	if journal == nil {
		journal = events.Discard{}
	}
	return &Editor{store: store, applier: applier, journal: journal}
}

// AddChannel validates spec for t and merges it into the channel table of id.
// A listen port already used by a channel of the same type is a conflict.
func (e *Editor) AddChannel(ctx context.Context, id string, t model.ForwardType, spec model.ChannelSpec) (Result, error) {
	spec, err := spec.Validate(t)
	if err != nil {
		return Result{}, err
	}
	key := strconv.Itoa(spec.ListenPort)
	cfg, err := e.store.Update(id, func(cfg *model.TunnelConfig) error {
		if cfg.Channels == nil {
			cfg.Channels = model.ChannelTable{}
		}
		if _, taken := cfg.Channels[t][key]; taken {
			return errors.AlreadyExistsf("%s channel on port %s", t, key)
		}
		if cfg.Channels[t] == nil {
			cfg.Channels[t] = map[string]model.ChannelSpec{}
		}
		cfg.Channels[t][key] = spec
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	slog.Info("channel added", "id", id, "type", t, "port", key, "name", spec.Name)
	e.record(id, events.ChannelAdded, fmt.Sprintf("%s %s (%s)", t, spec.ForwardArg(t), spec.Name))
	return e.apply(ctx, id, cfg, "channel added")
}

// RemoveChannel deletes the channel of type t on port. The type entry is
// dropped once its last channel is gone.
func (e *Editor) RemoveChannel(ctx context.Context, id string, t model.ForwardType, port int) (Result, error) {
	key := strconv.Itoa(port)
	cfg, err := e.store.Update(id, func(cfg *model.TunnelConfig) error {
		if _, ok := cfg.Channels[t][key]; !ok {
			return errors.NotFoundf("%s channel on port %s", t, key)
		}
		delete(cfg.Channels[t], key)
		if len(cfg.Channels[t]) == 0 {
			delete(cfg.Channels, t)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	slog.Info("channel removed", "id", id, "type", t, "port", key)
	e.record(id, events.ChannelRemoved, fmt.Sprintf("%s %s", t, key))
	return e.apply(ctx, id, cfg, "channel removed")
}

func (e *Editor) apply(ctx context.Context, id string, cfg model.TunnelConfig, what string) (Result, error) {
	res, needRestart, err := e.applier.ApplyChange(ctx, id, what)
	out := Result{Tunnel: res, Channels: cfg.Channels, NeedRestart: needRestart}
	if out.Channels == nil {
		out.Channels = model.ChannelTable{}
	}
	return out, err
}

func (e *Editor) record(id, typ, msg string) {
	if err := e.journal.Append(events.Event{TunnelID: id, EventType: typ, Message: msg}); err != nil {
		slog.Warn("failed to append channel event", "id", id, "error", err)
	}
}
