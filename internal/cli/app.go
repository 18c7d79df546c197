package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/treykane/ostm/internal/api"
	"github.com/treykane/ostm/internal/appconfig"
	"github.com/treykane/ostm/internal/doctor"
	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/metrics"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/pairing"
	"github.com/treykane/ostm/internal/registry"
	"github.com/treykane/ostm/internal/sshclient"
	"github.com/treykane/ostm/internal/store"
	"github.com/treykane/ostm/internal/tunnel"
)

// app holds the collaborators shared by every command. Commands build it
// lazily so --help works without touching the data directory.
type app struct {
	cfg      appconfig.Config
	store    *store.Store
	reg      *registry.Registry
	sup      *tunnel.Supervisor
	editor   *forward.Editor
	pairing  *pairing.Service
	journal  *events.Store
	checker  doctor.Checker
	gatherer *prometheus.Registry
	logFile  io.Closer
}

// procTable is swapped by tests for an in-memory table.
var procTable = func() (registry.ProcessTable, error) {
	t, err := registry.NewProcTable()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// launcher is swapped by tests for a fake.
var launcher = func(bin sshclient.Binaries) sshclient.Launcher {
	c := sshclient.New()
	c.Required = bin
	return c
}

// provisioner is swapped by tests for a fake.
var provisioner = func(cfg appconfig.Config) pairing.Provisioner {
	return pairing.SSHProvisioner{Timeout: time.Duration(cfg.Pairing.TimeoutSeconds) * time.Second}
}

func newApp() (*app, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	logFile := setupLogging(cfg.Log)
	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	procs, err := procTable()
	if err != nil {
		return nil, err
	}

	st := store.New(layout.TunnelsDir())
	reg := registry.New(layout.PIDDir(), procs, registry.Options{
		Signature:    cfg.Launcher.Signature,
		PollInterval: time.Duration(cfg.Supervisor.MarkerPollMS) * time.Millisecond,
	})
	journal := events.NewStore(layout.EventsFile())

	collector := metrics.NewCollector()
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bin := sshclient.Binaries{Trickle: cfg.Launcher.Trickle, Autossh: cfg.Launcher.Autossh}
	sup := tunnel.New(st, reg, launcher(bin), tunnel.Options{
		Binaries:       bin,
		MarkerAttempts: cfg.Supervisor.MarkerAttempts,
		StopAttempts:   cfg.Supervisor.StopPollAttempts,
		AutoRestart:    cfg.Supervisor.AutoRestart,
		RedactErrors:   cfg.Security.RedactErrors,
		Journal:        journal,
		Metrics:        collector,
	})
	pair := pairing.NewService(st, layout.KeysDir(), provisioner(cfg), sup, pairing.Defaults{
		RemoteUser: cfg.Pairing.RemoteUser,
		Bandwidth: model.Bandwidth{
			Up:   cfg.Pairing.DefaultBandwidth.Up,
			Down: cfg.Pairing.DefaultBandwidth.Down,
		},
		SSHOptions: cfg.Pairing.SSHOptions,
	}, journal)

	return &app{
		cfg:      cfg,
		store:    st,
		reg:      reg,
		sup:      sup,
		editor:   forward.NewEditor(st, sup, journal),
		pairing:  pair,
		journal:  journal,
		gatherer: gatherer,
		logFile:  logFile,
	}, nil
}

func (a *app) Close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// loadAll loads every stored tunnel config.
func (a *app) loadAll() ([]model.TunnelConfig, error) {
	ids, err := a.store.ListIDs()
	if err != nil {
		return nil, err
	}
	cfgs := make([]model.TunnelConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := a.store.Load(id)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func (a *app) server() *api.Server {
	return api.NewServer(api.Deps{
		Supervisor:   a.sup,
		Editor:       a.editor,
		Pairer:       a.pairing,
		Configs:      a.store,
		Prober:       a.checker,
		Events:       a.journal,
		Gatherer:     a.gatherer,
		RedactErrors: a.cfg.Security.RedactErrors,
	})
}

func (a *app) doctorDeps() doctor.Deps {
	return doctor.Deps{
		Config:   a.cfg,
		Store:    a.store,
		Registry: a.reg,
		Status:   a.sup,
	}
}

// setupLogging installs the default slog logger. Without a log file output
// goes to stderr; with one it goes through a rotating writer.
func setupLogging(cfg appconfig.LogConfig) io.Closer {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w, closer = lj, lj
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return closer
}
