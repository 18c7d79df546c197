package doctor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/util"
)

// Probe is the outcome of one TCP connect. LatencyMS is nil when the
// address was not reachable.
type Probe struct {
	Address   string `json:"address"`
	LatencyMS *int64 `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Reachable reports whether the probe connected.
func (p Probe) Reachable() bool { return p.LatencyMS != nil }

// ChannelCheck is the reachability of one channel's listen and endpoint side.
type ChannelCheck struct {
	model.Channel
	Listen   Probe  `json:"listen"`
	Endpoint *Probe `json:"endpoint,omitempty"`
	Success  bool   `json:"success"`
}

// CheckReport is the result of CheckTunnel.
type CheckReport struct {
	ID       string         `json:"id"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	SSH      Probe          `json:"ssh"`
	Channels []ChannelCheck `json:"channels"`
}

// Checker probes tunnel addresses.
type Checker struct {
	Timeout time.Duration
}

// CheckTunnel probes the SSH port of cfg and, when it is reachable, the
// listen and endpoint side of every channel concurrently. An unreachable SSH
// port is a failed check, not an error.
func (c Checker) CheckTunnel(ctx context.Context, cfg model.TunnelConfig) CheckReport {
	rep := CheckReport{ID: cfg.ID, Channels: []ChannelCheck{}}
	host := util.DefaultString(cfg.RemoteHost, "localhost")
	port := cfg.SSHPort
	if port == 0 {
		port = util.DefaultSSHPort
	}
	rep.SSH = c.probe(ctx, host, port)
	if !rep.SSH.Reachable() {
		rep.Message = fmt.Sprintf("ssh port %d is not reachable on %s", port, host)
		return rep
	}

	chans := cfg.Channels.Sorted()
	rep.Channels = make([]ChannelCheck, len(chans))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chans {
		g.Go(func() error {
			cc := ChannelCheck{Channel: ch}
			cc.Listen = c.probe(gctx, util.DefaultString(ch.ListenHost, "localhost"), ch.ListenPort)
			cc.Success = cc.Listen.Reachable()
			if ch.EndpointHost != "" && ch.EndpointPort != 0 {
				ep := c.probe(gctx, ch.EndpointHost, ch.EndpointPort)
				cc.Endpoint = &ep
				cc.Success = cc.Success && ep.Reachable()
			}
			rep.Channels[i] = cc
			return nil
		})
	}
	_ = g.Wait()

	rep.Success = true
	failed := 0
	for _, cc := range rep.Channels {
		if !cc.Success {
			failed++
		}
	}
	rep.Message = fmt.Sprintf("ssh reachable, %d of %d channels reachable", len(rep.Channels)-failed, len(rep.Channels))
	return rep
}

func (c Checker) probe(ctx context.Context, host string, port int) Probe {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = util.ProbeTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Probe{Address: addr, Error: err.Error()}
	}
	_ = conn.Close()
	ms := time.Since(start).Milliseconds()
	return Probe{Address: addr, LatencyMS: &ms}
}
