// Package model holds the data types shared by the supervisor, the stores and
// the HTTP/CLI surfaces.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/util"
)

// ForwardType is the kind of SSH forward carried by a channel.
type ForwardType string

const (
	ForwardLocal   ForwardType = "LOCAL"
	ForwardRemote  ForwardType = "REMOTE"
	ForwardDynamic ForwardType = "DYNAMIC"
)

// ForwardTypes lists the forward types in command-line order.
var ForwardTypes = []ForwardType{ForwardLocal, ForwardRemote, ForwardDynamic}

// ParseForwardType accepts LOCAL/REMOTE/DYNAMIC (any case), the single letters
// L/R/D and the ssh flags -L/-R/-D.
func ParseForwardType(s string) (ForwardType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOCAL", "L", "-L":
		return ForwardLocal, nil
	case "REMOTE", "R", "-R":
		return ForwardRemote, nil
	case "DYNAMIC", "D", "-D":
		return ForwardDynamic, nil
	}
	return "", errors.NotValidf("forward type %q", s)
}

// Flag returns the ssh flag for the forward type.
func (t ForwardType) Flag() string {
	switch t {
	case ForwardLocal:
		return "-L"
	case ForwardRemote:
		return "-R"
	case ForwardDynamic:
		return "-D"
	}
	return ""
}

// Bandwidth caps, in trickle units (KB/s).
type Bandwidth struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Validate rejects negative rates.
func (b Bandwidth) Validate() error {
	if b.Up < 0 || b.Down < 0 {
		return errors.NotValidf("bandwidth %d/%d (rates must be non-negative)", b.Up, b.Down)
	}
	return nil
}

// ChannelSpec is one forwarding rule inside a tunnel.
type ChannelSpec struct {
	Name         string `json:"name"`
	ListenPort   int    `json:"listenPort"`
	ListenHost   string `json:"listenHost,omitempty"`
	EndpointHost string `json:"endpointHost,omitempty"`
	EndpointPort int    `json:"endpointPort,omitempty"`
}

// Validate enforces the required-field set for the given forward type and
// normalizes fields that do not apply to it.
func (c ChannelSpec) Validate(t ForwardType) (ChannelSpec, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.ListenHost = strings.TrimSpace(c.ListenHost)
	c.EndpointHost = strings.TrimSpace(c.EndpointHost)
	if c.Name == "" {
		return ChannelSpec{}, errors.NotValidf("channel without name")
	}
	if err := util.ValidatePort(c.ListenPort); err != nil {
		return ChannelSpec{}, errors.NewNotValid(err, "listen port")
	}
	switch t {
	case ForwardLocal, ForwardRemote:
		if t == ForwardRemote && c.ListenHost == "" {
			return ChannelSpec{}, errors.NotValidf("REMOTE channel %q without listenHost", c.Name)
		}
		if c.EndpointHost == "" {
			return ChannelSpec{}, errors.NotValidf("%s channel %q without endpointHost", t, c.Name)
		}
		if err := util.ValidatePort(c.EndpointPort); err != nil {
			return ChannelSpec{}, errors.NewNotValid(err, "endpoint port")
		}
		if t == ForwardLocal {
			c.ListenHost = ""
		}
	case ForwardDynamic:
		c.ListenHost = ""
		c.EndpointHost = ""
		c.EndpointPort = 0
	default:
		return ChannelSpec{}, errors.NotValidf("forward type %q", t)
	}
	return c, nil
}

// ForwardArg renders the argument that follows the ssh forward flag.
func (c ChannelSpec) ForwardArg(t ForwardType) string {
	switch t {
	case ForwardLocal:
		return fmt.Sprintf("%d:%s:%d", c.ListenPort, c.EndpointHost, c.EndpointPort)
	case ForwardRemote:
		return fmt.Sprintf("%s:%d:%s:%d", c.ListenHost, c.ListenPort, c.EndpointHost, c.EndpointPort)
	default:
		return strconv.Itoa(c.ListenPort)
	}
}

// ChannelTable maps forward type to listen port (as a string key) to channel.
type ChannelTable map[ForwardType]map[string]ChannelSpec

// Count returns the number of channels across all types.
func (ct ChannelTable) Count() int {
	n := 0
	for _, ports := range ct {
		n += len(ports)
	}
	return n
}

// Channel is a ChannelSpec tagged with its type, used for ordered iteration.
type Channel struct {
	Type ForwardType `json:"type"`
	ChannelSpec
}

// Sorted returns every channel ordered by type (LOCAL, REMOTE, DYNAMIC) and
// then by numeric listen port.
func (ct ChannelTable) Sorted() []Channel {
	var out []Channel
	for _, t := range ForwardTypes {
		ports := ct[t]
		keys := make([]string, 0, len(ports))
		for k := range ports {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			pi, _ := strconv.Atoi(keys[i])
			pj, _ := strconv.Atoi(keys[j])
			if pi != pj {
				return pi < pj
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			out = append(out, Channel{Type: t, ChannelSpec: ports[k]})
		}
	}
	return out
}

// TunnelConfig is the persisted definition of one tunnel. ID is derived from
// the storage location and is never serialized.
type TunnelConfig struct {
	ID                 string            `json:"-"`
	RemoteUser         string            `json:"remoteUser"`
	RemoteHost         string            `json:"remoteHost"`
	SSHPort            int               `json:"sshPort"`
	SSHKeyPath         string            `json:"sshKeyPath"`
	SSHOptions         map[string]string `json:"sshOptions,omitempty"`
	Bandwidth          *Bandwidth        `json:"bandwidth"`
	Channels           ChannelTable      `json:"channels"`
	HostKeyFingerprint string            `json:"hostKeyFingerprint,omitempty"`
}

// Target returns user@host.
func (c TunnelConfig) Target() string {
	return c.RemoteUser + "@" + c.RemoteHost
}

// Validate checks the fields required to build a launch command.
func (c TunnelConfig) Validate() error {
	if strings.TrimSpace(c.RemoteUser) == "" || strings.TrimSpace(c.RemoteHost) == "" {
		return errors.NotValidf("tunnel %q without remote user or host", c.ID)
	}
	if err := util.ValidatePort(c.SSHPort); err != nil {
		return errors.NewNotValid(err, "ssh port")
	}
	if strings.TrimSpace(c.SSHKeyPath) == "" {
		return errors.NotValidf("tunnel %q without ssh key", c.ID)
	}
	if c.Bandwidth == nil {
		return errors.NotValidf("tunnel %q without bandwidth", c.ID)
	}
	if err := c.Bandwidth.Validate(); err != nil {
		return err
	}
	if c.Channels == nil {
		return errors.NotValidf("tunnel %q without channel table", c.ID)
	}
	for t, ports := range c.Channels {
		for key, ch := range ports {
			if _, err := ch.Validate(t); err != nil {
				return errors.Annotatef(err, "channel %s/%s", t, key)
			}
			if key != strconv.Itoa(ch.ListenPort) {
				return errors.NotValidf("channel %s/%s keyed under wrong port %d", t, key, ch.ListenPort)
			}
		}
	}
	return nil
}

// TunnelState is the supervisor's view of a tunnel.
type TunnelState string

const (
	TunnelStopped  TunnelState = "STOPPED"
	TunnelStarting TunnelState = "STARTING"
	TunnelRunning  TunnelState = "RUNNING"
	TunnelStopping TunnelState = "STOPPING"
	TunnelOrphaned TunnelState = "ORPHANED"
	TunnelError    TunnelState = "ERROR"
)

// TunnelResult is the outcome of one start/stop/restart for one tunnel.
type TunnelResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Status  TunnelState `json:"status"`
	PID     int         `json:"pid,omitempty"`
	OldPID  int         `json:"oldPid,omitempty"`
	Command string      `json:"cmd,omitempty"`
	Message string      `json:"message"`
}

// Summary aggregates per-tunnel results of a bulk operation.
type Summary struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details []TunnelResult `json:"details"`
}

// TunnelStatus is one row of a status report. Orphaned processes have no ID.
type TunnelStatus struct {
	ID         string       `json:"-"`
	State      TunnelState  `json:"status"`
	PID        int          `json:"pid,omitempty"`
	RemoteUser string       `json:"remoteUser,omitempty"`
	RemoteHost string       `json:"remoteHost,omitempty"`
	SSHPort    int          `json:"sshPort,omitempty"`
	Bandwidth  *Bandwidth   `json:"bandwidth,omitempty"`
	Channels   ChannelTable `json:"channels,omitempty"`
	Command    string       `json:"cmd,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// MarshalJSON renders an empty ID as null.
func (s TunnelStatus) MarshalJSON() ([]byte, error) {
	type plain TunnelStatus
	var id *string
	if s.ID != "" {
		id = &s.ID
	}
	return json.Marshal(struct {
		ID *string `json:"id"`
		plain
	}{ID: id, plain: plain(s)})
}

// StatusReport is the result of a status query.
type StatusReport struct {
	Message    string         `json:"message"`
	Configured int            `json:"configured"`
	Running    int            `json:"running"`
	Orphaned   int            `json:"orphaned"`
	Tunnels    []TunnelStatus `json:"tunnels"`
}
