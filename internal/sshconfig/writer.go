package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/security"
)

// AliasPrefix is prepended to tunnel ids in exported Host blocks so they
// cannot shadow the user's own aliases.
const AliasPrefix = "ostm-"

var forwardKeywords = map[model.ForwardType]string{
	model.ForwardLocal:   "LocalForward",
	model.ForwardRemote:  "RemoteForward",
	model.ForwardDynamic: "DynamicForward",
}

// FormatHostBlock renders a tunnel as a Host block, so `ssh ostm-<id>`
// opens the same connection the supervisor launches. Forwards are written
// in launch order and ssh options become directives.
func FormatHostBlock(cfg model.TunnelConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s%s\n", AliasPrefix, cfg.ID)
	fmt.Fprintf(&b, "  HostName %s\n", cfg.RemoteHost)
	if cfg.RemoteUser != "" {
		fmt.Fprintf(&b, "  User %s\n", cfg.RemoteUser)
	}
	if cfg.SSHPort != 0 && cfg.SSHPort != 22 {
		fmt.Fprintf(&b, "  Port %d\n", cfg.SSHPort)
	}
	if cfg.SSHKeyPath != "" {
		fmt.Fprintf(&b, "  IdentityFile %s\n", cfg.SSHKeyPath)
		b.WriteString("  IdentitiesOnly yes\n")
	}

	keys := make([]string, 0, len(cfg.SSHOptions))
	for k := range cfg.SSHOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s %s\n", k, cfg.SSHOptions[k])
	}

	for _, ch := range cfg.Channels.Sorted() {
		switch ch.Type {
		case model.ForwardLocal:
			fmt.Fprintf(&b, "  %s %d %s:%d\n", forwardKeywords[ch.Type], ch.ListenPort, ch.EndpointHost, ch.EndpointPort)
		case model.ForwardRemote:
			fmt.Fprintf(&b, "  %s %s:%d %s:%d\n", forwardKeywords[ch.Type], ch.ListenHost, ch.ListenPort, ch.EndpointHost, ch.EndpointPort)
		case model.ForwardDynamic:
			fmt.Fprintf(&b, "  %s %d\n", forwardKeywords[ch.Type], ch.ListenPort)
		}
	}
	return b.String()
}

// Format renders every tunnel, ordered by id, behind a header comment.
func Format(cfgs []model.TunnelConfig) string {
	sorted := append([]model.TunnelConfig(nil), cfgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	b.WriteString("# Generated by ostm. Add `Include <this file>` to ~/.ssh/config.\n")
	for _, cfg := range sorted {
		b.WriteString("\n")
		b.WriteString(FormatHostBlock(cfg))
	}
	return b.String()
}

// Export atomically replaces path with the rendered tunnels.
func Export(path string, cfgs []model.TunnelConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return security.IOError(err, "create %s", filepath.Dir(path))
	}
	if err := renameio.WriteFile(path, []byte(Format(cfgs)), 0o600); err != nil {
		return security.IOError(err, "write %s", path)
	}
	return nil
}
