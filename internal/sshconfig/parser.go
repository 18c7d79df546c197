// Package sshconfig reads OpenSSH client configs so hosts and forwards that
// already live in ~/.ssh/config can seed tunnels, and renders tunnels back
// into ssh_config Host blocks.
package sshconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/model"
)

// Host is one concrete alias with the directives that apply to it.
type Host struct {
	Alias        string
	HostName     string
	User         string
	Port         int
	IdentityFile string
	Channels     model.ChannelTable
}

type ParseResult struct {
	Hosts    []Host
	Warnings []string
}

// Lookup finds a host by alias, ignoring case.
func (r ParseResult) Lookup(alias string) (Host, bool) {
	for _, h := range r.Hosts {
		if strings.EqualFold(h.Alias, alias) {
			return h, true
		}
	}
	return Host{}, false
}

type rawBlock struct {
	patterns []string
	values   map[string][]string
}

// DefaultPath is ~/.ssh/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Annotate(err, "resolve home dir")
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// ParseDefault parses ~/.ssh/config.
func ParseDefault() (ParseResult, error) {
	path, err := DefaultPath()
	if err != nil {
		return ParseResult{}, err
	}
	return ParseFile(path)
}

// ParseFile parses a root config and expands Include directives. A missing
// file yields a warning, not an error.
func ParseFile(path string) (ParseResult, error) {
	seen := map[string]bool{}
	blocks, warnings, err := parseRecursive(path, seen, 0)
	if err != nil {
		return ParseResult{}, err
	}
	hosts, more := compileHosts(blocks)
	return ParseResult{Hosts: hosts, Warnings: append(warnings, more...)}, nil
}

func parseRecursive(path string, seen map[string]bool, depth int) ([]rawBlock, []string, error) {
	if depth > 16 {
		return nil, nil, errors.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if seen[abs] {
		return nil, []string{fmt.Sprintf("include cycle skipped: %s", abs)}, nil
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, []string{fmt.Sprintf("config file not found: %s", abs)}, nil
		}
		return nil, nil, errors.Annotatef(err, "open %s", abs)
	}
	defer f.Close()

	var (
		blocks      []rawBlock
		warnings    []string
		current     = rawBlock{patterns: []string{"*"}, values: map[string][]string{}}
		hasHostDecl bool
	)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripInlineComment(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%d invalid directive", abs, lineNo))
			continue
		}

		switch lowerKey := strings.ToLower(key); lowerKey {
		case "include":
			for _, pattern := range strings.Fields(value) {
				incPattern := expandHome(pattern)
				if !filepath.IsAbs(incPattern) {
					incPattern = filepath.Join(filepath.Dir(abs), incPattern)
				}
				matches, globErr := filepath.Glob(incPattern)
				if globErr != nil {
					warnings = append(warnings, fmt.Sprintf("%s:%d bad include pattern %q", abs, lineNo, pattern))
					continue
				}
				sort.Strings(matches)
				for _, m := range matches {
					child, childWarnings, childErr := parseRecursive(m, seen, depth+1)
					warnings = append(warnings, childWarnings...)
					if childErr != nil {
						warnings = append(warnings, fmt.Sprintf("include %s failed: %v", m, childErr))
						continue
					}
					blocks = append(blocks, child...)
				}
			}
		case "host":
			if hasHostDecl || len(current.values) > 0 {
				blocks = append(blocks, current)
			}
			patterns := strings.Fields(value)
			if len(patterns) == 0 {
				patterns = []string{"*"}
			}
			current = rawBlock{patterns: patterns, values: map[string][]string{}}
			hasHostDecl = true
		default:
			current.values[lowerKey] = append(current.values[lowerKey], value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, errors.Annotatef(err, "scan %s", abs)
	}
	if hasHostDecl || len(current.values) > 0 {
		blocks = append(blocks, current)
	}
	return blocks, warnings, nil
}

var forwardDirectives = []struct {
	key string
	typ model.ForwardType
}{
	{"localforward", model.ForwardLocal},
	{"remoteforward", model.ForwardRemote},
	{"dynamicforward", model.ForwardDynamic},
}

// compileHosts resolves every concrete alias against the blocks. OpenSSH
// keeps the first value it sees for scalar directives, so later blocks only
// fill what is still unset. Forwards accumulate.
func compileHosts(blocks []rawBlock) ([]Host, []string) {
	aliasSet := map[string]struct{}{}
	for _, b := range blocks {
		for _, p := range b.patterns {
			if isConcreteAlias(p) {
				aliasSet[p] = struct{}{}
			}
		}
	}
	aliases := make([]string, 0, len(aliasSet))
	for a := range aliasSet {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	var warnings []string
	hosts := make([]Host, 0, len(aliases))
	for _, alias := range aliases {
		h := Host{Alias: alias, Channels: model.ChannelTable{}}
		for _, b := range blocks {
			if !matchesAny(alias, b.patterns) {
				continue
			}
			first := func(key string) string {
				if vals := b.values[key]; len(vals) > 0 {
					return vals[0]
				}
				return ""
			}
			if h.HostName == "" {
				h.HostName = first("hostname")
			}
			if h.User == "" {
				h.User = first("user")
			}
			if h.Port == 0 {
				if p, err := strconv.Atoi(first("port")); err == nil {
					h.Port = p
				}
			}
			if h.IdentityFile == "" {
				h.IdentityFile = expandHome(first("identityfile"))
			}
			for _, fd := range forwardDirectives {
				for _, v := range b.values[fd.key] {
					spec, err := parseForward(fd.typ, v)
					if err != nil {
						warnings = append(warnings, fmt.Sprintf("%s: %s %q: %v", alias, fd.typ, v, err))
						continue
					}
					spec.Name = fmt.Sprintf("%s-%s-%d", alias, strings.ToLower(string(fd.typ)), spec.ListenPort)
					if h.Channels[fd.typ] == nil {
						h.Channels[fd.typ] = map[string]model.ChannelSpec{}
					}
					key := strconv.Itoa(spec.ListenPort)
					if _, dup := h.Channels[fd.typ][key]; !dup {
						h.Channels[fd.typ][key] = spec
					}
				}
			}
		}
		if h.HostName == "" {
			h.HostName = alias
		}
		if h.Port == 0 {
			h.Port = 22
		}
		hosts = append(hosts, h)
	}
	return hosts, warnings
}

// parseForward reads "[bind:]port host:hostport" (Local/RemoteForward) or
// "[bind:]port" (DynamicForward).
func parseForward(t model.ForwardType, v string) (model.ChannelSpec, error) {
	parts := strings.Fields(v)
	want := 2
	if t == model.ForwardDynamic {
		want = 1
	}
	if len(parts) != want {
		return model.ChannelSpec{}, errors.NotValidf("forward with %d fields", len(parts))
	}

	var spec model.ChannelSpec
	bind, port, err := splitHostPort(parts[0])
	if err != nil {
		return spec, err
	}
	spec.ListenPort = port
	if t == model.ForwardRemote {
		spec.ListenHost = bind
		if spec.ListenHost == "" {
			spec.ListenHost = "localhost"
		}
	}
	if t != model.ForwardDynamic {
		host, hostPort, err := splitHostPort(parts[1])
		if err != nil {
			return spec, err
		}
		if host == "" {
			host = "localhost"
		}
		spec.EndpointHost, spec.EndpointPort = host, hostPort
	}
	spec.Name = "import"
	return spec.Validate(t)
}

func splitHostPort(s string) (string, int, error) {
	host, portStr := "", s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		host, portStr = strings.Trim(s[:i], "[]"), s[i+1:]
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.NotValidf("port %q", portStr)
	}
	return host, p, nil
}

func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		if ok, err := filepath.Match(strings.TrimPrefix(p, "!"), alias); err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func isConcreteAlias(pattern string) bool {
	return pattern != "" && !strings.HasPrefix(pattern, "!") && !strings.ContainsAny(pattern, "*?")
}

func splitDirective(line string) (key, value string, ok bool) {
	if i := strings.IndexAny(line, " \t="); i > 0 {
		key = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(strings.TrimLeft(line[i:], " \t="))
		return key, value, key != "" && value != ""
	}
	return "", "", false
}

func stripInlineComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
