// Copyright 2025 James Ross
// Package endpoint implements the engine/ingestion URL normalization rules
// and the trusted-endpoint allow-list. Overrides are process-wide, mirroring
// the teacher's global registries for trusted endpoints, with an explicit
// Configure entry point so tests can reset state.
package endpoint

import (
	"net"
	"net/url"
	"strings"
	"sync"
)

const ingestPrefix = "ingest-"

var builtinTrustedSuffixes = []string{
	".kusto.windows.net",
	".kusto.chinacloudapi.cn",
	".kusto.usgovcloudapi.net",
	".kusto.core.eaglex.ic.gov",
	".kusto.core.microsoft.scloud",
	".kusto.data.microsoft.com",
	".kusto.fabric.microsoft.com",
	".kusto.azuresynapse.net",
}

const devBypassHost = "onebox.dev.kusto.windows.net"

// NormalizeEngine strips a leading "ingest-" host prefix (if present) and
// the ";fed=true" suffix, preserving host, port, and path.
func NormalizeEngine(raw string) (string, error) {
	u, err := parse(raw)
	if err != nil {
		return "", err
	}
	u.Host = stripFedSuffix(u.Host)
	host, port := splitHostPort(u.Host)
	if strings.HasPrefix(strings.ToLower(host), ingestPrefix) && !bypassHost(host) {
		host = host[len(ingestPrefix):]
	}
	u.Host = joinHostPort(host, port)
	return u.String(), nil
}

// NormalizeIngestion adds the "ingest-" host prefix (unless the host
// bypasses normalization) and strips the ";fed=true" suffix.
func NormalizeIngestion(raw string) (string, error) {
	u, err := parse(raw)
	if err != nil {
		return "", err
	}
	u.Host = stripFedSuffix(u.Host)
	host, port := splitHostPort(u.Host)
	if !bypassHost(host) && !strings.HasPrefix(strings.ToLower(host), ingestPrefix) {
		host = ingestPrefix + host
	}
	u.Host = joinHostPort(host, port)
	return u.String(), nil
}

func bypassHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || lower == devBypassHost {
		return true
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return false
}

func stripFedSuffix(host string) string {
	// ";fed=true" arrives appended to the authority in some legacy
	// connection strings; treat it as a suffix of the raw host string.
	const suffix = ";fed=true"
	if idx := strings.Index(strings.ToLower(host), suffix); idx >= 0 {
		return host[:idx]
	}
	return host
}

func splitHostPort(hostport string) (string, string) {
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		return host, port
	}
	return hostport, ""
}

func joinHostPort(host, port string) string {
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

func parse(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// TrustedPolicy is the process-wide trusted-endpoint registry. A single
// override predicate can force accept/reject for all hosts; additional
// suffixes can be allow-listed additively.
type TrustedPolicy struct {
	mu        sync.RWMutex
	suffixes  []string
	allowList map[string]bool
	override  func(host string) (accept bool, ok bool)
}

var defaultPolicy = newTrustedPolicy()

func newTrustedPolicy() *TrustedPolicy {
	return &TrustedPolicy{
		suffixes:  append([]string(nil), builtinTrustedSuffixes...),
		allowList: make(map[string]bool),
	}
}

// Default returns the process-wide trusted-endpoint policy.
func Default() *TrustedPolicy { return defaultPolicy }

// Configure resets the process-wide policy to its built-in defaults. Tests
// should call this in TestMain or in a cleanup to avoid cross-test leakage.
func Configure() {
	defaultPolicy.mu.Lock()
	defer defaultPolicy.mu.Unlock()
	defaultPolicy.suffixes = append([]string(nil), builtinTrustedSuffixes...)
	defaultPolicy.allowList = make(map[string]bool)
	defaultPolicy.override = nil
}

// AllowSuffix additively allow-lists a hostname suffix (e.g. ".mycluster.example.com").
func (p *TrustedPolicy) AllowSuffix(suffix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suffixes = append(p.suffixes, suffix)
}

// AllowHost additively allow-lists an exact hostname.
func (p *TrustedPolicy) AllowHost(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowList[strings.ToLower(host)] = true
}

// SetOverride installs a predicate that forces accept/reject for every
// hostname, bypassing the suffix/allow-list checks entirely. Passing nil
// clears the override.
func (p *TrustedPolicy) SetOverride(fn func(host string) (accept bool, ok bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override = fn
}

// IsTrusted reports whether host is an accepted ingestion/query endpoint.
func (p *TrustedPolicy) IsTrusted(host string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.override != nil {
		if accept, ok := p.override(host); ok {
			return accept
		}
	}
	lower := strings.ToLower(host)
	if p.allowList[lower] {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}
