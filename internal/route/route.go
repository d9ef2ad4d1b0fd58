// Package route implements the host proxy runtime's route-config provider:
// an HTTP-shaped matcher over the metadata's callee/func header view,
// resolved against an exact callee and a longest-matching func prefix.
package route

import (
	"errors"
	"sort"
	"strings"

	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// HashPolicy marks a route entry as wanting consistent-hash load balancing.
// The cookie-generator case is intentionally unsupported: ComputeHashKey
// never asks for a cookie.
type HashPolicy struct {
	Enabled bool
}

// Entry is the matched leaf of a route.
type Entry struct {
	ClusterName string
	HashPolicy  HashPolicy
}

// Match selects which requests a Rule applies to: an exact callee (service
// name, the ":authority" header) and a prefix on func (the ":path" header).
type Match struct {
	Callee     string
	FuncPrefix string
}

// Rule pairs a Match with the Entry it resolves to.
type Rule struct {
	Match Match
	Entry Entry
}

// ConfigInfo is the version/debug metadata a provider can expose.
type ConfigInfo struct {
	Version string
}

// Matcher resolves HTTP-shaped headers (plus a random draw for tie-breaking
// a richer matcher might apply) to a route Entry, or nil if nothing matches.
type Matcher interface {
	Match(headers map[string]string, random uint64) *Entry
}

// Provider is the route-config-provider collaborator.
type Provider interface {
	ConfigInfo() (ConfigInfo, bool)
	Config() Matcher
}

// ErrRDSNotImplemented marks the dynamic (RDS) provider variant
// (route_specifier: oneof { rds, route_config }) as an explicit, undone
// gap rather than a silent one.
var ErrRDSNotImplemented = errors.New("route: dynamic RDS provider not implemented")

// DynamicProvider is the unimplemented RDS counterpart to StaticProvider.
type DynamicProvider struct{}

func (DynamicProvider) ConfigInfo() (ConfigInfo, bool) { return ConfigInfo{}, false }
func (DynamicProvider) Config() Matcher                { return nil }

// StaticProvider serves one fixed route table for the process lifetime.
type StaticProvider struct {
	info    ConfigInfo
	matcher *prefixMatcher
}

// NewStaticProvider builds a provider from a fixed rule list, pre-sorting
// each callee's rules by descending FuncPrefix length so the longest match
// always wins regardless of input order.
func NewStaticProvider(version string, rules []Rule) *StaticProvider {
	return &StaticProvider{
		info:    ConfigInfo{Version: version},
		matcher: newPrefixMatcher(rules),
	}
}

func (p *StaticProvider) ConfigInfo() (ConfigInfo, bool) { return p.info, true }
func (p *StaticProvider) Config() Matcher                { return p.matcher }

// prefixMatcher groups rules by exact callee, with a catch-all bucket for
// rules whose Callee is empty, and resolves func by longest-prefix match
// within the chosen bucket.
type prefixMatcher struct {
	byCallee map[string][]Rule
	fallback []Rule
}

func newPrefixMatcher(rules []Rule) *prefixMatcher {
	m := &prefixMatcher{byCallee: make(map[string][]Rule)}
	for _, r := range rules {
		if r.Match.Callee == "" {
			m.fallback = append(m.fallback, r)
		} else {
			m.byCallee[r.Match.Callee] = append(m.byCallee[r.Match.Callee], r)
		}
	}
	for _, bucket := range m.byCallee {
		sortByPrefixLenDesc(bucket)
	}
	sortByPrefixLenDesc(m.fallback)
	return m
}

func sortByPrefixLenDesc(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Match.FuncPrefix) > len(rules[j].Match.FuncPrefix)
	})
}

func (m *prefixMatcher) Match(headers map[string]string, _ uint64) *Entry {
	path := headers[trpc.HeaderPath]
	authority := headers[trpc.HeaderAuthority]

	bucket, ok := m.byCallee[authority]
	if !ok {
		bucket = m.fallback
	}
	for _, r := range bucket {
		if strings.HasPrefix(path, r.Match.FuncPrefix) {
			entry := r.Entry
			return &entry
		}
	}
	return nil
}
