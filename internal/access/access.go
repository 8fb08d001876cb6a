// Package access implements the IP allow/block filter that runs before
// rate limiting.
package access

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

// Result is the outcome of a filter check.
type Result int

const (
	Allow Result = iota
	Deny
)

func (r Result) String() string {
	if r == Deny {
		return "deny"
	}
	return "allow"
}

// Config describes both lists and their enable flags.
type Config struct {
	EnableBlackList bool
	EnableWhiteList bool
	BlackList       []string
	WhiteList       []string
}

// Filter evaluates remote addresses against the current list snapshot.
// Replace swaps in a fully built snapshot so readers never see a partial
// update.
type Filter struct {
	snap atomic.Pointer[snapshot]
}

// New compiles cfg into a Filter.
func New(cfg Config) (*Filter, error) {
	s, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	f := &Filter{}
	f.snap.Store(s)
	return f, nil
}

// Replace compiles cfg and swaps it in. On error the previous snapshot stays.
func (f *Filter) Replace(cfg Config) error {
	s, err := compile(cfg)
	if err != nil {
		return err
	}
	f.snap.Store(s)
	return nil
}

// Check returns Deny when the address is block-listed (block list wins over
// the allow list) or when the allow list is enabled and the address is not
// on it.
func (f *Filter) Check(remoteIP string) Result {
	s := f.snap.Load()
	if !s.enableBlack && !s.enableWhite {
		return Allow
	}

	addr, parseErr := netip.ParseAddr(strings.TrimSpace(remoteIP))
	if parseErr == nil {
		addr = addr.Unmap()
	}

	if s.enableBlack && s.black.match(remoteIP, addr, parseErr == nil) {
		return Deny
	}
	if s.enableWhite && !s.white.match(remoteIP, addr, parseErr == nil) {
		return Deny
	}
	return Allow
}

type snapshot struct {
	enableBlack bool
	enableWhite bool
	black       patternSet
	white       patternSet
}

func compile(cfg Config) (*snapshot, error) {
	black, err := compilePatterns(cfg.BlackList)
	if err != nil {
		return nil, fmt.Errorf("ip_black_list: %w", err)
	}
	white, err := compilePatterns(cfg.WhiteList)
	if err != nil {
		return nil, fmt.Errorf("ip_white_list: %w", err)
	}
	return &snapshot{
		enableBlack: cfg.EnableBlackList,
		enableWhite: cfg.EnableWhiteList,
		black:       black,
		white:       white,
	}, nil
}

// patternSet holds exact addresses, CIDR prefixes and textual prefixes
// written with a trailing "*" (e.g. "192.168.*").
type patternSet struct {
	exact    map[netip.Addr]struct{}
	literal  map[string]struct{}
	prefixes []netip.Prefix
	textual  []string
}

func compilePatterns(patterns []string) (patternSet, error) {
	ps := patternSet{
		exact:   make(map[netip.Addr]struct{}),
		literal: make(map[string]struct{}),
	}

	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		switch {
		case p == "":
			continue
		case strings.HasSuffix(p, "*"):
			ps.textual = append(ps.textual, strings.TrimSuffix(p, "*"))
		case strings.Contains(p, "/"):
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return patternSet{}, fmt.Errorf("invalid CIDR %q: %w", p, err)
			}
			ps.prefixes = append(ps.prefixes, prefix.Masked())
		default:
			if addr, err := netip.ParseAddr(p); err == nil {
				ps.exact[addr.Unmap()] = struct{}{}
			} else {
				// Kept verbatim so non-IP peers (unix sockets, test hosts) can still be listed.
				ps.literal[p] = struct{}{}
			}
		}
	}
	return ps, nil
}

func (ps patternSet) match(raw string, addr netip.Addr, parsed bool) bool {
	if _, ok := ps.literal[raw]; ok {
		return true
	}
	for _, t := range ps.textual {
		if strings.HasPrefix(raw, t) {
			return true
		}
	}
	if !parsed {
		return false
	}
	if _, ok := ps.exact[addr]; ok {
		return true
	}
	for _, p := range ps.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
