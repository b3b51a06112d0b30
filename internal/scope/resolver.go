// Package scope derives counting keys from request descriptors and applies
// bypass rules before any counter is touched.
package scope

import (
	"context"
	"net"
	"strings"

	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/policy"
)

// Key is the derived counter key. Two requests that share a quota always
// derive the same key; two that must not share one never collide, because the
// key embeds the scope tag, the raw identifier, and the policy name rather
// than a hash that could alias.
type Key string

// Resolver turns (descriptor, policy) into a counter key and decides bypass.
// Built once at startup from the bypass configuration; read-only afterwards.
type Resolver struct {
	admins    map[string]struct{}
	whitelist *matchList
}

// NewResolver builds a resolver from the configured admin subject ids and
// whitelisted IP/CIDR ranges. Unparseable whitelist entries are logged and
// skipped.
func NewResolver(ctx context.Context, lg log.Logger, bypass policy.Bypass) *Resolver {
	admins := make(map[string]struct{}, len(bypass.Admins))
	for _, a := range bypass.Admins {
		if a = strings.TrimSpace(a); a != "" {
			admins[a] = struct{}{}
		}
	}
	list, bad := newMatchList(bypass.CIDRs)
	for _, c := range bad {
		lg.Warn(ctx, "ignoring invalid whitelist entry", "cidr", c)
	}
	return &Resolver{admins: admins, whitelist: list}
}

// Bypass reports whether the request is exempt from quota consumption
// entirely. It is side-effect free and checked before any counter mutation:
// a bypassed request is invisible to both the limiter and the detector.
// Returns the bypass reason tag, or "" when the request must be counted.
func (r *Resolver) Bypass(subjectID, ip string, isAdmin, isWhitelisted bool) string {
	if isAdmin {
		return "bypass_admin"
	}
	if subjectID != "" {
		if _, ok := r.admins[subjectID]; ok {
			return "bypass_admin"
		}
	}
	if isWhitelisted {
		return "bypass_whitelist"
	}
	if ip != "" && r.whitelist.contains(ip) {
		return "bypass_whitelist"
	}
	return ""
}

// ResolveKey derives the counter key for the policy's scope. The returned
// fallback tag is non-empty when USER scope had no subject and fell back to
// IP; it is recorded in the decision reason, not treated as an error.
func (r *Resolver) ResolveKey(subjectID, ip, endpointID string, pol policy.Policy) (key Key, fallback string) {
	switch pol.Scope {
	case policy.ScopeUser:
		if subjectID == "" {
			return buildKey("ip", ip, pol.Name), "ip_fallback"
		}
		return buildKey("user", subjectID, pol.Name), ""
	case policy.ScopeIP:
		return buildKey("ip", ip, pol.Name), ""
	case policy.ScopeEndpoint:
		return buildKey("endpoint", endpointID, pol.Name), ""
	case policy.ScopeComposite:
		return buildKey("composite", subjectID+"\x1f"+endpointID, pol.Name), ""
	default:
		return buildKey("ip", ip, pol.Name), ""
	}
}

// buildKey concatenates with a separator that cannot appear in identifiers,
// so "ab"+"c" and "a"+"bc" never collide.
func buildKey(tag, id, policyName string) Key {
	return Key(tag + "\x1f" + id + "\x1f" + policyName)
}

// ClientIP normalizes the client address from proxy headers in fixed
// precedence order: X-Forwarded-For (first hop), then X-Real-IP, then the
// transport-level remote address. First present wins.
func ClientIP(xff, realIP, remoteAddr string) string {
	if xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if realIP != "" {
		if ip := strings.TrimSpace(realIP); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// no port component, may already be a bare ip
		if net.ParseIP(remoteAddr) != nil {
			return remoteAddr
		}
		return "0.0.0.0"
	}
	return host
}
