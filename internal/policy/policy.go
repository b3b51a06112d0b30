// Package policy holds named admission quotas and the registry that resolves them.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// Scope is the dimension a quota is shared over.
type Scope int

const (
	// ScopeUser counts per subject id, falling back to IP when no subject is present.
	ScopeUser Scope = iota
	// ScopeIP counts per normalized client IP.
	ScopeIP
	// ScopeEndpoint counts per endpoint id, shared across all subjects (global ceiling).
	ScopeEndpoint
	// ScopeComposite counts per (subject, endpoint) pair.
	ScopeComposite
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeIP:
		return "ip"
	case ScopeEndpoint:
		return "endpoint"
	case ScopeComposite:
		return "composite"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope maps config strings to a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return ScopeUser, nil
	case "ip":
		return ScopeIP, nil
	case "endpoint":
		return ScopeEndpoint, nil
	case "composite":
		return ScopeComposite, nil
	default:
		return 0, xerrors.Newf("unknown scope %q (valid scopes are user|ip|endpoint|composite)", s)
	}
}

// Policy is one named quota. Immutable once registered; overrides replace the
// whole value, never merge into it.
type Policy struct {
	Name            string
	MaxRequests     int
	Window          time.Duration
	Scope           Scope
	Message         string
	CulturalMessage string
	Priority        int
}

// Validate rejects unusable quotas at load time so request-time code never
// sees a zero or negative window.
func (p Policy) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, xerrors.New("policy name is required"))
	}
	if p.MaxRequests <= 0 {
		errs = append(errs, xerrors.Newf("policy %q: max_requests must be > 0 (got %d)", p.Name, p.MaxRequests))
	}
	if p.Window <= 0 {
		errs = append(errs, xerrors.Newf("policy %q: window must be > 0 (got %s)", p.Name, p.Window))
	}
	return errors.Join(errs...)
}
