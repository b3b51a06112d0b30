package policy

import (
	"sync"

	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// ErrUnknownPolicy is returned by Resolve for a name nothing registered.
// Callers fail closed on it: an unconfigured endpoint class denies, it never
// silently allows.
var ErrUnknownPolicy = xerrors.New("unknown policy")

// Registry maps policy names to quotas. Seeded at process start; mutable only
// through Register, no implicit reload.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register validates and stores a policy under its name, replacing any
// previous value. Invalid policies are rejected here, never at request time.
func (r *Registry) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policies[p.Name] = p
	r.mu.Unlock()
	return nil
}

// Resolve returns the policy for name, or the override when one is supplied.
// An override replaces the full policy object - partial merges invite
// half-applied configuration, so we don't do them. Overrides are validated
// the same way registered policies are.
func (r *Registry) Resolve(name string, override *Policy) (Policy, error) {
	if override != nil {
		o := *override
		if o.Name == "" {
			o.Name = name
		}
		if err := o.Validate(); err != nil {
			return Policy{}, err
		}
		return o, nil
	}
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return Policy{}, xerrors.Wrapf(ErrUnknownPolicy, "resolve %q", name)
	}
	return p, nil
}

// Names returns the registered policy names, for the ops surface.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	return out
}
