package policy

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// File is the on-disk shape of the policy/bypass configuration, loaded once at
// process start.
//
//	policies:
//	  login:
//	    max_requests: 5
//	    window_seconds: 900
//	    scope: user
//	    message: "Too many login attempts"
//	bypass:
//	  admins: ["ops-bot"]
//	  cidrs: ["10.0.0.0/8", "192.168.1.0/24"]
type File struct {
	Policies map[string]filePolicy `yaml:"policies"`
	Bypass   Bypass                `yaml:"bypass"`
}

type filePolicy struct {
	MaxRequests     int    `yaml:"max_requests"`
	WindowSeconds   int    `yaml:"window_seconds"`
	Scope           string `yaml:"scope"`
	Message         string `yaml:"message"`
	CulturalMessage string `yaml:"cultural_message"`
	Priority        int    `yaml:"priority"`
}

// Bypass lists identities exempt from quota consumption entirely.
type Bypass struct {
	Admins []string `yaml:"admins"`
	CIDRs  []string `yaml:"cidrs"`
}

// LoadFile reads the YAML config and registers every policy into a fresh
// registry. Any invalid policy fails the whole load - configuration errors
// surface at startup, not per request.
func LoadFile(path string) (*Registry, Bypass, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Bypass{}, xerrors.Wrapf(err, "read policy file %s", path)
	}
	return Parse(raw)
}

// Parse builds a registry from raw YAML config bytes.
func Parse(raw []byte) (*Registry, Bypass, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, Bypass{}, xerrors.Wrap(err, "parse policy file")
	}
	reg := NewRegistry()
	for name, fp := range f.Policies {
		scope, err := ParseScope(fp.Scope)
		if err != nil {
			return nil, Bypass{}, xerrors.Wrapf(err, "policy %q", name)
		}
		p := Policy{
			Name:            name,
			MaxRequests:     fp.MaxRequests,
			Window:          time.Duration(fp.WindowSeconds) * time.Second,
			Scope:           scope,
			Message:         fp.Message,
			CulturalMessage: fp.CulturalMessage,
			Priority:        fp.Priority,
		}
		if err := reg.Register(p); err != nil {
			return nil, Bypass{}, err
		}
	}
	return reg, f.Bypass, nil
}
