package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/keithlinneman/quotagate/internal/log"
)

type App struct {
	LogJSON  bool
	LogLevel string

	HTTPPort  int
	AdminPort int

	PolicyFile string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisTimeoutMS int
	ProbationSecs  int

	WarnThreshold     float64
	AlertThreshold    float64
	CriticalThreshold float64
	AlertCooldownSecs int

	DetectRapidRequests int
	DetectFanout        int
	DetectAuthFailures  int

	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.PolicyFile, "policy-file", "policies.yaml", "YAML file with named limit policies and bypass lists")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "shared counter store host:port (empty = in-process counting only)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "counter store password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "counter store database number")
	fs.IntVar(&c.RedisTimeoutMS, "redis-timeout-ms", 150, "per-call counter store timeout in milliseconds (1..5000)")
	fs.IntVar(&c.ProbationSecs, "store-probation-seconds", 5, "seconds to stay on fallback counting before re-probing the store")
	fs.Float64Var(&c.WarnThreshold, "alert-warn", 0.6, "quota utilization warning threshold (0..1)")
	fs.Float64Var(&c.AlertThreshold, "alert-high", 0.8, "quota utilization alert threshold (0..1)")
	fs.Float64Var(&c.CriticalThreshold, "alert-critical", 0.95, "quota utilization critical threshold (0..1)")
	fs.IntVar(&c.AlertCooldownSecs, "alert-cooldown-seconds", 60, "alert suppression window per (policy, subject)")
	fs.IntVar(&c.DetectRapidRequests, "detect-rapid-requests", 120, "suspicious activity: requests per minute per subject")
	fs.IntVar(&c.DetectFanout, "detect-endpoint-fanout", 25, "suspicious activity: distinct endpoints per 5 minutes per subject")
	fs.IntVar(&c.DetectAuthFailures, "detect-auth-failures", 10, "suspicious activity: auth failures per 5 minutes per subject")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}

	if c.PolicyFile == "" {
		errs = append(errs, fmt.Errorf("POLICY_FILE is required"))
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisTimeoutMS < 1 || c.RedisTimeoutMS > 5000 {
		errs = append(errs, fmt.Errorf("REDIS_TIMEOUT_MS must be 1..5000 (got %d)", c.RedisTimeoutMS))
	}
	if c.ProbationSecs < 1 {
		errs = append(errs, fmt.Errorf("STORE_PROBATION_SECONDS must be >= 1 (got %d)", c.ProbationSecs))
	}

	// thresholds must be ordered fractions
	for name, v := range map[string]float64{
		"ALERT_WARN":     c.WarnThreshold,
		"ALERT_HIGH":     c.AlertThreshold,
		"ALERT_CRITICAL": c.CriticalThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be 0..1 (got %.3f)", name, v))
		}
	}
	if c.WarnThreshold > c.AlertThreshold || c.AlertThreshold > c.CriticalThreshold {
		errs = append(errs, fmt.Errorf("alert thresholds must be ordered warn <= high <= critical (got %.2f/%.2f/%.2f)",
			c.WarnThreshold, c.AlertThreshold, c.CriticalThreshold))
	}
	if c.AlertCooldownSecs < 1 {
		errs = append(errs, fmt.Errorf("ALERT_COOLDOWN_SECONDS must be >= 1 (got %d)", c.AlertCooldownSecs))
	}

	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope && c.PyroServer == "" {
		errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
