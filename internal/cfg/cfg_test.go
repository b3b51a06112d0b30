package cfg

import (
	"flag"
	"strings"
	"testing"
)

func newFlagSet(c *App) *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	Register(fs, c)
	return fs
}

func defaultConfig(t *testing.T) App {
	t.Helper()
	var c App
	fs := newFlagSet(&c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return c
}

func TestDefaultsAreValid(t *testing.T) {
	c := defaultConfig(t)
	if err := Validate(c); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Fatalf("default ports = %d/%d, want 8080/9000", c.HTTPPort, c.AdminPort)
	}
}

func TestFillFromEnvSetsUnsetFlags(t *testing.T) {
	t.Setenv("QGTEST_HTTP_PORT", "8081")
	t.Setenv("QGTEST_REDIS_ADDR", "redis:6379")

	var c App
	fs := newFlagSet(&c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	FillFromEnv(fs, "QGTEST_", nil)

	if c.HTTPPort != 8081 {
		t.Fatalf("HTTPPort = %d, want env value 8081", c.HTTPPort)
	}
	if c.RedisAddr != "redis:6379" {
		t.Fatalf("RedisAddr = %q, want env value", c.RedisAddr)
	}
}

func TestCliBeatsEnv(t *testing.T) {
	t.Setenv("QGTEST_HTTP_PORT", "8081")

	var c App
	fs := newFlagSet(&c)
	if err := fs.Parse([]string{"-http-port=9999"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	FillFromEnv(fs, "QGTEST_", nil)

	if c.HTTPPort != 9999 {
		t.Fatalf("HTTPPort = %d, cli flag must win over env", c.HTTPPort)
	}
}

func TestFillFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("QGTEST_HTTP_PORT", "not-a-port")

	var c App
	fs := newFlagSet(&c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var logged []string
	FillFromEnv(fs, "QGTEST_", func(format string, args ...any) {
		logged = append(logged, format)
	})

	if c.HTTPPort != 8080 {
		t.Fatalf("HTTPPort = %d, invalid env must keep the default", c.HTTPPort)
	}
	if len(logged) == 0 {
		t.Fatal("invalid env value was not reported")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*App)
		frag   string
	}{
		{"bad http port", func(c *App) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"bad admin port", func(c *App) { c.AdminPort = 70000 }, "ADMIN_PORT"},
		{"port collision", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad log level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"missing policy file", func(c *App) { c.PolicyFile = "" }, "POLICY_FILE"},
		{"bad redis addr", func(c *App) { c.RedisAddr = "no-port" }, "REDIS_ADDR"},
		{"bad redis timeout", func(c *App) { c.RedisTimeoutMS = 0 }, "REDIS_TIMEOUT_MS"},
		{"bad probation", func(c *App) { c.ProbationSecs = 0 }, "STORE_PROBATION_SECONDS"},
		{"threshold out of range", func(c *App) { c.CriticalThreshold = 1.5 }, "ALERT_CRITICAL"},
		{"thresholds unordered", func(c *App) { c.WarnThreshold = 0.9 }, "ordered"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT"},
		{"bad sample", func(c *App) { c.TraceSample = 2 }, "TRACE_SAMPLE"},
		{"pyroscope without server", func(c *App) { c.EnablePyroscope = true }, "PYRO_SERVER"},
	}
	for _, tc := range cases {
		c := defaultConfig(t)
		tc.mutate(&c)
		err := Validate(c)
		if err == nil {
			t.Fatalf("%s: Validate() = nil, want error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.frag) {
			t.Fatalf("%s: error %q missing %q", tc.name, err, tc.frag)
		}
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	c := defaultConfig(t)
	c.HTTPPort = 0
	c.LogLevel = "loud"
	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, frag := range []string{"HTTP_PORT", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), frag) {
			t.Fatalf("joined error %q missing %q", err, frag)
		}
	}
}
