package httpserver

import (
	"context"
	"net/http"

	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/httpmw"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/probe"
)

// AuthFailureRecorder receives failed login attempts so repeated failures can
// raise suspicion. Satisfied by *detector.Detector.
type AuthFailureRecorder interface {
	RecordAuthFailure(ctx context.Context, subjectID, ip string)
}

type Options struct {
	Logger log.Logger
	Port   int
	Engine *engine.Engine

	// Identify extracts caller identity for admission; nil means anonymous.
	Identify httpmw.IdentityFunc

	// Authenticate validates login credentials. nil rejects everything.
	Authenticate func(user, pass string) bool

	// AuthFailures is notified of failed logins. May be nil.
	AuthFailures AuthFailureRecorder

	// Policy names for the route groups, empty uses the defaults
	// "login", "api" and "webhook".
	LoginPolicy   string
	APIPolicy     string
	WebhookPolicy string

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       probe.Probe
	Readiness    probe.Probe
}
