// Package engine is the request admission decision service. Given a request
// descriptor and a named limit policy it returns an allow/deny decision plus
// quota metadata; it performs no I/O for the request itself.
package engine

import (
	"context"
	"time"

	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/policy"
	"github.com/keithlinneman/quotagate/internal/scope"
)

// Request is the immutable descriptor of one inbound request, created once by
// the caller and never mutated.
type Request struct {
	// SubjectID is the authenticated user identifier, empty for anonymous.
	SubjectID string
	// IP is the normalized client address (see scope.ClientIP).
	IP string
	// EndpointID names the endpoint class, e.g. the route pattern.
	EndpointID string
	Time       time.Time
	// IsAdmin and IsWhitelisted are caller-asserted bypass classifications,
	// checked in addition to the resolver's own admin/whitelist config.
	IsAdmin       bool
	IsWhitelisted bool
}

// Sink consumes (request, decision) pairs off the admission path. Observe is
// called from the engine's dispatch goroutine, never from the request
// goroutine, so a slow sink adds no latency to the decision.
type Sink interface {
	Observe(ctx context.Context, req Request, dec limiter.Decision)
}

type observation struct {
	req Request
	dec limiter.Decision
}

// Engine wires the resolver, registry and limiter together and fans decisions
// out to sinks. Constructed once at process start with injected dependencies;
// no ambient global state.
type Engine struct {
	registry *policy.Registry
	resolver *scope.Resolver
	limiter  *limiter.SlidingWindow
	lg       log.Logger

	events chan observation
	sinks  []Sink

	// OnDropped is called when a sink observation is discarded because the
	// queue is full. May be nil.
	OnDropped func()
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithSinks attaches decision consumers (detector, monitor).
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithQueueSize sets the observation buffer, default 1024.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.events = make(chan observation, n)
		}
	}
}

// WithDroppedHook sets the dropped-observation callback.
func WithDroppedHook(fn func()) Option {
	return func(e *Engine) { e.OnDropped = fn }
}

// New creates the engine and starts the sink dispatch goroutine, which stops
// when ctx is cancelled.
func New(ctx context.Context, reg *policy.Registry, res *scope.Resolver, lim *limiter.SlidingWindow, lg log.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		resolver: res,
		limiter:  lim,
		lg:       lg,
		events:   make(chan observation, 1024),
	}
	for _, o := range opts {
		o(e)
	}
	go e.dispatch(ctx)
	return e
}

// Check decides admission for one request. Only configuration errors (unknown
// policy, invalid override) are returned, and they fail closed: the decision
// accompanying a non-nil error is a deny. Every runtime fault degrades to a
// permissive decision instead - availability of the protected endpoint wins
// over quota accuracy.
func (e *Engine) Check(ctx context.Context, req Request, policyName string, override *policy.Policy) (limiter.Decision, error) {
	pol, err := e.registry.Resolve(policyName, override)
	if err != nil {
		return limiter.Decision{Policy: policyName, Reason: "configuration_error"}, err
	}

	// bypass before any counter mutation: exempt requests consume no quota
	// and are invisible to the limiter and the detector alike
	if tag := e.resolver.Bypass(req.SubjectID, req.IP, req.IsAdmin, req.IsWhitelisted); tag != "" {
		return limiter.Decision{
			Allowed:         true,
			Policy:          pol.Name,
			Limit:           pol.MaxRequests,
			Remaining:       pol.MaxRequests,
			Reason:          tag,
			Message:         pol.Message,
			CulturalMessage: pol.CulturalMessage,
		}, nil
	}

	key, fallback := e.resolver.ResolveKey(req.SubjectID, req.IP, req.EndpointID, pol)
	dec, err := e.limiter.Allow(ctx, string(key), pol)
	if err != nil {
		// the failover store absorbs backend outages, so reaching this means
		// something else broke; fail open rather than reject legitimate traffic
		e.lg.Warn(ctx, "limiter store error, admitting request unchecked",
			"policy", pol.Name, "err", err.Error())
		dec.Allowed = true
		dec.Remaining = pol.MaxRequests
		dec.Reason = limiter.ReasonStoreError
		err = nil
	}
	if fallback != "" {
		dec.Reason = limiter.JoinReasons(dec.Reason, fallback)
	}

	e.observe(req, dec)
	return dec, nil
}

// observe hands the pair to the dispatch goroutine without ever blocking the
// admission path; when the queue is full the observation is dropped and
// counted, not waited for.
func (e *Engine) observe(req Request, dec limiter.Decision) {
	select {
	case e.events <- observation{req: req, dec: dec}:
	default:
		if e.OnDropped != nil {
			e.OnDropped()
		}
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ob := <-e.events:
			for _, s := range e.sinks {
				s.Observe(ctx, ob.req, ob.dec)
			}
		}
	}
}
