package httpmw

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/log"
)

// Identity is what the host's auth layer knows about the caller. The zero
// value is an anonymous, non-privileged caller.
type Identity struct {
	SubjectID     string
	IsAdmin       bool
	IsWhitelisted bool
}

// IdentityFunc extracts the caller identity from a request. A nil func means
// every caller is anonymous.
type IdentityFunc func(*http.Request) Identity

type deniedBody struct {
	Error           string `json:"error"`
	Message         string `json:"message,omitempty"`
	CulturalMessage string `json:"cultural_message,omitempty"`
	RetryAfter      int    `json:"retry_after_seconds"`
}

// Admission gates the wrapped routes behind the named limit policy. Allowed
// requests pass through with X-RateLimit-* headers attached; denied requests
// get a 429 with Retry-After and the policy's message. An unknown policy name
// fails closed with a 500, that is a deploy bug and must be loud.
func Admission(eng *engine.Engine, policyName string, identify IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var id Identity
			if identify != nil {
				id = identify(r)
			}

			req := engine.Request{
				SubjectID:     id.SubjectID,
				IP:            ClientIPFromContext(ctx),
				EndpointID:    endpointID(r),
				Time:          time.Now(),
				IsAdmin:       id.IsAdmin,
				IsWhitelisted: id.IsWhitelisted,
			}

			dec, err := eng.Check(ctx, req, policyName, nil)
			if err != nil {
				log.FromContext(ctx).Error(ctx, err, "admission configuration error",
					"policy", policyName)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			if !dec.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}

			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := dec.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)

			msg := dec.Message
			if msg == "" {
				msg = http.StatusText(http.StatusTooManyRequests)
			}
			_ = json.NewEncoder(w).Encode(deniedBody{
				Error:           "rate_limited",
				Message:         msg,
				CulturalMessage: dec.CulturalMessage,
				RetryAfter:      retry,
			})
		})
	}
}

// endpointID names the endpoint class for ENDPOINT and COMPOSITE scoped
// policies. Prefers the chi route pattern so /api/items/1 and /api/items/2
// count against the same quota.
func endpointID(r *http.Request) string {
	pat := ""
	if rc := chi.RouteContext(r.Context()); rc != nil {
		pat = rc.RoutePattern()
	}
	if pat == "" {
		pat = r.URL.Path
	}
	return r.Method + " " + pat
}
