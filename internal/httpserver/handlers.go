package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotagate/internal/httpmw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginHandler is the credential endpoint the login policy protects. Failed
// attempts are reported to the detector so brute forcing raises an alert even
// while individual attempts are still under quota.
func loginHandler(opts *Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}

		ok := opts.Authenticate != nil && opts.Authenticate(req.Username, req.Password)
		if !ok {
			if opts.AuthFailures != nil {
				opts.AuthFailures.RecordAuthFailure(r.Context(), req.Username, httpmw.ClientIPFromContext(r.Context()))
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"user":   req.Username,
		})
	}
}

// The /api handlers exist to exercise the admission path; they serve canned
// data, not a real backend.

func listItemsHandler() http.HandlerFunc {
	items := []map[string]any{
		{"id": "1", "name": "alpha"},
		{"id": "2", "name": "beta"},
		{"id": "3", "name": "gamma"},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func getItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": "item-" + id})
	}
}

func echoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read failed"})
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if len(body) == 0 {
			_, _ = w.Write([]byte("{}"))
			return
		}
		_, _ = w.Write(body)
	}
}

func webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// drain and discard, delivery acceptance is all this endpoint does
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// DefaultIdentify reads caller identity from headers set by the edge auth
// layer. X-Api-User carries the authenticated subject id; absent means
// anonymous. Admin and whitelist classification comes from the resolver's
// config, not from headers a client could forge.
func DefaultIdentify(r *http.Request) httpmw.Identity {
	return httpmw.Identity{SubjectID: r.Header.Get("X-Api-User")}
}
