package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// Recover catches panics from downstream handlers, logs them with the stack,
// and serves a 500 if no bytes were written yet. onPanic (may be nil) runs on
// every recovered panic, e.g. to bump a counter.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if onPanic != nil {
					onPanic()
				}
				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				}
				if L != nil {
					L.Error(r.Context(), err, "panic recovered in http handler",
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
				}
				// best effort; if the handler already wrote, this is a no-op error
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
