package httpcache

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/observe"
)

// Authenticate returns middleware that stores the identity produced by a
// in the request context. Requests carrying no credentials a applies to pass
// through anonymously. Rejected credentials get 401, authenticator faults 500.
func Authenticate(a auth.Authenticator, logger observe.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observe.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || !a.Applies(r.Header) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			id, err := a.Authenticate(ctx, r.Header)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
			case errors.Is(err, auth.ErrUnauthenticated):
				logger.Info(ctx, "authentication failed",
					observe.Field{Key: "authenticator", Value: a.Name()},
					observe.Field{Key: "path", Value: r.URL.Path},
					observe.Field{Key: "error", Value: err.Error()})
				w.Header().Set("WWW-Authenticate", `Bearer realm="pagecache"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			default:
				logger.Error(ctx, "authentication error",
					observe.Field{Key: "authenticator", Value: a.Name()},
					observe.Field{Key: "error", Value: err.Error()})
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

// maxRequestIDLen bounds client supplied correlation ids.
const maxRequestIDLen = 128

// Correlate is middleware that carries a correlation id through the
// request context and echoes it in the X-Request-ID response header. A
// well formed incoming X-Request-ID is reused, otherwise one is generated.
func Correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(HeaderRequestID); validRequestID(id) {
			ctx = observe.WithCorrelationID(ctx, id)
		}
		ctx, id := observe.EnsureCorrelationID(ctx)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool {
		return c > unicode.MaxASCII || !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_' || c == '.')
	}) < 0
}
