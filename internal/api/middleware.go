package api

import (
	"fmt"
	"net/http"
)

func (s *HuddleApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// optionalAuth attaches the token's user id to the request when a valid
// token is present. Requests without one continue anonymously.
func (s *HuddleApp) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.signingKey) == 0 {
			next(w, r)
			return
		}

		userId, err := extractUserIdFromToken(r, s.signingKey)
		if err != nil {
			if _, cookieErr := r.Cookie(tokenCookieKey); cookieErr == nil {
				s.log.Debug().Err(err).Msg("ignoring invalid token")
			}
			next(w, r)
			return
		}

		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}
