package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &HuddleApp{log: zerolog.New(buf)}

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &HuddleApp{log: zerolog.Nop()}

	// simple handler that does not panic
	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_optionalAuth(t *testing.T) {
	key := []byte("test-signing-key")
	valid := signToken(t, key, jwt.MapClaims{userIdClaim: 7, "exp": time.Now().Add(time.Hour).Unix()})

	tcases := []struct {
		name       string
		signingKey []byte
		cookie     string
		userId     int
		found      bool
	}{
		{name: "valid token", signingKey: key, cookie: valid, userId: 7, found: true},
		{name: "no token", signingKey: key},
		{name: "invalid token", signingKey: key, cookie: "junk"},
		{name: "auth disabled", cookie: valid},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := &HuddleApp{log: zerolog.Nop(), signingKey: tc.signingKey}

			var (
				called bool
				userId int
				found  bool
			)
			next := func(w http.ResponseWriter, r *http.Request) {
				called = true
				userId, found = UserId(r.Context())
			}

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: tc.cookie})
			}
			app.optionalAuth(next)(httptest.NewRecorder(), req)

			assert.True(t, called, "expected the request to continue")
			assert.Equal(t, tc.found, found)
			assert.Equal(t, tc.userId, userId)
		})
	}
}

func Test_newApiError(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError},
		{name: "not found", err: apperr.ErrRoomNotFound, status: http.StatusNotFound},
		{name: "rate limited", err: apperr.ErrRateLimited, status: http.StatusTooManyRequests},
		{name: "validation", err: apperr.Validation("bad"), status: http.StatusBadRequest},
		{name: "transient", err: apperr.Transient(context.DeadlineExceeded), status: http.StatusServiceUnavailable},
		{name: "permanent", err: apperr.Permanent(errors.New("constraint")), status: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, newApiError(tc.err).StatusCode)
		})
	}
}
