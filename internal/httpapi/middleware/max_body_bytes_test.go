package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func TestMaxBodyBytes_RejectsOversizedContentLength(t *testing.T) {
	h := MaxBodyBytes(10)(echoHandler(t))
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(strings.Repeat("x", 20)))
	r.ContentLength = 20
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMaxBodyBytes_RejectsOversizedChunkedBody(t *testing.T) {
	h := MaxBodyBytes(10)(echoHandler(t))
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(strings.Repeat("x", 20)))
	r.ContentLength = -1 // unknown length, as with a chunked transfer
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMaxBodyBytes_AcceptsWithinLimit(t *testing.T) {
	h := MaxBodyBytes(1024)(echoHandler(t))
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"ok"}`))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"title":"ok"}`, w.Body.String())
}
