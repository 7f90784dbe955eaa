package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-hmac-secret-at-least-32-bytes-long")

func signedToken(t *testing.T, secret []byte, c jwt.Claims) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(c).Serialize()
	require.NoError(t, err)
	return token
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(userID))
	})
}

func TestAuth_ValidTokenSetsUserID(t *testing.T) {
	token := signedToken(t, testSecret, jwt.Claims{
		Subject:   "user-42",
		Expiry:    jwt.NewNumericDate(time.Now().Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", w.Body.String())
}

func TestAuth_MissingHeader(t *testing.T) {
	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_MalformedHeader(t *testing.T) {
	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.Header.Set("Authorization", "Basic somevalue")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongSigningSecret(t *testing.T) {
	token := signedToken(t, []byte("a-completely-different-secret-32b"), jwt.Claims{
		Subject: "user-42",
		Expiry:  jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ExpiredToken(t *testing.T) {
	token := signedToken(t, testSecret, jwt.Claims{
		Subject: "user-42",
		Expiry:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})

	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_MissingSubject(t *testing.T) {
	token := signedToken(t, testSecret, jwt.Claims{
		Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	h := Auth(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthQuery_ValidTokenSetsUserID(t *testing.T) {
	token := signedToken(t, testSecret, jwt.Claims{
		Subject: "user-7",
		Expiry:  jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	h := AuthQuery(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/live?token="+token, nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())
}

func TestAuthQuery_MissingToken(t *testing.T) {
	h := AuthQuery(testSecret)(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
