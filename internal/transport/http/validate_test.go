package http

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communergy/trusted-entity/internal/proof"
	"github.com/communergy/trusted-entity/internal/service/validation"
	"github.com/communergy/trusted-entity/internal/session"
	"github.com/communergy/trusted-entity/internal/token"
	"github.com/communergy/trusted-entity/pkg/httputil"
)

type testEnv struct {
	router     *gin.Engine
	key        *rsa.PrivateKey
	store      *session.MemoryStore
	proofCalls *atomic.Int64
}

// newTestEnv wires a full stack against an httptest proof service. A nil
// proofHandler gets the default success response.
func newTestEnv(t *testing.T, proofHandler nethttp.HandlerFunc) *testEnv {
	t.Helper()
	return newTestEnvWithTimeout(t, proofHandler, time.Second)
}

func newTestEnvWithTimeout(t *testing.T, proofHandler nethttp.HandlerFunc, proofTimeout time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	verifier, err := token.NewVerifier(pemBytes, "RS256")
	require.NoError(t, err)

	if proofHandler == nil {
		proofHandler = func(w nethttp.ResponseWriter, r *nethttp.Request) {
			fmt.Fprint(w, `{"proof": "zkp-e2e-proof", "cost": "42.17"}`)
		}
	}
	var calls atomic.Int64
	proofSrv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		calls.Add(1)
		proofHandler(w, r)
	}))
	t.Cleanup(proofSrv.Close)

	store := session.NewMemoryStore(24*time.Hour, 32)
	service := validation.NewService(verifier, store, proof.NewClient(proofSrv.URL, proofTimeout), 24*time.Hour)
	handler := NewValidationHandler(service)

	router := gin.New()
	router.POST("/validate", handler.PostValidate)
	router.GET("/validate", handler.GetValidate)

	return &testEnv{router: router, key: key, store: store, proofCalls: &calls}
}

func (e *testEnv) signToken(t *testing.T, userID, recordID uuid.UUID, expiresAt time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"uid": userID.String(),
		"eri": recordID.String(),
		"exp": expiresAt.Unix(),
	}).SignedString(e.key)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) postValidate(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(nethttp.MethodPost, "/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postToken(t *testing.T, tokenString string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"token": tokenString})
	require.NoError(t, err)
	return e.postValidate(t, body)
}

func (e *testEnv) getResult(t *testing.T, recordID string, cookie *nethttp.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(nethttp.MethodGet, "/validate?query="+recordID, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *nethttp.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == httputil.SessionCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", httputil.SessionCookieName)
	return nil
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestValidateFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	userID, recordID := uuid.New(), uuid.New()

	w := env.postToken(t, env.signToken(t, userID, recordID, time.Now().Add(60*time.Second)))
	require.Equal(t, nethttp.StatusSeeOther, w.Code)
	assert.Equal(t, "/validate?query="+recordID.String(), w.Header().Get("Location"))

	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	assert.NotEmpty(t, cookie.Value)

	res := env.getResult(t, recordID.String(), cookie)
	require.Equal(t, nethttp.StatusOK, res.Code)

	var payload struct {
		Proof string `json:"proof"`
		Cost  string `json:"cost"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, "zkp-e2e-proof", payload.Proof)
	assert.Equal(t, "42.17", payload.Cost)
	assert.Equal(t, int64(1), env.proofCalls.Load())
}

func TestValidateReusesSessionAcrossRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := uuid.New()
	firstRecord, secondRecord := uuid.New(), uuid.New()

	w1 := env.postToken(t, env.signToken(t, userID, firstRecord, time.Now().Add(time.Minute)))
	require.Equal(t, nethttp.StatusSeeOther, w1.Code)
	w2 := env.postToken(t, env.signToken(t, userID, secondRecord, time.Now().Add(time.Minute)))
	require.Equal(t, nethttp.StatusSeeOther, w2.Code)

	c1, c2 := sessionCookie(t, w1), sessionCookie(t, w2)
	assert.Equal(t, c1.Value, c2.Value, "repeat validations ride the same session")

	// Both results live in the shared session.
	for _, recordID := range []uuid.UUID{firstRecord, secondRecord} {
		res := env.getResult(t, recordID.String(), c1)
		assert.Equal(t, nethttp.StatusOK, res.Code)
	}
}

func TestExpiredTokenRejectedWithoutUpstreamCall(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.postToken(t, env.signToken(t, uuid.New(), uuid.New(), time.Now().Add(-time.Minute)))
	assert.Equal(t, nethttp.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
	assert.Equal(t, int64(0), env.proofCalls.Load(), "proof service must not be called for expired tokens")
}

func TestForeignSignatureRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"uid": uuid.New().String(),
		"eri": uuid.New().String(),
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(otherKey)
	require.NoError(t, err)

	w := env.postToken(t, signed)
	assert.Equal(t, nethttp.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestMissingTokenField(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.postValidate(t, []byte(`{}`))
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, w))
}

func TestRetrievalWithoutCookie(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.getResult(t, uuid.New().String(), nil)
	assert.Equal(t, nethttp.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, w))
}

func TestRetrievalWithUnknownCookie(t *testing.T) {
	env := newTestEnv(t, nil)

	cookie := &nethttp.Cookie{Name: httputil.SessionCookieName, Value: "never-issued-session-id"}
	w := env.getResult(t, uuid.New().String(), cookie)
	assert.Equal(t, nethttp.StatusUnauthorized, w.Code)
	assert.Equal(t, "SESSION_EXPIRED", errorCode(t, w))

	// The dead cookie is cleared alongside the error.
	cleared := sessionCookie(t, w)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}

func TestUpstreamTimeoutAnswersGatewayTimeout(t *testing.T) {
	env := newTestEnvWithTimeout(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		time.Sleep(300 * time.Millisecond)
	}, 20*time.Millisecond)

	w := env.postToken(t, env.signToken(t, uuid.New(), uuid.New(), time.Now().Add(time.Minute)))
	assert.Equal(t, nethttp.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", errorCode(t, w))
}

func TestRetrievalForUnvalidatedRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	userID, validated := uuid.New(), uuid.New()

	w := env.postToken(t, env.signToken(t, userID, validated, time.Now().Add(time.Minute)))
	require.Equal(t, nethttp.StatusSeeOther, w.Code)
	cookie := sessionCookie(t, w)

	other := uuid.New()
	res := env.getResult(t, other.String(), cookie)
	assert.Equal(t, nethttp.StatusNotFound, res.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, res))
}

func TestRetrievalWithMalformedQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	cookie := &nethttp.Cookie{Name: httputil.SessionCookieName, Value: "whatever"}
	w := env.getResult(t, "not-a-uuid", cookie)
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, w))
}

func TestUpstreamFailureIsSurfaced(t *testing.T) {
	env := newTestEnv(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.Error(w, "proof backend down", nethttp.StatusServiceUnavailable)
	})

	w := env.postToken(t, env.signToken(t, uuid.New(), uuid.New(), time.Now().Add(time.Minute)))
	assert.Equal(t, nethttp.StatusBadGateway, w.Code)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", errorCode(t, w))
}
