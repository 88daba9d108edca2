package handler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msisdn-gateway/internal/auth"
	"msisdn-gateway/internal/certificate"
	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/delivery"
	"msisdn-gateway/internal/encryption"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/identity"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/repository/memory"
	"msisdn-gateway/internal/service"
	"msisdn-gateway/internal/storage"
	"msisdn-gateway/internal/verification"
)

const idSecret = "handler-test-secret"

type captureMessenger struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *captureMessenger) SendFrom(_ context.Context, route delivery.Route, _, message string) (*model.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.messages = append(c.messages, message)
	return &model.Delivery{Provider: "capture", Sender: route.Sender}, nil
}

func (c *captureMessenger) lastCode(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.messages)
	return strings.TrimPrefix(c.messages[len(c.messages)-1], "Your verification code is: ")
}

type staticHealth struct{ err error }

func (s staticHealth) Ping(context.Context) error { return s.err }

type testServer struct {
	router    http.Handler
	messenger *captureMessenger
	nonce     int
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	backend := memory.NewStore()
	t.Cleanup(func() { _ = backend.Close() })
	store := storage.NewTieredStore(backend, backend, storage.Options{CodeTTL: time.Hour})

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := certificate.NewJWTSignerFromKey(key, "msisdn.example.com")

	messenger := &captureMessenger{}
	svc := service.NewGatewayService(service.Dependencies{
		Store:     store,
		Verifier:  verification.NewVerifier(store, config.CodesConfig{ShortLength: 6, LongBytes: 32, MaxTries: 3}),
		Cipher:    encryption.NewSecretBoxCipher(),
		Messenger: messenger,
		Numbers:   delivery.NewFileNumberMap(config.MappingConfig{MtSender: "Mozilla", MoVerifierMapping: map[string]string{"208": "+33700000000"}}),
		Signer:    signer,
	}, service.Options{IDSecret: idSecret, Issuer: "msisdn.example.com", MaxCertificate: 24 * time.Hour})

	if health == nil {
		health = store
	}
	verifier := auth.NewRequestVerifier(auth.HawkOptions{})
	t.Cleanup(verifier.Close)
	authenticator := auth.NewAuthenticator(store, idSecret)

	h := NewGatewayHandler(svc, health, signer.PublicKey(), HandlerOptions{Version: "1.0.0", DisplayVersion: true})
	router := NewRouter(h, HawkMiddleware(verifier, authenticator.Lookup), RouterOptions{RetryAfter: 30 * time.Second})
	return &testServer{router: router, messenger: messenger}
}

func (s *testServer) do(t *testing.T, method, path, body string, creds *identity.Credentials) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		s.nonce++
		header, err := auth.SignRequest(creds.TokenID, creds.AuthKey, method, "http://example.com"+path,
			time.Now().Unix(), fmt.Sprintf("nonce-%d", s.nonce), "application/json", body)
		require.NoError(t, err)
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T) *identity.Credentials {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/register", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Token string `json:"msisdnSessionToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	creds, err := identity.FromSessionToken(body.Token)
	require.NoError(t, err)
	return &creds
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestRegister_SetsTimestamp(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/register", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Timestamp"))
	assert.Contains(t, rec.Body.String(), "msisdnSessionToken")
}

func TestFullVerificationFlow(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"208","shortVerificationCode":true}`, creds)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/sms/verify_code", fmt.Sprintf(`{"code":%q}`, s.messenger.lastCode(t)), creds)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"msisdn":"+33612345678"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/certificate/sign", `{"duration":3600,"publicKey":"{\"algorithm\":\"RS\",\"n\":\"123456789\",\"e\":\"65537\"}"}`, creds)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, strings.Split(body["cert"], "."), 3)

	rec = s.do(t, http.MethodPost, "/unregister", "", creds)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/unregister", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/sms/verify_code", `{"code":"123456"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Hawk", rec.Header().Get("WWW-Authenticate"))
	assert.NotEmpty(t, rec.Header().Get("Timestamp"))
	assert.Equal(t, ErrnoInvalidAuthToken, decodeError(t, rec).Errno)

	creds := s.register(t)
	req := httptest.NewRequest(http.MethodPost, "/unregister", nil)
	header, err := auth.SignRequest(creds.TokenID, creds.AuthKey, http.MethodPost, "http://example.com/unregister",
		time.Now().Add(-time.Hour).Unix(), "stale", "", "")
	require.NoError(t, err)
	req.Header.Set("Authorization", header)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "tsm=")
}

func TestStartVerification_Validation(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/sms/mt/verify", `{"mcc":"208"}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, ErrnoMissingParameters, e.Errno)
	assert.Equal(t, "Missing msisdn", e.Error)

	rec = s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"abc","mcc":"208"}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrnoInvalidMsisdn, decodeError(t, rec).Errno)

	rec = s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"20"}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrnoInvalidParameters, decodeError(t, rec).Errno)

	rec = s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"208","mnc":""}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/sms/mt/verify", `not json`, creds)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Equal(t, ErrnoBadJSON, decodeError(t, rec).Errno)
}

func TestStartVerification_OneNumberPerSession(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"208"}`, creds)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33698765432","mcc":"208"}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "You can validate only one MSISDN per session.", decodeError(t, rec).Error)
}

func TestStartVerification_ProvidersDown(t *testing.T) {
	s := newTestServer(t, nil)
	s.messenger.err = fmt.Errorf("%w after 3 attempts", errs.ErrAllProvidersFailed)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"208"}`, creds)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, ErrnoBackend, decodeError(t, rec).Errno)
}

func TestVerifyCode_Lockout(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/sms/mt/verify", `{"msisdn":"+33612345678","mcc":"208","shortVerificationCode":true}`, creds)
	require.Equal(t, http.StatusNoContent, rec.Code)
	code := s.messenger.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		rec = s.do(t, http.MethodPost, "/sms/verify_code", fmt.Sprintf(`{"code":%q}`, wrong), creds)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrnoInvalidCode, decodeError(t, rec).Errno)
	}

	rec = s.do(t, http.MethodPost, "/sms/verify_code", fmt.Sprintf(`{"code":%q}`, code), creds)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, ErrnoExpired, decodeError(t, rec).Errno)

	rec = s.do(t, http.MethodPost, "/sms/verify_code", `{}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing code", decodeError(t, rec).Error)
}

func TestSignCertificate_Validation(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodPost, "/certificate/sign", `{"duration":"3600","publicKey":"{nope"}`, creds)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = s.do(t, http.MethodPost, "/certificate/sign", `{"duration":"zero","publicKey":"{\"algorithm\":\"RS\",\"n\":\"1\",\"e\":\"3\"}"}`, creds)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Duration should be a number of seconds.", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/certificate/sign", `{"duration":60,"publicKey":"{\"algorithm\":\"RS\",\"n\":\"1\",\"e\":\"3\"}"}`, creds)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = s.do(t, http.MethodPost, "/certificate/sign", `{"publicKey":"{}"}`, creds)
	assert.Equal(t, "Missing duration", decodeError(t, rec).Error)
}

func TestDiscover(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/discover", `{"mcc":"208","msisdn":"+33612345678"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"verificationMethods": ["sms/mt", "sms/momt"],
		"verificationDetails": {
			"sms/mt": {"mtSender": "Mozilla", "url": "http://example.com/sms/mt/verify"},
			"sms/momt": {"mtSender": "Mozilla", "moVerifier": "+33700000000"}
		}
	}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/discover", `{"mcc":"2"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMobileOriginatedCallbacks(t *testing.T) {
	s := newTestServer(t, nil)
	creds := s.register(t)

	rec := s.do(t, http.MethodGet, "/sms/momt/nexmo_callback", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/sms/momt/nexmo_callback?msisdn=33612345678&text=SMS+"+creds.TokenID+"&network-code=20801", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := s.messenger.lastCode(t)
	assert.Len(t, code, 64)

	rec = s.do(t, http.MethodPost, "/sms/verify_code", fmt.Sprintf(`{"code":%q}`, code), creds)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/sms/momt/beepsend_callback?from=33612345678&message=SMS+unknown", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	rec := newTestServer(t, nil).do(t, http.MethodGet, "/__heartbeat__", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"storage":true}`, rec.Body.String())

	rec = newTestServer(t, staticHealth{err: errors.New("down")}).do(t, http.MethodGet, "/__heartbeat__", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"storage":false}`, rec.Body.String())
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestHomeAndBrowserID(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.0.0"`)
	assert.Contains(t, rec.Body.String(), `"endpoint":"http://example.com"`)

	rec = s.do(t, http.MethodGet, "/.well-known/browserid", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		PublicKey certificate.PublicKey `json:"public-key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RS", body.PublicKey.Algorithm)
	assert.Equal(t, "65537", body.PublicKey.E)

	rec = s.do(t, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		errno  int
	}{
		{fmt.Errorf("%w: get code: boom", errs.ErrTransientStorage), http.StatusServiceUnavailable, ErrnoBackend},
		{errs.ErrUnknownCredentials, http.StatusUnauthorized, ErrnoInvalidAuthToken},
		{errs.ErrCodeExpired, http.StatusGone, ErrnoExpired},
		{errs.ErrCodeInvalidExpired, http.StatusBadRequest, ErrnoInvalidCode},
		{fmt.Errorf("%w: authentication failed", errs.ErrDecode), http.StatusLengthRequired, ErrnoExpired},
		{errs.ErrNoProviders, http.StatusServiceUnavailable, ErrnoBackend},
		{errs.ErrValidationExpired, http.StatusGone, ErrnoExpired},
		{errors.New("surprise"), http.StatusInternalServerError, ErrnoUndefined},
	}
	for _, tt := range tests {
		e := classify(tt.err)
		assert.Equal(t, tt.status, e.status, tt.err.Error())
		assert.Equal(t, tt.errno, e.errno, tt.err.Error())
	}
}
