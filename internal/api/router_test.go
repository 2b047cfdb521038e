package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"enxero/internal/auth"
	"enxero/internal/captcha"
	"enxero/internal/config"
	"enxero/internal/db"
	"enxero/internal/ephemeral"
	"enxero/internal/guard"
	"enxero/internal/identifier"
	"enxero/internal/notify"
	"enxero/internal/service"
	"enxero/internal/store"
	"enxero/internal/token"
	"enxero/internal/util"
)

type memorySender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *memorySender) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memorySender) Configured() bool { return true }

type stubCaptcha struct{ err error }

func (s stubCaptcha) Verify(context.Context, string, string) error { return s.err }
func (stubCaptcha) Enabled() bool                                  { return true }

type testServer struct {
	h      http.Handler
	sender *memorySender
	steps  map[string]int64
}

func newTestServer(t *testing.T, verifier captcha.Verifier) *testServer {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "sqlite", "001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	st := store.New(sqdb, "sqlite")

	cfg := config.Config{
		AppEnv:           "development",
		TOTPIssuer:       "Enxero",
		TOTPSkew:         1,
		UsernameScope:    config.UsernameScopeTenant,
		RegistrationTTL:  time.Hour,
		LoginSessionTTL:  5 * time.Minute,
		OTPMaxAttempts:   3,
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		LockoutDuration:  15 * time.Minute,
		StoreTimeout:     5 * time.Second,
		NotifySender:     "log",
	}
	issuer, err := token.NewIssuer(token.Config{
		Secret:     []byte("api-test-signing-secret-0123456789abc"),
		Issuer:     "test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		SessionTTL: 24 * time.Hour,
	}, st)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	box, err := util.NewSecretBox("api-test-totp-encryption-key")
	if err != nil {
		t.Fatalf("secret box: %v", err)
	}
	sender := &memorySender{}
	svc := service.New(cfg, service.Deps{
		Store:     st,
		Ephemeral: ephemeral.NewSQLStore(st, nil),
		Guard:     guard.New(st, guard.Config{Threshold: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute, Retention: time.Hour}),
		Tokens:    issuer,
		Notify:    notify.NewDispatcher(sender, time.Second),
		IDs:       identifier.New(nil),
		Box:       box,
	})
	if verifier == nil {
		verifier = captcha.NoopVerifier{}
	}
	return &testServer{h: newRouter(cfg, svc, issuer, verifier), sender: sender, steps: map[string]int64{}}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func str(t *testing.T, m map[string]any, path ...string) string {
	t.Helper()
	var cur any = m
	for _, k := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("no object at %v in %v", path, m)
		}
		cur = obj[k]
	}
	s, _ := cur.(string)
	return s
}

// totpCode returns a code for the current time step, or the next one when
// the current step was already handed out for secret. Accepted steps cannot
// be reused and the server allows one step of skew.
func (s *testServer) totpCode(t *testing.T, secret string) string {
	t.Helper()
	step := time.Now().Unix() / 30
	if last, ok := s.steps[secret]; ok && step <= last {
		step = last + 1
	}
	s.steps[secret] = step
	code, err := auth.TOTP{}.Code(secret, time.Unix(step*30, 0))
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

var step1Body = map[string]any{
	"companyName":      "Acme Ltd",
	"companyShortName": "Acme",
	"countryCode":      "us",
	"phoneNumber":      "+1 (555) 123-4567",
	"ownerEmail":       "Owner@Acme.com",
	"ownerFirstName":   "Ann",
	"ownerLastName":    "Owner",
}

func TestSteppedRegistrationThenStepLogin(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "POST", "/api/v1/auth/register/step1", "", step1Body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("step1 status=%d body=%s", rec.Code, rec.Body.String())
	}
	id := str(t, out, "companyIdentifier")
	if !regexp.MustCompile(`^US-[A-Z0-9]{7}$`).MatchString(id) {
		t.Fatalf("unexpected identifier %q", id)
	}
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("missing response headers: %v", rec.Header())
	}
	sessionToken := str(t, out, "sessionToken")

	rec, out = s.do(t, "POST", "/api/v1/auth/register/step2", "", map[string]any{
		"sessionToken": sessionToken, "username": "ann", "password": "Secur3!pass", "confirmPassword": "Secur3!pass",
	})
	if rec.Code != http.StatusOK || out["step"] != float64(2) {
		t.Fatalf("step2 status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/register/step3/setup", "", map[string]any{"sessionToken": sessionToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("step3 setup status=%d body=%s", rec.Code, rec.Body.String())
	}
	secret := str(t, out, "secret")
	if !strings.HasPrefix(str(t, out, "otpauthUri"), "otpauth://totp/") {
		t.Fatalf("unexpected uri: %v", out)
	}

	finalCode := s.totpCode(t, secret)
	rec, out = s.do(t, "POST", "/api/v1/auth/register/step3", "", map[string]any{
		"sessionToken": sessionToken, "code": finalCode,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("step3 status=%d body=%s", rec.Code, rec.Body.String())
	}
	if codes, _ := out["backupCodes"].([]any); len(codes) != 10 {
		t.Fatalf("expected 10 backup codes, got %v", out["backupCodes"])
	}
	if str(t, out, "company", "identifier") != id {
		t.Fatalf("company identifier changed: %v", out["company"])
	}
	if got := len(s.sender.msgs); got != 3 {
		t.Fatalf("expected identifier, credentials and welcome emails, got %d", got)
	}

	rec, _ = s.do(t, "POST", "/api/v1/auth/register/step3", "", map[string]any{
		"sessionToken": sessionToken, "code": finalCode,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed finalize status=%d", rec.Code)
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/ui/login/step1/company", "", map[string]any{"companyIdentifier": strings.ToLower(id)})
	if rec.Code != http.StatusOK {
		t.Fatalf("login step1 status=%d body=%s", rec.Code, rec.Body.String())
	}
	companyID := str(t, out, "companyId")

	rec, _ = s.do(t, "POST", "/api/v1/auth/ui/login/step2/username", "", map[string]any{"companyId": companyID, "username": "ann"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login step2 status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/ui/login/step3/password", "", map[string]any{
		"companyId": companyID, "username": "ann", "password": "Secur3!pass",
	})
	if rec.Code != http.StatusOK || out["requiresTotp"] != true {
		t.Fatalf("login step3 status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/ui/login/step4/totp", "", map[string]any{
		"verificationToken": str(t, out, "verificationToken"), "code": s.totpCode(t, secret),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login step4 status=%d body=%s", rec.Code, rec.Body.String())
	}
	access := str(t, out, "tokens", "accessToken")
	refresh := str(t, out, "tokens", "refreshToken")
	if access == "" || refresh == "" {
		t.Fatalf("missing tokens: %v", out["tokens"])
	}

	rec, out = s.do(t, "GET", "/api/v1/auth/me", access, nil)
	if rec.Code != http.StatusOK || str(t, out, "user", "email") != "owner@acme.com" || str(t, out, "role") != "Administrator" {
		t.Fatalf("me status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "GET", "/api/v1/auth/2fa/status", access, nil)
	if rec.Code != http.StatusOK || out["enabled"] != true {
		t.Fatalf("2fa status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = s.do(t, "POST", "/api/v1/auth/logout", "", map[string]any{"refreshToken": refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status=%d", rec.Code)
	}
	rec, out = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]any{"refreshToken": refresh})
	if rec.Code != http.StatusUnauthorized || out["code"] != "invalid_refresh_token" {
		t.Fatalf("refresh after logout status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRegistrationAcceptsCamelCaseContract(t *testing.T) {
	s := newTestServer(t, nil)

	raw := `{"companyName":"Acme","countryCode":"US","phoneNumber":"+15551234567","ownerEmail":"a@acme.com","ownerFirstName":"A","ownerLastName":"B"}`
	req := httptest.NewRequest("POST", "/api/v1/auth/register/step1", strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("step1 status=%d body=%s", rec.Code, rec.Body.String())
	}
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode step1: %v", err)
	}
	if !regexp.MustCompile(`^US-[A-Z0-9]{7}$`).MatchString(str(t, out, "companyIdentifier")) {
		t.Fatalf("unexpected identifier: %v", out)
	}
	sessionToken := str(t, out, "sessionToken")
	if sessionToken == "" {
		t.Fatalf("missing sessionToken: %v", out)
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/register/step2", "", map[string]any{
		"sessionToken": sessionToken, "username": "abob", "password": "Secur3!pass", "confirmPassword": "Secur3!pass",
	})
	if rec.Code != http.StatusOK || out["step"] != float64(2) {
		t.Fatalf("step2 status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Finalizing before the secret was issued is refused at step 3.
	rec, out = s.do(t, "POST", "/api/v1/auth/register/step3", "", map[string]any{"sessionToken": sessionToken, "code": "123456"})
	if rec.Code != http.StatusBadRequest || out["code"] != "totp_setup_required" || out["step"] != float64(3) {
		t.Fatalf("step3 without setup status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/register/step3/setup", "", map[string]any{"sessionToken": sessionToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("step3 setup status=%d body=%s", rec.Code, rec.Body.String())
	}
	secret := str(t, out, "secret")

	rec, out = s.do(t, "POST", "/api/v1/auth/register/step3", "", map[string]any{"sessionToken": sessionToken, "code": s.totpCode(t, secret)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("step3 status=%d body=%s", rec.Code, rec.Body.String())
	}
	if str(t, out, "user", "username") != "abob" || str(t, out, "user", "email") != "a@acme.com" {
		t.Fatalf("unexpected user: %v", out["user"])
	}
	if codes, _ := out["backupCodes"].([]any); len(codes) != 10 {
		t.Fatalf("expected 10 backup codes, got %v", out["backupCodes"])
	}
}

func TestErrorResponsesCarryStepAndField(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "POST", "/api/v1/auth/register/step2", "", map[string]any{
		"sessionToken": "missing", "username": "ann", "password": "Secur3!pass", "confirmPassword": "Secur3!pass",
	})
	if rec.Code != http.StatusUnauthorized || out["code"] != "invalid_session" || out["step"] != float64(1) {
		t.Fatalf("unknown session status=%d body=%s", rec.Code, rec.Body.String())
	}
	if str(t, out, "requestId") == "" {
		t.Fatalf("error without request id: %v", out)
	}

	bad := map[string]any{}
	for k, v := range step1Body {
		bad[k] = v
	}
	bad["countryCode"] = "USA"
	rec, out = s.do(t, "POST", "/api/v1/auth/register/step1", "", bad)
	if rec.Code != http.StatusBadRequest || out["code"] != "invalid_country_code" || out["field"] != "countryCode" {
		t.Fatalf("bad country status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = s.do(t, "POST", "/api/v1/auth/register/step1", "", step1Body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("step1 status=%d", rec.Code)
	}
	rec, out = s.do(t, "GET", "/api/v1/auth/register/status/owner@acme.com", "", nil)
	if rec.Code != http.StatusOK || out["status"] != service.StatusInProgress {
		t.Fatalf("status lookup status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/ui/login/step1/company", "", map[string]any{"companyIdentifier": "US-ZZZZZZZ"})
	if rec.Code != http.StatusNotFound || out["code"] != "company_not_found" {
		t.Fatalf("unknown company status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = s.do(t, "GET", "/api/v1/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized || out["code"] != "unauthorized" {
		t.Fatalf("anonymous me status=%d body=%s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest("POST", "/api/v1/auth/register/step1", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status=%d", w.Code)
	}
}

func TestSinglePageThenForcedEnrolmentOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	body := map[string]any{"username": "sam", "password": "simple", "confirmPassword": "simple"}
	for k, v := range step1Body {
		body[k] = v
	}
	rec, out := s.do(t, "POST", "/api/v1/auth/register/single-page", "", body)
	if rec.Code != http.StatusCreated || str(t, out, "user", "username") != "sam" {
		t.Fatalf("single page status=%d body=%s", rec.Code, rec.Body.String())
	}
	id := str(t, out, "company", "identifier")

	rec, out = s.do(t, "POST", "/api/v1/auth/ui/login/step3/password", "", map[string]any{
		"companyIdentifier": id, "username": "sam", "password": "simple",
	})
	if rec.Code != http.StatusUnauthorized || out["code"] != "two_factor_not_configured" {
		t.Fatalf("password step status=%d body=%s", rec.Code, rec.Body.String())
	}
	details, _ := out["details"].(map[string]any)
	setupToken, _ := details["setupToken"].(string)
	if setupToken == "" {
		t.Fatalf("missing setup token: %v", out)
	}

	rec, out = s.do(t, "POST", "/api/v1/auth/2fa/force-setup", "", map[string]any{"setupToken": setupToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("force setup status=%d body=%s", rec.Code, rec.Body.String())
	}
	secret := str(t, out, "secret")

	rec, out = s.do(t, "POST", "/api/v1/auth/2fa/enable", "", map[string]any{
		"setupToken": setupToken, "code": s.totpCode(t, secret),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status=%d body=%s", rec.Code, rec.Body.String())
	}
	if str(t, out, "login", "tokens", "accessToken") == "" {
		t.Fatalf("enable via setup token should sign in: %v", out)
	}
}

func TestCaptchaGatesRegistration(t *testing.T) {
	s := newTestServer(t, stubCaptcha{err: captcha.ErrCaptchaRequired})
	rec, out := s.do(t, "POST", "/api/v1/auth/register/step1", "", step1Body)
	if rec.Code != http.StatusBadRequest || out["code"] != "captcha_required" {
		t.Fatalf("captcha rejection status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(s.sender.msgs) != 0 {
		t.Fatalf("rejected request sent email")
	}

	s = newTestServer(t, stubCaptcha{err: errors.Join(captcha.ErrCaptchaUnavailable, errors.New("timeout"))})
	rec, out = s.do(t, "POST", "/api/v1/auth/register/step1", "", step1Body)
	if rec.Code != http.StatusServiceUnavailable || out["code"] != "captcha_unavailable" {
		t.Fatalf("captcha outage status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	rec, out := s.do(t, "GET", "/health/live", "", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("live status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec, out = s.do(t, "GET", "/health/ready", "", nil)
	if rec.Code != http.StatusOK || out["status"] != "ready" {
		t.Fatalf("ready status=%d body=%s", rec.Code, rec.Body.String())
	}
}
