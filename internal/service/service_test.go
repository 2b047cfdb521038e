package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"enxero/internal/config"
	"enxero/internal/db"
	"enxero/internal/ephemeral"
	"enxero/internal/guard"
	"enxero/internal/identifier"
	"enxero/internal/models"
	"enxero/internal/notify"
	"enxero/internal/store"
	"enxero/internal/token"
	"enxero/internal/util"
)

const testPassword = "Secur3!pass"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu         sync.Mutex
	configured bool
	fail       error
	msgs       []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) Configured() bool { return r.configured }

func (r *recordingSender) last() notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return notify.Message{}
	}
	return r.msgs[len(r.msgs)-1]
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type harness struct {
	svc    *Service
	st     *store.Store
	clk    *testClock
	sender *recordingSender
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "service.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "sqlite", "001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	st := store.New(sqdb, "sqlite")

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{
		AppEnv:           "development",
		TOTPIssuer:       "Enxero",
		TOTPSkew:         2,
		UsernameScope:    config.UsernameScopeTenant,
		RegistrationTTL:  24 * time.Hour,
		LoginSessionTTL:  5 * time.Minute,
		OTPMaxAttempts:   3,
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		LockoutDuration:  15 * time.Minute,
		StoreTimeout:     5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	clk := &testClock{t: time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)}
	sender := &recordingSender{}
	issuer, err := token.NewIssuer(token.Config{
		Secret:     []byte("service-test-signing-secret-0123456789"),
		Issuer:     "test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		SessionTTL: 24 * time.Hour,
		Now:        clk.Now,
	}, st)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	box, err := util.NewSecretBox("service-test-totp-encryption-key")
	if err != nil {
		t.Fatalf("secret box: %v", err)
	}
	svc := New(cfg, Deps{
		Store:     st,
		Ephemeral: ephemeral.NewRedisStore(rdb, "test", clk.Now),
		Guard: guard.New(st, guard.Config{
			Threshold: cfg.LockoutThreshold,
			Window:    cfg.LockoutWindow,
			Duration:  cfg.LockoutDuration,
			Retention: 24 * time.Hour,
			Now:       clk.Now,
		}),
		Tokens: issuer,
		Notify: notify.NewDispatcher(sender, time.Second),
		IDs:    identifier.New(rand.New(rand.NewPCG(7, 11))),
		Box:    box,
		Now:    clk.Now,
	})
	return &harness{svc: svc, st: st, clk: clk, sender: sender}
}

type signup struct {
	email, company, phone, username string
}

func (h *harness) begin(t *testing.T, s signup) RegistrationStarted {
	t.Helper()
	out, err := h.svc.BeginRegistration(context.Background(),
		CompanyInput{Name: s.company, CountryCode: "us", Phone: s.phone, ShortName: s.company},
		OwnerInput{Email: s.email, FirstName: "Ann", LastName: "Owner"},
		Client{IP: "203.0.113.9"},
	)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	return out
}

// register runs the stepped flow to completion and returns the result and
// the plain TOTP secret.
func (h *harness) register(t *testing.T, s signup) (RegistrationResult, string) {
	t.Helper()
	ctx := context.Background()
	started := h.begin(t, s)
	if _, err := h.svc.SubmitCredentials(ctx, CredentialsInput{
		SessionToken: started.SessionToken, Username: s.username, Password: testPassword, ConfirmPassword: testPassword,
	}); err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	setup, err := h.svc.SetupRegistrationTOTP(ctx, started.SessionToken)
	if err != nil {
		t.Fatalf("totp setup: %v", err)
	}
	res, err := h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: h.code(t, setup.Secret)}, Client{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return res, setup.Secret
}

// code moves the clock to the next time step first; an accepted step cannot
// be used again.
func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	h.clk.Advance(30 * time.Second)
	code, err := h.svc.totp.Code(secret, h.clk.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

// registerSinglePage creates an owner without two-factor authentication.
func (h *harness) registerSinglePage(t *testing.T, s signup) RegistrationResult {
	t.Helper()
	res, err := h.svc.RegisterSinglePage(context.Background(), SinglePageInput{
		Company:         CompanyInput{Name: s.company, CountryCode: "US", Phone: s.phone},
		Owner:           OwnerInput{Email: s.email, FirstName: "Sam", LastName: "Single"},
		Username:        s.username,
		Password:        "simple",
		ConfirmPassword: "simple",
	}, Client{})
	if err != nil {
		t.Fatalf("single page registration: %v", err)
	}
	return res
}

func wantCode(t *testing.T, err error, kind error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected kind %v, got %v", kind, err)
	}
	se := AsError(err)
	if se.Code != code {
		t.Fatalf("expected code %q, got %q (%v)", code, se.Code, err)
	}
	return se
}

var acme = signup{email: "a@acme.com", company: "Acme", phone: "+15551234567", username: "abob"}
var beta = signup{email: "owner@beta.io", company: "Beta Works", phone: "+15559876543", username: "beta"}

func TestSteppedRegistrationCreatesAccountOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	started := h.begin(t, acme)
	if !regexp.MustCompile(`^US-[A-Z0-9]{7}$`).MatchString(started.Identifier) {
		t.Fatalf("identifier %q does not match pattern", started.Identifier)
	}
	if started.Step != 1 || !started.ExpiresAt.Equal(h.clk.Now().Add(24*time.Hour)) {
		t.Fatalf("unexpected start: %+v", started)
	}
	status, err := h.svc.RegistrationStatus(ctx, acme.email)
	if err != nil || status.Status != StatusInProgress || status.Step != 1 {
		t.Fatalf("status after step 1: %+v err=%v", status, err)
	}

	creds, err := h.svc.SubmitCredentials(ctx, CredentialsInput{
		SessionToken: started.SessionToken, Username: acme.username, Password: testPassword, ConfirmPassword: testPassword,
	})
	if err != nil || creds.Step != 2 || creds.Username != acme.username {
		t.Fatalf("credentials: %+v err=%v", creds, err)
	}
	setup, err := h.svc.SetupRegistrationTOTP(ctx, started.SessionToken)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	again, err := h.svc.SetupRegistrationTOTP(ctx, started.SessionToken)
	if err != nil || again.Secret != setup.Secret {
		t.Fatalf("repeated setup should return the same secret: %v", err)
	}

	res, err := h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: h.code(t, setup.Secret)}, Client{IP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Company.Identifier != started.Identifier || res.User.Username != acme.username || !res.User.TwoFactorEnabled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(res.BackupCodes))
	}
	for _, bc := range res.BackupCodes {
		if bc.Used {
			t.Fatalf("new backup code marked used")
		}
	}

	company, err := h.st.GetCompanyByIdentifier(ctx, started.Identifier)
	if err != nil {
		t.Fatalf("company not persisted: %v", err)
	}
	u, err := h.st.GetCompanyUser(ctx, company.ID, acme.username)
	if err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	role, err := h.st.GetRoleByID(ctx, u.RoleID)
	if err != nil || role.CompanyID == nil || *role.CompanyID != company.ID {
		t.Fatalf("role not company scoped: %+v err=%v", role, err)
	}
	if len(role.Permissions) != len(AdminPermissions) {
		t.Fatalf("role permissions = %v", role.Permissions)
	}
	if u.TOTPSecret == nil || *u.TOTPSecret == setup.Secret {
		t.Fatalf("totp secret must be stored sealed")
	}
	if n, _ := h.st.CountUnusedBackupCodes(ctx, u.ID); n != 10 {
		t.Fatalf("stored backup codes = %d", n)
	}

	_, err = h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: h.code(t, setup.Secret)}, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_session")

	status, err = h.svc.RegistrationStatus(ctx, acme.email)
	if err != nil || status.Status != StatusRegistered {
		t.Fatalf("status after finalize: %+v err=%v", status, err)
	}
	// identifier, credentials and welcome emails
	if h.sender.count() != 3 {
		t.Fatalf("expected 3 emails, got %d", h.sender.count())
	}
}

func TestSubmitCredentialsStepAndExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	started := h.begin(t, acme)
	in := CredentialsInput{SessionToken: started.SessionToken, Username: acme.username, Password: testPassword, ConfirmPassword: testPassword}
	if _, err := h.svc.SubmitCredentials(ctx, in); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := h.svc.SubmitCredentials(ctx, in)
	se := wantCode(t, err, ErrValidation, "invalid_step")
	if se.Step != 2 {
		t.Fatalf("expected current step 2, got %d", se.Step)
	}

	other := h.begin(t, beta)
	h.clk.Advance(24*time.Hour + time.Second)
	_, err = h.svc.SubmitCredentials(ctx, CredentialsInput{
		SessionToken: other.SessionToken, Username: beta.username, Password: testPassword, ConfirmPassword: testPassword,
	})
	wantCode(t, err, ErrUnauthorized, "invalid_session")
}

func TestSubmitCredentialsValidation(t *testing.T) {
	h := newHarness(t, nil)
	started := h.begin(t, acme)
	cases := []struct {
		name string
		in   CredentialsInput
		code string
	}{
		{"mismatch", CredentialsInput{Username: "abob", Password: testPassword, ConfirmPassword: "Secur3!pasS"}, "password_mismatch"},
		{"weak", CredentialsInput{Username: "abob", Password: "password", ConfirmPassword: "password"}, "weak_password"},
		{"short single page strength", CredentialsInput{Username: "abob", Password: "Ab1!x", ConfirmPassword: "Ab1!x"}, "weak_password"},
		{"username", CredentialsInput{Username: "a b", Password: testPassword, ConfirmPassword: testPassword}, "invalid_username"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.SessionToken = started.SessionToken
			_, err := h.svc.SubmitCredentials(context.Background(), tc.in)
			wantCode(t, err, ErrValidation, tc.code)
		})
	}
}

func TestFinalizeRequiresSetupAndValidCode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	started := h.begin(t, acme)
	if _, err := h.svc.SubmitCredentials(ctx, CredentialsInput{
		SessionToken: started.SessionToken, Username: acme.username, Password: testPassword, ConfirmPassword: testPassword,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: "123456"}, Client{})
	wantCode(t, err, ErrValidation, "totp_setup_required")

	setup, err := h.svc.SetupRegistrationTOTP(ctx, started.SessionToken)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	good := h.code(t, setup.Secret)
	bad := "000000"
	if bad == good {
		bad = "111111"
	}
	_, err = h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: bad}, Client{})
	se := wantCode(t, err, ErrValidation, "invalid_totp_code")
	if se.Step != 3 {
		t.Fatalf("expected step 3, got %d", se.Step)
	}

	supplied := []string{"AAAA-1111", "BBBB-2222"}
	res, err := h.svc.FinalizeRegistration(ctx, FinalizeInput{SessionToken: started.SessionToken, Code: good, BackupCodes: supplied}, Client{})
	if err != nil {
		t.Fatalf("finalize after bad code: %v", err)
	}
	if len(res.BackupCodes) != 2 || res.BackupCodes[0].Code != "AAAA-1111" {
		t.Fatalf("supplied backup codes not used: %+v", res.BackupCodes)
	}
}

func TestBeginRegistrationRejectsTakenAndMalformed(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, acme)
	ctx := context.Background()

	cases := []struct {
		name    string
		company CompanyInput
		owner   OwnerInput
		kind    error
		code    string
		field   string
	}{
		{"email", CompanyInput{Name: "Other", CountryCode: "US", Phone: "+15550000009"}, OwnerInput{Email: "A@Acme.com", FirstName: "x", LastName: "y"}, ErrConflict, "already_exists", "ownerEmail"},
		{"company name", CompanyInput{Name: "acme", CountryCode: "US", Phone: "+15550000009"}, OwnerInput{Email: "n@new.io", FirstName: "x", LastName: "y"}, ErrConflict, "already_exists", "companyName"},
		{"phone", CompanyInput{Name: "Other", CountryCode: "US", Phone: "+1 555 123 4567"}, OwnerInput{Email: "n@new.io", FirstName: "x", LastName: "y"}, ErrConflict, "already_exists", "phoneNumber"},
		{"country", CompanyInput{Name: "Other", CountryCode: "USA", Phone: "+15550000009"}, OwnerInput{Email: "n@new.io", FirstName: "x", LastName: "y"}, ErrValidation, "invalid_country_code", "countryCode"},
		{"phone format", CompanyInput{Name: "Other", CountryCode: "US", Phone: "5550000009"}, OwnerInput{Email: "n@new.io", FirstName: "x", LastName: "y"}, ErrValidation, "invalid_phone", "phoneNumber"},
		{"email format", CompanyInput{Name: "Other", CountryCode: "US", Phone: "+15550000009"}, OwnerInput{Email: "not-an-email", FirstName: "x", LastName: "y"}, ErrValidation, "invalid_email", "ownerEmail"},
		{"name", CompanyInput{Name: "A", CountryCode: "US", Phone: "+15550000009"}, OwnerInput{Email: "n@new.io", FirstName: "x", LastName: "y"}, ErrValidation, "invalid_company_name", "companyName"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.BeginRegistration(ctx, tc.company, tc.owner, Client{})
			se := wantCode(t, err, tc.kind, tc.code)
			if se.Field != tc.field || se.Step != 1 {
				t.Fatalf("field=%q step=%d", se.Field, se.Step)
			}
		})
	}
}

func TestBeginRegistrationDispatchFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail = errors.New("smtp down")
	_, err := h.svc.BeginRegistration(context.Background(),
		CompanyInput{Name: "Acme", CountryCode: "US", Phone: "+15551234567"},
		OwnerInput{Email: "a@acme.com", FirstName: "A", LastName: "B"}, Client{})
	wantCode(t, err, ErrUnavailable, "email_dispatch_failed")

	status, err := h.svc.RegistrationStatus(context.Background(), "a@acme.com")
	if err != nil || status.Status != StatusNotFound {
		t.Fatalf("status: %+v err=%v", status, err)
	}
}

func TestRestartedRegistrationReplacesEarlierSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.begin(t, acme)
	second := h.begin(t, acme)

	_, err := h.svc.SubmitCredentials(ctx, CredentialsInput{
		SessionToken: first.SessionToken, Username: acme.username, Password: testPassword, ConfirmPassword: testPassword,
	})
	wantCode(t, err, ErrUnauthorized, "invalid_session")

	res, err := h.svc.ResendRegistrationEmail(ctx, "", acme.email)
	if err != nil || res.Identifier != second.Identifier {
		t.Fatalf("resend: %+v err=%v", res, err)
	}
	_, err = h.svc.ResendRegistrationEmail(ctx, "", "nobody@nowhere.io")
	wantCode(t, err, ErrNotFound, "registration_not_found")
}

func TestSinglePageRegistrationAndForcedEnrolment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.RegisterSinglePage(ctx, SinglePageInput{
		Company:  CompanyInput{Name: "Tiny", CountryCode: "GB", Phone: "+447700900123"},
		Owner:    OwnerInput{Email: "t@tiny.co.uk", FirstName: "T", LastName: "Y"},
		Username: "tiny", Password: "five5", ConfirmPassword: "five5",
	}, Client{})
	wantCode(t, err, ErrValidation, "weak_password")

	res := h.registerSinglePage(t, beta)
	if res.User.TwoFactorEnabled || !res.User.TwoFactorSetupRequired || len(res.BackupCodes) != 0 {
		t.Fatalf("single page owner should be pending enrolment: %+v", res.User)
	}

	_, err = h.svc.RegisterSinglePage(ctx, SinglePageInput{
		Company:  CompanyInput{Name: "Beta Two", CountryCode: "US", Phone: "+15550001111"},
		Owner:    OwnerInput{Email: beta.email, FirstName: "B", LastName: "T"},
		Username: "beta2", Password: "simple", ConfirmPassword: "simple",
	}, Client{})
	wantCode(t, err, ErrConflict, "already_exists")

	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.username, Password: "simple"}
	_, err = h.svc.CheckPassword(ctx, in, Client{})
	se := wantCode(t, err, ErrUnauthorized, "two_factor_not_configured")
	setupToken, _ := se.Details["setupToken"].(string)
	if setupToken == "" || se.Step != 3 {
		t.Fatalf("expected setup token at step 3: %+v", se)
	}

	setup, err := h.svc.ForceSetup(ctx, setupToken)
	if err != nil {
		t.Fatalf("force setup: %v", err)
	}
	enabled, err := h.svc.EnableTwoFactor(ctx, "", setupToken, h.code(t, setup.Secret), Client{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(enabled.BackupCodes) != 10 || enabled.Login == nil || enabled.Login.Tokens.AccessToken == "" {
		t.Fatalf("enable via setup token should sign in: %+v", enabled)
	}

	pr, err := h.svc.CheckPassword(ctx, in, Client{})
	if err != nil || !pr.RequiresTOTP || pr.NextStep != 4 {
		t.Fatalf("after enrolment: %+v err=%v", pr, err)
	}
}

func TestUserLookupIsTenantScoped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, _ := h.register(t, signup{email: "alice@a.io", company: "Alpha", phone: "+15550000001", username: "alice"})
	b, _ := h.register(t, signup{email: "bob@b.io", company: "Bravo", phone: "+15550000002", username: "bob"})

	if _, err := h.svc.LookupUser(ctx, CompanyRef{Identifier: a.Company.Identifier}, "alice"); err != nil {
		t.Fatalf("alice in own company: %v", err)
	}
	if _, err := h.svc.LookupUser(ctx, CompanyRef{CompanyID: a.Company.ID}, "ALICE@a.io"); err != nil {
		t.Fatalf("alice by email in own company: %v", err)
	}
	_, err := h.svc.LookupUser(ctx, CompanyRef{Identifier: b.Company.Identifier}, "alice")
	wantCode(t, err, ErrNotFound, "user_not_found")

	_, err = h.svc.CheckPassword(ctx, PasswordInput{Company: CompanyRef{Identifier: b.Company.Identifier}, Login: "alice", Password: testPassword}, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_credentials")

	got, err := h.svc.LookupCompany(ctx, a.Company.Identifier)
	if err != nil || got.CompanyID != a.Company.ID {
		t.Fatalf("lookup company: %+v err=%v", got, err)
	}
	_, err = h.svc.LookupCompany(ctx, "nope")
	wantCode(t, err, ErrValidation, "invalid_identifier")
	_, err = h.svc.LookupCompany(ctx, "ZZ-A00A00A")
	wantCode(t, err, ErrNotFound, "company_not_found")
}

func TestStepLoginWithTOTPAndBackupCode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, secret := h.register(t, acme)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: acme.username, Password: testPassword}

	pr, err := h.svc.CheckPassword(ctx, in, Client{})
	if err != nil || !pr.RequiresTOTP {
		t.Fatalf("password step: %+v err=%v", pr, err)
	}
	login, err := h.svc.VerifyTOTPStep(ctx, pr.VerificationToken, h.code(t, secret), Client{IP: "198.51.100.1"})
	if err != nil {
		t.Fatalf("totp step: %v", err)
	}
	if login.Tokens.AccessToken == "" || login.Method != MethodTOTP || login.User.LastLoginAt == nil {
		t.Fatalf("unexpected login: %+v", login)
	}
	_, err = h.svc.VerifyTOTPStep(ctx, pr.VerificationToken, h.code(t, secret), Client{})
	se := wantCode(t, err, ErrUnauthorized, "invalid_session")
	if se.Step != 3 {
		t.Fatalf("replayed token should resume at step 3, got %d", se.Step)
	}

	init, err := h.svc.Initiate(ctx, in, Client{})
	if err != nil || init.Method != MethodTOTP {
		t.Fatalf("initiate: %+v err=%v", init, err)
	}
	backup := res.BackupCodes[0].Code
	viaBackup, err := h.svc.VerifyLogin(ctx, init.VerificationToken, backup, Client{})
	if err != nil {
		t.Fatalf("verify with backup code: %v", err)
	}
	if viaBackup.Method != MethodBackup || viaBackup.BackupCodesRemaining == nil || *viaBackup.BackupCodesRemaining != 9 {
		t.Fatalf("backup login: %+v", viaBackup)
	}

	init, err = h.svc.Initiate(ctx, in, Client{})
	if err != nil {
		t.Fatalf("initiate again: %v", err)
	}
	_, err = h.svc.VerifyLogin(ctx, init.VerificationToken, backup, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_code")
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, _ := h.register(t, acme)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: acme.email, Password: "Wrong!pass1"}

	for i := 1; i <= 5; i++ {
		_, err := h.svc.CheckPassword(ctx, in, Client{IP: "192.0.2.1"})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: expected unauthorized, got %v", i, err)
		}
		h.clk.Advance(time.Minute)
	}

	in.Password = testPassword
	_, err := h.svc.CheckPassword(ctx, in, Client{})
	wantCode(t, err, ErrUnauthorized, "account_locked")
	_, err = h.svc.Initiate(ctx, in, Client{})
	wantCode(t, err, ErrUnauthorized, "account_locked")

	h.clk.Advance(15*time.Minute + time.Second)
	pr, err := h.svc.CheckPassword(ctx, in, Client{})
	if err != nil || !pr.RequiresTOTP {
		t.Fatalf("login after lock expiry: %+v err=%v", pr, err)
	}
	n, err := h.st.CountFailedAttemptsSince(ctx, acme.email, time.Time{})
	if err != nil || n != 0 {
		t.Fatalf("failed attempts after unlock = %d err=%v", n, err)
	}
}

var otpRe = regexp.MustCompile(`\b(\d{6})\b`)

func otpFrom(t *testing.T, msg notify.Message) string {
	t.Helper()
	m := otpRe.FindStringSubmatch(msg.Text)
	if m == nil {
		t.Fatalf("no code in %q", msg.Text)
	}
	return m[1]
}

func TestEmailOTPMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.configured = true
	ctx := context.Background()
	res := h.registerSinglePage(t, beta)
	in := PasswordInput{Company: CompanyRef{CompanyID: res.Company.ID}, Login: beta.username, Password: "simple"}

	init, err := h.svc.Initiate(ctx, in, Client{})
	if err != nil || init.Method != MethodEmailOTP || init.MaskedEmail != "o***@beta.io" {
		t.Fatalf("initiate: %+v err=%v", init, err)
	}
	code := otpFrom(t, h.sender.last())
	wrong := "000000"
	if wrong == code {
		wrong = "999999"
	}
	for i := 1; i <= 3; i++ {
		_, err := h.svc.VerifyLogin(ctx, init.VerificationToken, wrong, Client{})
		se := wantCode(t, err, ErrUnauthorized, "invalid_code")
		if se.Details["attemptsRemaining"] != 3-i {
			t.Fatalf("attempt %d: remaining=%v", i, se.Details["attemptsRemaining"])
		}
	}
	_, err = h.svc.VerifyLogin(ctx, init.VerificationToken, code, Client{})
	wantCode(t, err, ErrUnauthorized, "max_attempts_exceeded")
	_, err = h.svc.VerifyLogin(ctx, init.VerificationToken, code, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_session")
}

func TestEmailOTPResendResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.configured = true
	ctx := context.Background()
	res := h.registerSinglePage(t, beta)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.email, Password: "simple"}

	init, err := h.svc.Initiate(ctx, in, Client{})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	first := otpFrom(t, h.sender.last())
	wrong := "000000"
	if wrong == first {
		wrong = "999999"
	}
	for i := 0; i < 2; i++ {
		_, _ = h.svc.VerifyLogin(ctx, init.VerificationToken, wrong, Client{})
	}

	h.clk.Advance(4 * time.Minute)
	resent, err := h.svc.ResendOTP(ctx, init.VerificationToken)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if !resent.ExpiresAt.Equal(h.clk.Now().Add(5 * time.Minute)) {
		t.Fatalf("resend should extend expiry, got %v", resent.ExpiresAt)
	}
	code := otpFrom(t, h.sender.last())

	h.clk.Advance(2 * time.Minute)
	login, err := h.svc.VerifyLogin(ctx, init.VerificationToken, code, Client{})
	if err != nil || login.Method != MethodEmailOTP || login.Tokens.RefreshToken == "" {
		t.Fatalf("verify after resend: %+v err=%v", login, err)
	}
}

func TestEmailOTPDispatchFailureAbortsLogin(t *testing.T) {
	h := newHarness(t, nil)
	res := h.registerSinglePage(t, beta)
	h.sender.configured = true
	h.sender.fail = errors.New("smtp down")

	_, err := h.svc.Initiate(context.Background(), PasswordInput{
		Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.username, Password: "simple",
	}, Client{})
	wantCode(t, err, ErrUnavailable, "otp_dispatch_failed")
}

func TestInitiateDirectOnlyOutsideProduction(t *testing.T) {
	dev := newHarness(t, nil)
	res := dev.registerSinglePage(t, beta)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.username, Password: "simple"}
	init, err := dev.svc.Initiate(context.Background(), in, Client{})
	if err != nil || init.Method != MethodDirect || init.Login == nil {
		t.Fatalf("development direct login: %+v err=%v", init, err)
	}

	prod := newHarness(t, func(c *config.Config) { c.AppEnv = "production" })
	res = prod.registerSinglePage(t, beta)
	in.Company = CompanyRef{Identifier: res.Company.Identifier}
	_, err = prod.svc.Initiate(context.Background(), in, Client{})
	wantCode(t, err, ErrUnavailable, "no_second_factor_available")
}

func TestRefreshAfterLogoutIsUnauthorized(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.registerSinglePage(t, beta)
	init, err := h.svc.Initiate(ctx, PasswordInput{
		Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.username, Password: "simple",
	}, Client{})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	rotated, err := h.svc.Refresh(ctx, init.Login.Tokens.RefreshToken, Client{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err = h.svc.Refresh(ctx, init.Login.Tokens.RefreshToken, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_refresh_token")

	if err := h.svc.Logout(ctx, rotated.Tokens.RefreshToken, false, Client{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := h.svc.Logout(ctx, rotated.Tokens.RefreshToken, false, Client{}); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
	_, err = h.svc.Refresh(ctx, rotated.Tokens.RefreshToken, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_refresh_token")
}

func TestDisableTwoFactorRequiresCode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, secret := h.register(t, acme)

	err := h.svc.DisableTwoFactor(ctx, res.User.ID, "not-a-code", Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_code")

	if err := h.svc.DisableTwoFactor(ctx, res.User.ID, h.code(t, secret), Client{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	status, err := h.svc.TwoFactorStatus(ctx, res.User.ID)
	if err != nil || status.Enabled || !status.SetupRequired || status.BackupCodesRemaining != 0 {
		t.Fatalf("status after disable: %+v err=%v", status, err)
	}

	setup, err := h.svc.SetupTwoFactor(ctx, res.User.ID, "")
	if err != nil {
		t.Fatalf("setup with bearer: %v", err)
	}
	enabled, err := h.svc.EnableTwoFactor(ctx, res.User.ID, setup.SetupToken, h.code(t, setup.Secret), Client{})
	if err != nil || enabled.Login != nil || len(enabled.BackupCodes) != 10 {
		t.Fatalf("re-enable: %+v err=%v", enabled, err)
	}
	profile, err := h.svc.Me(ctx, res.User.ID)
	if err != nil || !profile.User.TwoFactorEnabled || profile.RoleName != adminRoleName {
		t.Fatalf("profile: %+v err=%v", profile, err)
	}
}

func TestDisableTwoFactorLocksAfterRepeatedBadCodes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, secret := h.register(t, acme)

	for i := 1; i < 5; i++ {
		err := h.svc.DisableTwoFactor(ctx, res.User.ID, "WRONG-CODE", Client{IP: "192.0.2.1"})
		wantCode(t, err, ErrUnauthorized, "invalid_code")
	}
	err := h.svc.DisableTwoFactor(ctx, res.User.ID, "WRONG-CODE", Client{IP: "192.0.2.1"})
	wantCode(t, err, ErrUnauthorized, "account_locked")

	err = h.svc.DisableTwoFactor(ctx, res.User.ID, h.code(t, secret), Client{})
	wantCode(t, err, ErrUnauthorized, "account_locked")
	status, err := h.svc.TwoFactorStatus(ctx, res.User.ID)
	if err != nil || !status.Enabled {
		t.Fatalf("two-factor should stay on while locked: %+v err=%v", status, err)
	}
}

func TestTOTPCodeIsAcceptedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, secret := h.register(t, acme)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: acme.username, Password: testPassword}

	// The code that finished registration is still inside the skew window.
	enrolled, err := h.svc.totp.Code(secret, h.clk.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	pr, err := h.svc.CheckPassword(ctx, in, Client{})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	_, err = h.svc.VerifyTOTPStep(ctx, pr.VerificationToken, enrolled, Client{})
	wantCode(t, err, ErrUnauthorized, "invalid_code")

	code := h.code(t, secret)
	if _, err := h.svc.VerifyTOTPStep(ctx, pr.VerificationToken, code, Client{}); err != nil {
		t.Fatalf("fresh code: %v", err)
	}

	init, err := h.svc.Initiate(ctx, in, Client{})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err = h.svc.VerifyLogin(ctx, init.VerificationToken, code, Client{})
	se := wantCode(t, err, ErrUnauthorized, "invalid_code")
	if se.Details["attemptsRemaining"] != totpMaxAttempts-1 {
		t.Fatalf("reused code should cost an attempt: %+v", se.Details)
	}
}

func TestInstanceScopedUsernameIsReservedAtWrite(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.UsernameScope = config.UsernameScopeInstance })
	ctx := context.Background()
	h.registerSinglePage(t, beta)

	// A registration that passed the availability check before beta committed
	// still fails when it writes.
	late := &models.NewAccount{
		Company: models.Company{Identifier: "US-LATE001", Name: "Late Co", CountryCode: "US", Phone: "+15550007777", Active: true},
		Role:    models.Role{Name: adminRoleName, Permissions: AdminPermissions},
		User: models.User{
			Email: "late@late.io", Username: beta.username, FirstName: "L", LastName: "T",
			PasswordHash: "x", Active: true, TwoFactorSetupRequired: true,
		},
	}
	err := h.svc.createAccount(ctx, late)
	if err == nil || err.Kind != KindConflict || err.Field != "username" {
		t.Fatalf("expected username conflict, got %v", err)
	}
	if ok, _ := h.st.CompanyIdentifierExists(ctx, "US-LATE001"); ok {
		t.Fatalf("conflicting company should not be persisted")
	}
}

func TestSweepPrunesExpiredState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.registerSinglePage(t, beta)
	in := PasswordInput{Company: CompanyRef{Identifier: res.Company.Identifier}, Login: beta.username, Password: "wrong-password"}
	_, _ = h.svc.Initiate(ctx, in, Client{})
	in.Password = "simple"
	if _, err := h.svc.Initiate(ctx, in, Client{}); err != nil {
		t.Fatalf("direct login: %v", err)
	}

	h.clk.Advance(48 * time.Hour)
	rep, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.FailedAttempts != 1 || rep.UserSessions != 1 {
		t.Fatalf("unexpected sweep report: %+v", rep)
	}
}
