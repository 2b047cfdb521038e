package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"enxero/internal/captcha"
	"enxero/internal/config"
	"enxero/internal/middleware"
	"enxero/internal/notify"
	"enxero/internal/rate"
	"enxero/internal/service"
	"enxero/internal/util"
	"enxero/internal/version"
)

type Handlers struct {
	cfg             config.Config
	svc             *service.Service
	limiter         *rate.Limiter
	captchaVerifier captcha.Verifier
}

func NewRouter(cfg config.Config, svc *service.Service, access middleware.AccessParser) http.Handler {
	return newRouter(cfg, svc, access, captcha.NewVerifier(cfg))
}

func newRouter(cfg config.Config, svc *service.Service, access middleware.AccessParser, verifier captcha.Verifier) http.Handler {
	h := &Handlers{
		cfg:             cfg,
		svc:             svc,
		limiter:         rate.NewLimiter(nil),
		captchaVerifier: verifier,
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", h.Ready)

	limit := func(route string, n int) func(http.Handler) http.Handler {
		return middleware.RateLimit(h.limiter, route, n, time.Minute, cfg.TrustProxy)
	}

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Route("/register", func(r chi.Router) {
			r.With(limit("register", 10)).Post("/step1", h.RegisterStep1)
			r.With(limit("register_step", 30)).Post("/step2", h.RegisterStep2)
			r.With(limit("register_step", 30)).Post("/step3/setup", h.RegisterTOTPSetup)
			r.With(limit("register_step", 30)).Post("/step3", h.RegisterStep3)
			r.With(limit("register", 10)).Post("/single-page", h.RegisterSinglePage)
			r.With(limit("register_lookup", 60)).Post("/preview-identifier", h.PreviewIdentifier)
			r.With(limit("register_lookup", 60)).Get("/status/{email}", h.RegistrationStatus)
			r.With(limit("register_resend", 5)).Post("/resend-email", h.ResendRegistrationEmail)
		})

		r.Route("/ui/login", func(r chi.Router) {
			r.With(limit("ui_lookup", 60)).Post("/step1/company", h.LoginCompany)
			r.With(limit("ui_lookup", 60)).Post("/step2/username", h.LoginUsername)
			r.With(limit("login", 20)).Post("/step3/password", h.LoginPassword)
			r.With(limit("login_code", 30)).Post("/step4/totp", h.LoginTOTP)
		})

		r.With(limit("login", 20)).Post("/login/initiate", h.LoginInitiate)
		r.With(limit("login_code", 30)).Post("/login/verify", h.LoginVerify)
		r.With(limit("login_resend", 5)).Post("/login/resend-otp", h.LoginResendOTP)

		r.Route("/2fa", func(r chi.Router) {
			r.Use(limit("two_factor", 20))
			r.With(middleware.OptionalAuthn(access)).Post("/setup", h.TwoFactorSetup)
			r.With(middleware.OptionalAuthn(access)).Post("/enable", h.TwoFactorEnable)
			r.Post("/force-setup", h.TwoFactorForceSetup)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authn(access))
				r.Post("/disable", h.TwoFactorDisable)
				r.Get("/status", h.TwoFactorStatus)
			})
		})

		r.With(limit("refresh", 60)).Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.With(middleware.Authn(access)).Get("/me", h.Me)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not_found", "route not found", middleware.RequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checkedAt": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Current().Version,
	}
	comps := map[string]any{}
	ready["components"] = comps

	ok := true
	if err := h.svc.Ready(r.Context()); err != nil {
		ok = false
		log.Printf("ready_check_failed component=store request_id=%s err=%v", middleware.RequestID(r.Context()), err)
		comps["store"] = map[string]any{"ok": false, "error": "unreachable"}
	} else {
		comps["store"] = map[string]any{"ok": true}
	}
	if h.cfg.EmailConfigured() {
		if err := notify.ProbeSMTP(r.Context(), h.cfg); err != nil {
			ok = false
			log.Printf("ready_check_failed component=smtp request_id=%s err=%v", middleware.RequestID(r.Context()), err)
			comps["smtp"] = map[string]any{"ok": false, "error": "unreachable"}
		} else {
			comps["smtp"] = map[string]any{"ok": true}
		}
	} else {
		comps["smtp"] = map[string]any{"ok": true, "sender": h.cfg.NotifySender}
	}

	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

func (h *Handlers) client(r *http.Request) service.Client {
	return service.Client{IP: middleware.ClientIP(r, h.cfg.TrustProxy), UserAgent: r.UserAgent()}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := util.DecodeJSON(w, r, dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), middleware.RequestID(r.Context()))
		return false
	}
	return true
}

// checkCaptcha gates account-creating requests when a captcha provider is
// configured.
func (h *Handlers) checkCaptcha(w http.ResponseWriter, r *http.Request, token string) bool {
	if !h.captchaVerifier.Enabled() {
		return true
	}
	err := h.captchaVerifier.Verify(r.Context(), token, middleware.ClientIP(r, h.cfg.TrustProxy))
	if err == nil {
		return true
	}
	rid := middleware.RequestID(r.Context())
	log.Printf("captcha_failed path=%s request_id=%s err=%v", r.URL.Path, rid, err)
	if errors.Is(err, captcha.ErrCaptchaUnavailable) {
		util.WriteAPIError(w, http.StatusServiceUnavailable, util.APIError{Code: "captcha_unavailable", Message: "captcha verification is unavailable, try again", RequestID: rid, Step: 1})
		return false
	}
	util.WriteAPIError(w, http.StatusBadRequest, util.APIError{Code: "captcha_required", Message: "captcha validation failed", RequestID: rid, Step: 1, Field: "captchaToken"})
	return false
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindConflict:
		return http.StatusConflict
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes a service error. Internal causes are logged, never returned.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	se := service.AsError(err)
	rid := middleware.RequestID(r.Context())
	status := statusFor(se.Kind)
	switch {
	case se.Kind == service.KindInternal:
		log.Printf("%s_failed code=%s request_id=%s err=%v", op, se.Code, rid, se.Err)
	case se.Err != nil:
		log.Printf("%s_failed code=%s status=%d request_id=%s err=%v", op, se.Code, status, rid, se.Err)
	default:
		log.Printf("%s_failed code=%s status=%d request_id=%s", op, se.Code, status, rid)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	util.WriteAPIError(w, status, util.APIError{
		Code:      se.Code,
		Message:   se.Message,
		RequestID: rid,
		Step:      se.Step,
		Field:     se.Field,
		Details:   se.Details,
	})
}

func principalID(r *http.Request) string {
	if p, ok := middleware.Principal(r.Context()); ok {
		return p.UID
	}
	return ""
}
