package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"enxero/internal/service"
	"enxero/internal/util"
)

type step1Request struct {
	service.CompanyInput
	service.OwnerInput
	CaptchaToken string `json:"captchaToken"`
}

func (h *Handlers) RegisterStep1(w http.ResponseWriter, r *http.Request) {
	var req step1Request
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkCaptcha(w, r, req.CaptchaToken) {
		return
	}
	out, err := h.svc.BeginRegistration(r.Context(), req.CompanyInput, req.OwnerInput, h.client(r))
	if err != nil {
		h.fail(w, r, "register_step1", err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, out)
}

type credentialsRequest struct {
	SessionToken    string `json:"sessionToken"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *Handlers) RegisterStep2(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.SubmitCredentials(r.Context(), service.CredentialsInput{
		SessionToken:    req.SessionToken,
		Username:        req.Username,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		h.fail(w, r, "register_step2", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type sessionRequest struct {
	SessionToken string `json:"sessionToken"`
}

func (h *Handlers) RegisterTOTPSetup(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.SetupRegistrationTOTP(r.Context(), req.SessionToken)
	if err != nil {
		h.fail(w, r, "register_totp_setup", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type finalizeRequest struct {
	SessionToken string   `json:"sessionToken"`
	Code         string   `json:"code"`
	TOTPCode     string   `json:"totpCode"`
	BackupCodes  []string `json:"backupCodes"`
}

func (h *Handlers) RegisterStep3(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	code := req.Code
	if code == "" {
		code = req.TOTPCode
	}
	out, err := h.svc.FinalizeRegistration(r.Context(), service.FinalizeInput{
		SessionToken: req.SessionToken,
		Code:         code,
		BackupCodes:  req.BackupCodes,
	}, h.client(r))
	if err != nil {
		h.fail(w, r, "register_step3", err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, out)
}

type singlePageRequest struct {
	service.CompanyInput
	service.OwnerInput
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	CaptchaToken    string `json:"captchaToken"`
}

func (h *Handlers) RegisterSinglePage(w http.ResponseWriter, r *http.Request) {
	var req singlePageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkCaptcha(w, r, req.CaptchaToken) {
		return
	}
	out, err := h.svc.RegisterSinglePage(r.Context(), service.SinglePageInput{
		Company:         req.CompanyInput,
		Owner:           req.OwnerInput,
		Username:        req.Username,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	}, h.client(r))
	if err != nil {
		h.fail(w, r, "register_single_page", err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, out)
}

func (h *Handlers) PreviewIdentifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CountryCode string `json:"countryCode"`
		ShortName   string `json:"companyShortName"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.svc.PreviewIdentifier(req.CountryCode, req.ShortName)
	if err != nil {
		h.fail(w, r, "preview_identifier", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"companyIdentifier": id, "reserved": false})
}

func (h *Handlers) RegistrationStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.RegistrationStatus(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		h.fail(w, r, "registration_status", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) ResendRegistrationEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionToken string `json:"sessionToken"`
		Email        string `json:"email"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.ResendRegistrationEmail(r.Context(), req.SessionToken, req.Email)
	if err != nil {
		h.fail(w, r, "registration_resend", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}
