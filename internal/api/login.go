package api

import (
	"net/http"
	"strings"

	"enxero/internal/service"
	"enxero/internal/util"
)

type companyRequest struct {
	CompanyID         string `json:"companyId"`
	CompanyIdentifier string `json:"companyIdentifier"`
}

func (c companyRequest) ref() service.CompanyRef {
	return service.CompanyRef{
		CompanyID:  strings.TrimSpace(c.CompanyID),
		Identifier: strings.TrimSpace(c.CompanyIdentifier),
	}
}

func (h *Handlers) LoginCompany(w http.ResponseWriter, r *http.Request) {
	var req companyRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.LookupCompany(r.Context(), req.CompanyIdentifier)
	if err != nil {
		h.fail(w, r, "login_company", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) LoginUsername(w http.ResponseWriter, r *http.Request) {
	var req struct {
		companyRequest
		Username string `json:"username"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.LookupUser(r.Context(), req.ref(), req.Username)
	if err != nil {
		h.fail(w, r, "login_username", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

// passwordRequest accepts the login under any of the names clients send.
type passwordRequest struct {
	companyRequest
	Login    string `json:"login"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p passwordRequest) input() service.PasswordInput {
	login := p.Login
	if login == "" {
		login = p.Username
	}
	if login == "" {
		login = p.Email
	}
	return service.PasswordInput{Company: p.ref(), Login: login, Password: p.Password}
}

func (h *Handlers) LoginPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.CheckPassword(r.Context(), req.input(), h.client(r))
	if err != nil {
		h.fail(w, r, "login_password", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type codeRequest struct {
	VerificationToken string `json:"verificationToken"`
	Code              string `json:"code"`
}

func (h *Handlers) LoginTOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.VerifyTOTPStep(r.Context(), req.VerificationToken, req.Code, h.client(r))
	if err != nil {
		h.fail(w, r, "login_totp", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) LoginInitiate(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Initiate(r.Context(), req.input(), h.client(r))
	if err != nil {
		h.fail(w, r, "login_initiate", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) LoginVerify(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.VerifyLogin(r.Context(), req.VerificationToken, req.Code, h.client(r))
	if err != nil {
		h.fail(w, r, "login_verify", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) LoginResendOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.ResendOTP(r.Context(), req.VerificationToken)
	if err != nil {
		h.fail(w, r, "login_resend_otp", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type setupRequest struct {
	SetupToken string `json:"setupToken"`
	Code       string `json:"code"`
}

// TwoFactorSetup serves a signed-in user or the holder of a setup token.
func (h *Handlers) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.SetupTwoFactor(r.Context(), principalID(r), req.SetupToken)
	if err != nil {
		h.fail(w, r, "two_factor_setup", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) TwoFactorForceSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.ForceSetup(r.Context(), req.SetupToken)
	if err != nil {
		h.fail(w, r, "two_factor_force_setup", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) TwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.EnableTwoFactor(r.Context(), principalID(r), req.SetupToken, req.Code, h.client(r))
	if err != nil {
		h.fail(w, r, "two_factor_enable", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.DisableTwoFactor(r.Context(), principalID(r), req.Code, h.client(r)); err != nil {
		h.fail(w, r, "two_factor_disable", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"enabled": false, "setupRequired": true})
}

func (h *Handlers) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.TwoFactorStatus(r.Context(), principalID(r))
	if err != nil {
		h.fail(w, r, "two_factor_status", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	All          bool   `json:"all"`
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Refresh(r.Context(), req.RefreshToken, h.client(r))
	if err != nil {
		h.fail(w, r, "refresh", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken, req.All, h.client(r)); err != nil {
		h.fail(w, r, "logout", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Me(r.Context(), principalID(r))
	if err != nil {
		h.fail(w, r, "me", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}
