package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"docgate.io/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type registerRequest struct {
	TenantName string `json:"tenant_name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	tokenResponse
}

// loginRequiredResponse answers a committed registration whose first
// session could not be opened.
type loginRequiredResponse struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	Role          string `json:"role"`
	LoginRequired bool   `json:"login_required"`
}

type meResponse struct {
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	Role         string    `json:"role"`
	Issuer       string    `json:"issuer"`
	ExpiresAt    time.Time `json:"expires_at"`
	Capabilities []string  `json:"capabilities"`
}

func newTokenResponse(p auth.TokenPair) tokenResponse {
	expiresIn := int64(math.Ceil(time.Until(p.AccessExpiresAt).Seconds()))
	if expiresIn < 0 {
		expiresIn = 0
	}
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		ExpiresIn:        expiresIn,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pair, err := a.svc.Login(r.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		MFACode:  req.MFACode,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reg, err := a.svc.Register(r.Context(), auth.RegisterInput{
		TenantName: req.TenantName,
		Email:      req.Email,
		Password:   req.Password,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if reg.LoginRequired {
		writeJSON(w, http.StatusCreated, loginRequiredResponse{
			UserID:        reg.UserID,
			TenantID:      reg.TenantID,
			Role:          string(reg.Role),
			LoginRequired: true,
		})
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		UserID:        reg.UserID,
		TenantID:      reg.TenantID,
		Role:          string(reg.Role),
		tokenResponse: newTokenResponse(reg.Tokens),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrInvalidCredentials)
		return
	}
	caps := auth.CapabilitiesFor(id.Role)
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:       id.UserID,
		TenantID:     id.TenantID,
		Role:         string(id.Role),
		Issuer:       id.Issuer,
		ExpiresAt:    id.ExpiresAt,
		Capabilities: names,
	})
}

// writeServiceError maps the auth error taxonomy onto HTTP. Causes are
// logged, never returned.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case auth.KindAccountDisabled, auth.KindMFARequired:
			writeError(w, r, http.StatusForbidden, ae.Kind.Code(), ae.Kind.String())
		case auth.KindUnavailable:
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeError(w, r, http.StatusServiceUnavailable, ae.Kind.Code(), ae.Kind.String())
		default:
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, ae.Kind.Code(), ae.Kind.String())
		}
		return
	}
	var re *auth.RegistrationError
	if errors.As(err, &re) {
		switch re.Kind {
		case auth.RegEmailTaken, auth.RegTenantNameConflict:
			writeError(w, r, http.StatusConflict, re.Kind.Code(), re.Kind.String())
		case auth.RegInvalid:
			writeError(w, r, http.StatusBadRequest, re.Kind.Code(), re.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, re.Kind.Code(), "registration failed")
		}
		return
	}
	if errors.Is(err, auth.ErrForbidden) {
		writeError(w, r, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	a.logger.Error("unclassified service error", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
}
