package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"budget-api/internal/apperror"
	"budget-api/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	cookies CookieOptions
	logger  *logrus.Logger
}

func NewHandler(service *Service, cookies CookieOptions, logger *logrus.Logger) *Handler {
	return &Handler{service: service, cookies: cookies, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, pair, err := h.service.Register(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setAuthCookies(w, pair, h.cookies)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, pair, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setAuthCookies(w, pair, h.cookies)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// Me returns the authenticated user; RequireAuth has already resolved it.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperror.NewAuth("invalid or expired token"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := tokenFromCookie(r, refreshCookieName)
	if raw == "" {
		h.writeError(w, r, apperror.NewAuth("invalid or expired refresh token"))
		return
	}

	user, pair, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setAuthCookies(w, pair, h.cookies)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// Logout always clears cookies and answers 200, whatever state the access
// token was in.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context(), tokenFromRequest(r))

	clearAuthCookies(w, h.cookies)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperror.NewAuth("invalid or expired token"))
		return
	}

	if err := h.service.LogoutAll(r.Context(), user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}

	clearAuthCookies(w, h.cookies)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out everywhere"})
}

// ForgotPassword answers the same way whether or not the email exists.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Status == http.StatusInternalServerError {
			// Internal failures are hidden too; reporting them would leak
			// which addresses have accounts.
			h.logInternal(r, appErr)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "if that email is registered, a reset link has been sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password has been reset"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		h.writeError(w, r, apperror.NewValidation("invalid json body"))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		appErr = apperror.NewInternal(err)
	}

	if appErr.Status == http.StatusInternalServerError {
		h.logInternal(r, appErr)
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}

	writeJSON(w, appErr.Status, map[string]string{"error": appErr.Message})
}

func (h *Handler) logInternal(r *http.Request, appErr *apperror.Error) {
	observability.CaptureError(appErr.Internal)
	h.logger.WithError(appErr.Internal).WithFields(logrus.Fields{
		"method":     r.Method,
		"url":        r.URL.String(),
		"user_agent": r.UserAgent(),
		"ip":         observability.ClientIP(r),
	}).Error("request_failed")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
