package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/printwatch/internal/cloud"
)

// loginRequest is the body of POST /auth/login. Empty fields fall back to
// the configured account.
type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

// codeRequest is the body of the verify-code and two-factor endpoints.
type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cloud == nil {
		writeNotFound(w, "cloud login is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cloud.Status())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		writeNotFound(w, "cloud login is not configured")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Account == "" {
		req.Account = s.cloud.Account()
	}
	if req.Password == "" {
		req.Password = s.cloud.Password()
	}
	if req.Account == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "account and password are required")
		return
	}

	err := s.cloud.Login(r.Context(), req.Account, req.Password)
	s.writeAuthResult(w, r, "login", err)
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	s.submitCode(w, r, "verify_code", func(ctx context.Context, c CloudAuth, code string) error {
		return c.SubmitVerificationCode(ctx, code)
	})
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	s.submitCode(w, r, "two_factor", func(ctx context.Context, c CloudAuth, code string) error {
		return c.SubmitTwoFactor(ctx, code)
	})
}

// submitCode decodes a code body and hands it to submit.
func (s *Server) submitCode(w http.ResponseWriter, r *http.Request, step string, submit func(context.Context, CloudAuth, string) error) {
	if s.cloud == nil {
		writeNotFound(w, "cloud login is not configured")
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "code is required")
		return
	}
	s.writeAuthResult(w, r, step, submit(r.Context(), s.cloud, code))
}

// writeAuthResult maps a login step outcome to a response. A completed
// login restarts every printer parked on a credential fault.
func (s *Server) writeAuthResult(w http.ResponseWriter, r *http.Request, step string, err error) {
	switch {
	case err == nil:
		resumed := s.resumeParked(r.Context())
		s.logger.Info("cloud login completed", "step", step, "resumed", resumed)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  s.cloud.Status(),
			"resumed": resumed,
		})
	case errors.Is(err, cloud.ErrVerificationRequired), errors.Is(err, cloud.ErrTwoFactorRequired):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": s.cloud.Status()})
	case errors.Is(err, cloud.ErrNoPendingFlow):
		writeError(w, http.StatusConflict, ErrCodeConflict, "no verification is pending")
	case errors.Is(err, cloud.ErrCodeIncorrect):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "code is incorrect")
	case errors.Is(err, cloud.ErrCodeExpired):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "code expired, a new one has been sent")
	case errors.Is(err, cloud.ErrBlocked):
		writeUnavailable(w, "cloud login was blocked, try again later")
	default:
		s.logger.Warn("cloud login step failed", "step", step, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "cloud login failed")
	}
}

// resumeParked restarts parked printers and returns their ids.
func (s *Server) resumeParked(ctx context.Context) []string {
	resumed := []string{}
	for _, h := range s.fleet.Handles() {
		if !h.Parked {
			continue
		}
		if err := s.fleet.Restart(ctx, h.DeviceID); err != nil {
			s.logger.Warn("resuming parked printer failed", "printer_id", h.DeviceID, "error", err)
			continue
		}
		resumed = append(resumed, h.DeviceID)
	}
	return resumed
}
