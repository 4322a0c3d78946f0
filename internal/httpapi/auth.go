package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/identity"
	"github.com/netsight-io/netsight/internal/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Verified  bool   `json:"verified"`
	Timezone  string `json:"timezone,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      string(u.Role),
		Verified:  u.Verified,
		Timezone:  u.Timezone,
		AvatarURL: u.AvatarURL,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	user, err := s.users.ByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		// Indistinguishable from a wrong password.
		renderError(w, apperr.E(apperr.NotAuthenticated, "Invalid email or password"))
		return
	}
	if !user.Active {
		renderError(w, apperr.E(apperr.Forbidden, "Account is deactivated"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(req.Password)) != nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Invalid email or password"))
		return
	}

	token, err := s.tokens.IssueSession(user)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to issue session", err))
		return
	}

	s.logger.Info().Int64("user_id", user.ID).Msg("User logged in")
	renderJSON(w, http.StatusOK, sessionResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Sessions are stateless bearer tokens; logout is client-side discard.
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleVerify reports whether the presented token is valid, with the
// structured verdict rather than a bare boolean.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	raw := requestToken(r)
	if raw == "" {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Not authenticated"))
		return
	}
	outcome := s.tokens.Verify(raw, identity.KindSession)
	resp := map[string]interface{}{
		"valid":  outcome.Valid(),
		"status": outcome.Status.String(),
	}
	if outcome.Valid() {
		resp["user_id"] = outcome.Claims.UserID()
		resp["username"] = outcome.Claims.Username
		resp["role"] = outcome.Claims.Role
	}
	renderJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if user == nil {
		renderError(w, apperr.E(apperr.NotAuthenticated, "Not authenticated"))
		return
	}
	renderJSON(w, http.StatusOK, toUserResponse(user))
}

type resetRequest struct {
	Email string `json:"email"`
}

// handleResetRequest issues a reset token for the address. The response is
// identical whether or not the account exists.
func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	user, err := s.users.ByEmail(r.Context(), req.Email)
	if err == nil {
		token, terr := s.tokens.IssueReset(user.ID)
		if terr == nil {
			s.sendResetEmail(r.Context(), user, token)
		}
	}
	renderJSON(w, http.StatusOK, map[string]string{
		"detail": "If the address exists, a reset link has been sent",
	})
}

func (s *Server) sendResetEmail(ctx context.Context, user *store.User, token string) {
	if s.resetSender == nil {
		s.logger.Warn().Msg("Password reset requested but no email sender configured")
		return
	}
	body := "Use this token to reset your password: " + token
	if err := s.resetSender.Send(ctx, user.Email, "Password reset", body); err != nil {
		s.logger.Error().Err(err).Int64("user_id", user.ID).Msg("Failed to send reset email")
	}
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if len(req.NewPassword) < 8 {
		renderError(w, apperr.E(apperr.Validation, "Password must be at least 8 characters"))
		return
	}

	outcome := s.tokens.Verify(req.Token, identity.KindReset)
	if !outcome.Valid() {
		renderError(w, apperr.E(apperr.InvalidToken, "Reset token is invalid or expired"))
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to hash password", err))
		return
	}
	if err := s.users.SetPassword(r.Context(), outcome.Claims.UserID(), string(hashed)); err != nil {
		renderError(w, err)
		return
	}

	s.logger.Info().Int64("user_id", outcome.Claims.UserID()).Msg("Password reset")
	renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInviteVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	invite, err := s.invites.ByToken(r.Context(), token)
	if err != nil {
		renderError(w, err)
		return
	}
	if invite.Status != store.InvitePending {
		renderError(w, apperr.E(apperr.Conflict, "Invite is no longer valid"))
		return
	}
	renderJSON(w, http.StatusOK, map[string]interface{}{
		"email": invite.Email,
		"role":  string(invite.Role),
	})
}

type inviteAcceptRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	var req inviteAcceptRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		renderError(w, apperr.E(apperr.Validation, "Username and a password of at least 8 characters are required"))
		return
	}

	invite, err := s.invites.ByToken(r.Context(), req.Token)
	if err != nil {
		renderError(w, err)
		return
	}
	if invite.Status != store.InvitePending {
		renderError(w, apperr.E(apperr.Conflict, "Invite is no longer valid"))
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to hash password", err))
		return
	}

	user := &store.User{
		Username:       req.Username,
		Email:          invite.Email,
		Role:           invite.Role,
		HashedPassword: string(hashed),
		Verified:       true,
		Active:         true,
		Timezone:       "UTC",
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		renderError(w, err)
		return
	}
	if err := s.invites.Accept(r.Context(), invite.ID); err != nil {
		renderError(w, err)
		return
	}

	token, err := s.tokens.IssueSession(user)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to issue session", err))
		return
	}
	s.logger.Info().Int64("user_id", user.ID).Msg("Invite accepted")
	renderJSON(w, http.StatusCreated, sessionResponse{Token: token, User: toUserResponse(user)})
}

type ownerSetupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleOwnerSetup bootstraps the first account. Once any user exists the
// endpoint refuses.
func (s *Server) handleOwnerSetup(w http.ResponseWriter, r *http.Request) {
	existing, err := s.users.All(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	if len(existing) > 0 {
		renderError(w, apperr.E(apperr.Conflict, "Setup has already been completed"))
		return
	}

	var req ownerSetupRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		renderError(w, apperr.E(apperr.Validation, "Username, email, and a password of at least 8 characters are required"))
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to hash password", err))
		return
	}

	user := &store.User{
		Username:       req.Username,
		Email:          req.Email,
		Role:           store.RoleOwner,
		HashedPassword: string(hashed),
		Verified:       true,
		Active:         true,
		Timezone:       "UTC",
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		renderError(w, err)
		return
	}

	token, err := s.tokens.IssueSession(user)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "Failed to issue session", err))
		return
	}
	s.logger.Info().Int64("user_id", user.ID).Msg("Owner account created")
	renderJSON(w, http.StatusCreated, sessionResponse{Token: token, User: toUserResponse(user)})
}
