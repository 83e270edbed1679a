package api

import (
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/argus-nvr/argus/internal/auth"
	"github.com/argus-nvr/argus/internal/store"
)

const minPasswordLength = 8

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		badRequest(w, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		badRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(w)
		return
	}

	user := &store.User{Email: req.Email, PasswordHash: hash}
	if err := s.store.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			conflict(w, "email already registered")
			return
		}
		internalError(w)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleToken is the password grant. Form-encoded for OAuth2 password
// flow compatibility.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, "malformed form body")
		return
	}
	email := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, err := s.store.Users.GetByEmail(r.Context(), email)
	if err != nil {
		// Hash anyway so a missing account costs the same as a wrong
		// password.
		_, _ = auth.CheckPassword(password, dummyHash)
		unauthorized(w)
		return
	}
	ok, err := auth.CheckPassword(password, user.PasswordHash)
	if err != nil || !ok {
		unauthorized(w)
		return
	}

	pair, err := s.issueTokens(r, user.ID)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh rotates the refresh token. A replayed token finds its
// session gone and fails.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		unauthorized(w)
		return
	}
	claims, err := s.tokens.Validate(token, auth.Refresh)
	if err != nil {
		unauthorized(w)
		return
	}

	valid, err := s.store.Sessions.Validate(r.Context(), claims.ID, time.Now().UTC())
	if err != nil {
		internalError(w)
		return
	}
	if !valid {
		unauthorized(w)
		return
	}

	refresh, jti, err := s.tokens.IssueRefreshToken(claims.Subject)
	if err != nil {
		internalError(w)
		return
	}
	err = s.store.Sessions.Rotate(r.Context(), claims.ID, &store.Session{
		JTI:       jti,
		UserID:    claims.Subject,
		ExpiresAt: time.Now().UTC().Add(auth.RefreshTokenTTL),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		unauthorized(w)
		return
	}

	access, err := s.tokens.IssueAccessToken(claims.Subject)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

func (s *Server) issueTokens(r *http.Request, userID string) (*tokenPair, error) {
	access, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return nil, err
	}
	err = s.store.Sessions.Create(r.Context(), &store.Session{
		JTI:       jti,
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(auth.RefreshTokenTTL),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		return nil, err
	}
	return &tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

// dummyHash keeps login timing flat when the account does not exist.
var dummyHash = func() string {
	h, err := auth.HashPassword("timing-equalizer")
	if err != nil {
		panic(err)
	}
	return h
}()
