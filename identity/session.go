package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// ErrSignInRequired is returned when no identity is available and a silent
// sign-in attempt did not produce one.
var ErrSignInRequired = errors.New("sign-in required")

// ErrOtherAccount is returned when a token belongs to an account other than
// the one that owns the local data.
var ErrOtherAccount = errors.New("token belongs to another account")

// Session holds the identity of the single user this agent acts for. A
// token handed over by the UI is verified and cached on disk; later sign-ins
// refresh it silently without user interaction.
//
// The first account to sign in owns the session. Its id is kept next to the
// token file and survives sign-out, so tokens of any other account are
// rejected with ErrOtherAccount.
type Session struct {
	auth      *Auth
	oauth     *oauth2.Config
	tokenFile string
	logger    *log.Logger

	mu    sync.Mutex
	user  *User
	token *oauth2.Token
	owner string
}

// NewSession creates a session. oauth and tokenFile are optional; without
// them a session can only be established through Install.
func NewSession(auth *Auth, oauth *oauth2.Config, tokenFile string, logger *log.Logger) *Session {
	if auth == nil {
		panic("identity.NewSession: auth is nil")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &Session{auth: auth, oauth: oauth, tokenFile: tokenFile, logger: logger}
	if path := s.ownerFile(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			s.owner = strings.TrimSpace(string(data))
		}
	}
	return s
}

// Owner returns the account that owns this session, or "" before the first
// sign-in.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// GetUser returns the signed-in user, if any.
func (s *Session) GetUser() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// IsSignedIn reports whether a user is present and its token has not expired.
func (s *Session) IsSignedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil && s.token.Valid()
}

// Install verifies a token obtained interactively and makes it the session
// identity.
func (s *Session) Install(tok *oauth2.Token) (User, error) {
	u, err := s.verify(tok)
	if err != nil {
		return User{}, err
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = u.Expires
	}
	s.mu.Lock()
	claimed := false
	switch s.owner {
	case "":
		s.owner = u.ID
		claimed = true
	case u.ID:
	default:
		s.mu.Unlock()
		return User{}, fmt.Errorf("%w: %s", ErrOtherAccount, u.ID)
	}
	changed := s.token == nil || s.token.AccessToken != tok.AccessToken
	s.user = &u
	s.token = tok
	s.mu.Unlock()
	if claimed {
		s.persistOwner(u.ID)
	}
	if changed {
		s.persist(tok)
	}
	return u, nil
}

// SignIn makes one silent attempt to restore the session from the cached
// token, refreshing it when expired.
func (s *Session) SignIn(ctx context.Context) (User, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok == nil {
		cached, err := tokenFromFile(s.tokenFile)
		if err != nil {
			return User{}, fmt.Errorf("%w: no cached token", ErrSignInRequired)
		}
		tok = cached
	}

	if !tok.Valid() {
		if s.oauth == nil || tok.RefreshToken == "" {
			return User{}, fmt.Errorf("%w: token expired", ErrSignInRequired)
		}
		fresh, err := s.oauth.TokenSource(ctx, tok).Token()
		if err != nil {
			s.logger.WithError(err).Warn("silent sign-in refresh failed")
			return User{}, fmt.Errorf("%w: %v", ErrSignInRequired, err)
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}
		tok = fresh
	}

	u, err := s.Install(tok)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrSignInRequired, err)
	}
	return u, nil
}

// EnsureSignedIn returns the current user, attempting one silent sign-in
// when there is none.
func (s *Session) EnsureSignedIn(ctx context.Context) (User, error) {
	s.mu.Lock()
	if s.user != nil && s.token.Valid() {
		u := *s.user
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()
	return s.SignIn(ctx)
}

// SignOut forgets the identity and removes the cached token. The owner is
// kept.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.user = nil
	s.token = nil
	s.mu.Unlock()
	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warn("remove cached token failed")
		}
	}
}

// verify checks the ID token when the provider returned one and the access
// token otherwise.
func (s *Session) verify(tok *oauth2.Token) (User, error) {
	if tok == nil || tok.AccessToken == "" {
		return User{}, ErrBadAuthorization
	}
	raw := tok.AccessToken
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		raw = id
	}
	return s.auth.UserFromBearer(raw)
}

func (s *Session) persist(tok *oauth2.Token) {
	if s.tokenFile == "" {
		return
	}
	if err := saveToken(s.tokenFile, tok); err != nil {
		s.logger.WithError(err).Warnf("cache token failed, path=%s", s.tokenFile)
	}
}

func (s *Session) ownerFile() string {
	if s.tokenFile == "" {
		return ""
	}
	return s.tokenFile + ".owner"
}

func (s *Session) persistOwner(id string) {
	path := s.ownerFile()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		s.logger.WithError(err).Warnf("record session owner failed, path=%s", path)
		return
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		s.logger.WithError(err).Warnf("record session owner failed, path=%s", path)
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("decode token from %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
