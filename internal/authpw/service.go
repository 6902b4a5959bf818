// Package authpw verifies the fixed tagger credentials. The account set is
// closed and comes from configuration; there is no signup.
package authpw

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"tagdesk/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service checks usernames and passwords against the configured set.
// Matching is exact: no trimming, no case folding.
type Service struct {
	creds map[string]config.TaggerCredential
}

func NewService(taggers []config.TaggerCredential) *Service {
	creds := make(map[string]config.TaggerCredential, len(taggers))
	for _, t := range taggers {
		if t.Username != "" {
			creds[t.Username] = t
		}
	}
	return &Service{creds: creds}
}

// Configured reports whether any credentials were provided at all.
func (s *Service) Configured() bool {
	return len(s.creds) > 0
}

// Verify returns nil only for an exact username/password match. Bcrypt
// hashes take precedence over plaintext passwords when both are set.
func (s *Service) Verify(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	cred, ok := s.creds[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if cred.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(cred.Password), []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
