// internal/models/session.go
package models

import "time"

// Session is the persisted identity and credential record. AccessToken and
// RefreshToken are stored and cleared together, never individually.
type Session struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Anonymous    bool      `json:"anonymous"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasTokens reports whether the session carries a credential pair.
func (s *Session) HasTokens() bool {
	return s != nil && s.AccessToken != "" && s.RefreshToken != ""
}

// ClearTokens removes both tokens, preserving the identity fields.
func (s *Session) ClearTokens() {
	s.AccessToken = ""
	s.RefreshToken = ""
}
