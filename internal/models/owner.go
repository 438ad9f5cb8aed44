package models

import (
	"strings"
	"time"
)

// Owner is the display profile of a diary owner. Identity is issued
// elsewhere; this only keeps what admin views need.
type Owner struct {
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	ProviderID  string    `json:"provider_id,omitempty"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DisplayNameFor picks the trimmed name, then the local part of the email,
// then DefaultAuthorName.
func DisplayNameFor(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(email), "@"); ok && local != "" {
		return local
	}
	return DefaultAuthorName
}
