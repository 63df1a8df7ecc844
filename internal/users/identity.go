package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
)

// CollectionIdentities stores provider logins keyed by "provider:subject".
const CollectionIdentities = "identities"

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string
	Subject     string
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
	LastSeenAt  time.Time
}

func (i Identity) fields() docstore.Fields {
	return docstore.Fields{
		"provider":    i.Provider,
		"subject":     i.Subject,
		"userId":      i.UserID,
		"email":       i.Email,
		"displayName": i.DisplayName,
		"avatarUrl":   i.AvatarURL,
		"lastSeenAt":  docstore.FormatTimestamp(i.LastSeenAt),
	}
}

func identityFromDocument(document docstore.Document) Identity {
	return Identity{
		Provider:    document.String("provider"),
		Subject:     document.String("subject"),
		UserID:      document.String("userId"),
		Email:       document.String("email"),
		DisplayName: document.String("displayName"),
		AvatarURL:   document.String("avatarUrl"),
		LastSeenAt:  document.Timestamp("lastSeenAt"),
	}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
