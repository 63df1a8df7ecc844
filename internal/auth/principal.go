package auth

const (
	// ProviderGoogle names principals authenticated with a Google ID token.
	ProviderGoogle = "google"
	// ProviderSession names principals authenticated with the shared session cookie.
	ProviderSession = "session"
)

// Principal is an authenticated provider login before it is mapped to a canonical user.
type Principal struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Key returns the "provider:subject" identity key.
func (p Principal) Key() string {
	return p.Provider + ":" + p.Subject
}
