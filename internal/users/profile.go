package users

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CollectionUsers stores one profile per canonical user id.
const CollectionUsers = "users"

const (
	FieldUsername    = "username"
	FieldUsernameKey = "usernameKey"
	FieldEmail       = "email"
	FieldBio         = "bio"
	FieldProfilePic  = "profilePic"
	FieldFollowers   = "followers"
	FieldFollowing   = "following"
	FieldCreatedAt   = "createdAt"
)

const (
	minUsernameLength = 2
	maxUsernameLength = 32
	maxBioLength      = 500
)

// Profile is the public user profile document.
type Profile struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Bio        string    `json:"bio"`
	ProfilePic string    `json:"profilePic"`
	Followers  []string  `json:"followers"`
	Following  []string  `json:"following"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FollowedBy reports whether userID is in the profile's followers.
func (p Profile) FollowedBy(userID string) bool {
	return contains(p.Followers, userID)
}

// Follows reports whether the profile owner follows userID.
func (p Profile) Follows(userID string) bool {
	return contains(p.Following, userID)
}

// Clone returns a copy that shares no slices with p.
func (p Profile) Clone() Profile {
	p.Followers = append([]string{}, p.Followers...)
	p.Following = append([]string{}, p.Following...)
	return p
}

// ProfileFromDocument decodes a users document.
func ProfileFromDocument(document docstore.Document) Profile {
	return Profile{
		ID:         document.ID,
		Username:   document.String(FieldUsername),
		Email:      document.String(FieldEmail),
		Bio:        document.String(FieldBio),
		ProfilePic: document.String(FieldProfilePic),
		Followers:  nonNil(document.Strings(FieldFollowers)),
		Following:  nonNil(document.Strings(FieldFollowing)),
		CreatedAt:  document.Timestamp(FieldCreatedAt),
	}
}

// UsernameKey folds a username into its case-insensitive uniqueness key.
func UsernameKey(username string) string {
	// a Caser carries state and cannot be shared across goroutines
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(username)))
}

func validUsername(username string) bool {
	length := utf8.RuneCountInString(username)
	if length < minUsernameLength || length > maxUsernameLength {
		return false
	}
	for _, r := range username {
		if !usernameRune(r) {
			return false
		}
	}
	return true
}

func usernameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-'
}

// usernameBase derives a username candidate from a display name or an email address.
func usernameBase(principalName, email string) string {
	candidates := []string{principalName}
	if local, _, found := strings.Cut(email, "@"); found {
		candidates = append(candidates, local)
	}
	for _, candidate := range candidates {
		var builder strings.Builder
		for _, r := range norm.NFKC.String(strings.TrimSpace(candidate)) {
			switch {
			case usernameRune(r):
				builder.WriteRune(r)
			case unicode.IsSpace(r):
				builder.WriteRune('_')
			}
		}
		base := strings.Trim(builder.String(), "_.-")
		if utf8.RuneCountInString(base) > maxUsernameLength-4 {
			base = string([]rune(base)[:maxUsernameLength-4])
		}
		if utf8.RuneCountInString(base) >= minUsernameLength {
			return base
		}
	}
	return "user"
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
