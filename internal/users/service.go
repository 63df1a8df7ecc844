package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"go.uber.org/zap"
)

const (
	maxUsernameAttempts = 20
	defaultSearchLimit  = 20
	maxSearchLimit      = 50
)

var (
	// ErrInvalidIdentity indicates the principal did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates the requested profile does not exist.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrUsernameTaken indicates another profile already uses the username.
	ErrUsernameTaken = errors.New("users: username taken")
	// ErrInvalidProfile indicates a profile update failed validation.
	ErrInvalidProfile = errors.New("users: invalid profile")
)

// ServiceConfig describes the dependencies required for user identity and profile management.
type ServiceConfig struct {
	Store      docstore.Store
	Clock      func() time.Time
	IDProvider docstore.IDProvider
	Logger     *zap.Logger
}

// Service manages canonical user identifiers, provider identities and profiles.
type Service struct {
	store  docstore.Store
	now    func() time.Time
	ids    docstore.IDProvider
	logger *zap.Logger
	cache  sync.Map
}

// ProfileUpdate lists the profile fields a user may edit. Nil fields are left unchanged.
type ProfileUpdate struct {
	Username   *string `json:"username"`
	Bio        *string `json:"bio"`
	ProfilePic *string `json:"profilePic"`
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: document store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = docstore.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		now:    clock,
		ids:    ids,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provider login.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, principal auth.Principal) (string, error) {
	principal.Provider = normalize(principal.Provider)
	principal.Subject = normalize(principal.Subject)
	if principal.Provider == "" || principal.Subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := principal.Key()
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	document, err := s.store.GetDocument(ctx, CollectionIdentities, cacheKey)
	var identity Identity
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		userID, idErr := s.ids.NewID()
		if idErr != nil {
			return "", idErr
		}
		identity = Identity{
			Provider:    principal.Provider,
			Subject:     principal.Subject,
			UserID:      userID,
			Email:       normalize(principal.Email),
			DisplayName: normalize(principal.DisplayName),
			AvatarURL:   normalize(principal.AvatarURL),
			LastSeenAt:  s.now(),
		}
		if _, err := s.store.SetDocument(ctx, CollectionIdentities, cacheKey, identity.fields()); err != nil {
			return "", err
		}
		s.logger.Info("identity created", zap.String("identity", cacheKey), zap.String("user_id", userID))
	case err != nil:
		return "", err
	default:
		identity = identityFromDocument(document)
		if identity.UserID == "" {
			return "", ErrInvalidIdentity
		}
		mutations := []docstore.Mutation{docstore.Set("lastSeenAt", docstore.FormatTimestamp(s.now()))}
		if email := normalize(principal.Email); email != "" && email != identity.Email {
			mutations = append(mutations, docstore.Set("email", email))
		}
		if display := normalize(principal.DisplayName); display != "" && display != identity.DisplayName {
			mutations = append(mutations, docstore.Set("displayName", display))
		}
		if avatar := normalize(principal.AvatarURL); avatar != "" && avatar != identity.AvatarURL {
			mutations = append(mutations, docstore.Set("avatarUrl", avatar))
		}
		if _, err := s.store.UpdateDocument(ctx, CollectionIdentities, cacheKey, mutations...); err != nil {
			s.logger.Warn("identity refresh failed", zap.String("identity", cacheKey), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// EnsureProfile returns the user's profile, creating it on first login. The username is derived
// from the display name or the email local part and suffixed until it is unique.
func (s *Service) EnsureProfile(ctx context.Context, userID string, principal auth.Principal) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	existing, err := s.GetProfile(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}

	base := usernameBase(principal.DisplayName, principal.Email)
	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		username := base
		if attempt > 0 {
			username = base + strconv.Itoa(attempt+1)
		}
		document, err := s.store.SetDocument(ctx, CollectionUsers, userID, docstore.Fields{
			FieldUsername:    username,
			FieldUsernameKey: UsernameKey(username),
			FieldEmail:       normalize(principal.Email),
			FieldBio:         "",
			FieldProfilePic:  normalize(principal.AvatarURL),
			FieldFollowers:   []string{},
			FieldFollowing:   []string{},
			FieldCreatedAt:   docstore.ServerTimestamp,
		})
		if errors.Is(err, docstore.ErrUniqueViolation) {
			continue
		}
		if err != nil {
			return Profile{}, err
		}
		s.logger.Info("profile created", zap.String("user_id", userID), zap.String("username", username))
		return ProfileFromDocument(document), nil
	}
	return Profile{}, fmt.Errorf("%w: no free username for %q", ErrUsernameTaken, base)
}

// GetProfile loads a profile by canonical user id.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	document, err := s.store.GetDocument(ctx, CollectionUsers, userID)
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidIdentifier) {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if err != nil {
		return Profile{}, err
	}
	return ProfileFromDocument(document), nil
}

// UpdateProfile edits the caller's own profile.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	mutations := make([]docstore.Mutation, 0, 4)
	if update.Username != nil {
		username := strings.TrimSpace(*update.Username)
		if !validUsername(username) {
			return Profile{}, fmt.Errorf("%w: username must be %d-%d letters, digits, '.', '_' or '-'", ErrInvalidProfile, minUsernameLength, maxUsernameLength)
		}
		mutations = append(mutations, docstore.Set(FieldUsername, username), docstore.Set(FieldUsernameKey, UsernameKey(username)))
	}
	if update.Bio != nil {
		bio := strings.TrimSpace(*update.Bio)
		if utf8.RuneCountInString(bio) > maxBioLength {
			return Profile{}, fmt.Errorf("%w: bio exceeds %d characters", ErrInvalidProfile, maxBioLength)
		}
		mutations = append(mutations, docstore.Set(FieldBio, bio))
	}
	if update.ProfilePic != nil {
		mutations = append(mutations, docstore.Set(FieldProfilePic, strings.TrimSpace(*update.ProfilePic)))
	}
	if len(mutations) == 0 {
		return s.GetProfile(ctx, userID)
	}

	document, err := s.store.UpdateDocument(ctx, CollectionUsers, userID, mutations...)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	case errors.Is(err, docstore.ErrUniqueViolation):
		return Profile{}, ErrUsernameTaken
	case errors.Is(err, docstore.ErrInvalidDocument):
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	case err != nil:
		return Profile{}, err
	}
	return ProfileFromDocument(document), nil
}

// LookupByUsername finds the profile owning the username, ignoring case.
func (s *Service) LookupByUsername(ctx context.Context, username string) (Profile, error) {
	key := UsernameKey(username)
	if key == "" {
		return Profile{}, fmt.Errorf("%w: empty username", ErrProfileNotFound)
	}
	documents, err := s.store.QueryDocuments(ctx, docstore.Query{
		Collection: CollectionUsers,
		Filters:    []docstore.Filter{docstore.Where(FieldUsernameKey, docstore.OpEqual, key)},
		Limit:      1,
	})
	if err != nil {
		return Profile{}, err
	}
	if len(documents) == 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, username)
	}
	return ProfileFromDocument(documents[0]), nil
}

// SearchByUsernamePrefix lists profiles whose username starts with prefix, ignoring case.
func (s *Service) SearchByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]Profile, error) {
	key := UsernameKey(prefix)
	if key == "" {
		return []Profile{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	documents, err := s.store.QueryDocuments(ctx, docstore.Query{
		Collection: CollectionUsers,
		Filters: []docstore.Filter{
			docstore.Where(FieldUsernameKey, docstore.OpPrefix, key),
		},
		OrderBy: []docstore.Order{{Field: FieldUsernameKey}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(documents))
	for _, document := range documents {
		profiles = append(profiles, ProfileFromDocument(document))
	}
	return profiles, nil
}

// ListProfiles loads the profiles for ids in order, skipping ids without a profile.
func (s *Service) ListProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		profile, err := s.GetProfile(ctx, id)
		if errors.Is(err, ErrProfileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}
