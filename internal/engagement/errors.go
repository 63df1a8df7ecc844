package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
)

var (
	// ErrAuthorization indicates the acting user may not perform the action.
	ErrAuthorization = errors.New("engagement: not authorized")
	// ErrValidation indicates malformed input; no remote call was made.
	ErrValidation = errors.New("engagement: invalid input")
	// ErrNotFound indicates the addressed post or profile does not exist.
	ErrNotFound = errors.New("engagement: not found")
	// ErrRemote indicates a retryable document store failure. Local state was rolled back.
	ErrRemote = errors.New("engagement: remote call failed")
	// ErrPartialFollow indicates the follower side of a follow could not be written and the
	// following side was compensated. It also matches ErrRemote.
	ErrPartialFollow = errors.New("engagement: follow relationship not converged")
)

// ServiceError carries a stable code, its error kinds and the underlying cause.
type ServiceError struct {
	code  string
	kinds []error
	err   error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kinds[0])
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kinds[0], e.err)
}

func (e *ServiceError) Unwrap() []error {
	unwrapped := append([]error{}, e.kinds...)
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the "engagement.<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

// Retryable reports whether the caller may retry the operation unchanged.
func (e *ServiceError) Retryable() bool {
	for _, kind := range e.kinds {
		if kind == ErrRemote {
			return true
		}
	}
	return false
}

const (
	opToggleLike        = "engagement.toggle_like"
	opAddComment        = "engagement.add_comment"
	opDeletePost        = "engagement.delete_post"
	opToggleFollow      = "engagement.toggle_follow"
	opLoadFeed          = "engagement.load_feed"
	opLoadProfilePosts  = "engagement.load_profile_posts"
	opLoadProfile       = "engagement.load_profile"
	opCreatePost        = "engagement.create_post"
	opLoadNotifications = "engagement.load_notifications"
)

func newServiceError(operation, reason string, cause error, kinds ...error) error {
	return &ServiceError{code: operation + "." + reason, kinds: kinds, err: cause}
}

// classify maps a document store failure onto an error kind.
func classify(err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, docstore.ErrInvalidIdentifier):
		return ErrNotFound
	case errors.Is(err, docstore.ErrInvalidDocument), errors.Is(err, docstore.ErrInvalidMutation):
		return ErrValidation
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return ErrRemote
	}
}

func reasonFor(kind error) string {
	switch kind {
	case ErrNotFound:
		return "not_found"
	case ErrValidation:
		return "rejected"
	case context.Canceled:
		return "canceled"
	default:
		return "remote_failed"
	}
}
