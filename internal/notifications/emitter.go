// Package notifications creates notification documents for qualifying engagement
// actions and serves each recipient's notification list.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// EmitterConfig describes the emitter's collaborators.
type EmitterConfig struct {
	Store  docstore.Store
	Logger *zap.Logger
}

// Emitter writes exactly one notification document per qualifying event.
type Emitter struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewEmitter constructs an Emitter.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if cfg.Store == nil {
		return nil, errors.New("notifications: document store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Emitter{store: cfg.Store, logger: logger}, nil
}

// Emit records the event for its recipient and returns the new notification id. Self-notifications
// and malformed events are dropped. Store failures are logged and reported as ok=false; they are
// never retried.
func (e *Emitter) Emit(ctx context.Context, event Event) (string, bool) {
	event.FromUID = strings.TrimSpace(event.FromUID)
	event.ToUID = strings.TrimSpace(event.ToUID)
	if err := validateEvent(event); err != nil {
		e.logger.Warn("notification dropped", zap.String("reason", "invalid_event"), zap.Error(err))
		return "", false
	}
	if event.FromUID == event.ToUID {
		e.logger.Debug("notification dropped",
			zap.String("reason", "self_notification"),
			zap.String("type", string(event.Type)),
			zap.String("user_id", event.FromUID))
		return "", false
	}

	document, err := e.store.CreateDocument(ctx, Collection, event.fields())
	if err != nil {
		e.logger.Error("notification write failed",
			zap.String("operation", "notifications.emit"),
			zap.String("type", string(event.Type)),
			zap.String("from_uid", event.FromUID),
			zap.String("to_uid", event.ToUID),
			zap.String("post_id", event.PostID),
			zap.Error(err))
		return "", false
	}
	return document.ID, true
}

func validateEvent(event Event) error {
	switch event.Type {
	case TypeLike, TypeComment, TypeFollow:
	default:
		return fmt.Errorf("unknown notification type %q", event.Type)
	}
	if event.FromUID == "" || event.ToUID == "" {
		return errors.New("sender and recipient are required")
	}
	if event.Type != TypeFollow && event.PostID == "" {
		return fmt.Errorf("%s notification requires a post id", event.Type)
	}
	return nil
}
