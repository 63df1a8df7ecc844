package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"go.uber.org/zap"
)

const defaultListLimit = 100

var (
	// ErrForbidden indicates the caller is not the notification's recipient.
	ErrForbidden = errors.New("notifications: forbidden")
	// ErrNotFound indicates the notification does not exist.
	ErrNotFound = errors.New("notifications: not found")
)

// ServiceError carries a stable code alongside the underlying failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opList        = "notifications.list"
	opSubscribe   = "notifications.subscribe"
	opMarkRead    = "notifications.mark_read"
	opMarkAllRead = "notifications.mark_all_read"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ProfileSource resolves the current profile of a notification sender.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
}

// ServiceConfig describes the notification list dependencies.
type ServiceConfig struct {
	Store     docstore.Store
	Profiles  ProfileSource
	ListLimit int
	Logger    *zap.Logger
}

// Service serves recipients' notification lists.
type Service struct {
	store    docstore.Store
	profiles ProfileSource
	limit    int
	logger   *zap.Logger
}

// NewService constructs the notification list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("notifications: document store required")
	}
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = defaultListLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, profiles: cfg.Profiles, limit: limit, logger: logger}, nil
}

// List returns the user's notifications, newest first, with their senders' current profiles.
func (s *Service) List(ctx context.Context, userID string) ([]Notification, error) {
	documents, err := s.store.QueryDocuments(ctx, s.recipientQuery(userID))
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return s.enrich(ctx, documents), nil
}

// Subscribe streams the user's enriched notification list after every change until ctx ends.
func (s *Service) Subscribe(ctx context.Context, userID string) (<-chan []Notification, error) {
	snapshots, err := s.store.Subscribe(ctx, s.recipientQuery(userID))
	if err != nil {
		s.logError(opSubscribe, "subscribe_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSubscribe, "subscribe_failed", err)
	}
	lists := make(chan []Notification, 1)
	go func() {
		defer close(lists)
		for snapshot := range snapshots {
			enriched := s.enrich(ctx, snapshot.Documents)
			select {
			case lists <- enriched:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lists, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (Notification, error) {
	document, err := s.store.GetDocument(ctx, Collection, notificationID)
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidIdentifier) {
		return Notification{}, newServiceError(opMarkRead, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opMarkRead, "load_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, newServiceError(opMarkRead, "load_failed", err)
	}
	if document.String(fieldToUID) != userID {
		return Notification{}, newServiceError(opMarkRead, "not_recipient", ErrForbidden)
	}
	if !document.Bool(fieldRead) {
		document, err = s.store.UpdateDocument(ctx, Collection, notificationID, docstore.Set(fieldRead, true))
		if err != nil {
			s.logError(opMarkRead, "update_failed", err, zap.String("notification_id", notificationID))
			return Notification{}, newServiceError(opMarkRead, "update_failed", err)
		}
	}
	enriched := s.enrich(ctx, []docstore.Document{document})
	return enriched[0], nil
}

// MarkAllRead marks every unread notification of the user as read and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	documents, err := s.store.QueryDocuments(ctx, docstore.Query{
		Collection: Collection,
		Filters: []docstore.Filter{
			docstore.Where(fieldToUID, docstore.OpEqual, userID),
			docstore.Where(fieldRead, docstore.OpEqual, false),
		},
	})
	if err != nil {
		s.logError(opMarkAllRead, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opMarkAllRead, "query_failed", err)
	}
	updated := 0
	for _, document := range documents {
		if _, err := s.store.UpdateDocument(ctx, Collection, document.ID, docstore.Set(fieldRead, true)); err != nil {
			s.logError(opMarkAllRead, "update_failed", err, zap.String("notification_id", document.ID))
			return updated, newServiceError(opMarkAllRead, "update_failed", err)
		}
		updated++
	}
	return updated, nil
}

func (s *Service) recipientQuery(userID string) docstore.Query {
	return docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Where(fieldToUID, docstore.OpEqual, userID)},
		OrderBy:    []docstore.Order{{Field: fieldCreatedAt, Descending: true}},
		Limit:      s.limit,
	}
}

func (s *Service) enrich(ctx context.Context, documents []docstore.Document) []Notification {
	senders := make(map[string]Sender)
	notifications := make([]Notification, 0, len(documents))
	for _, document := range documents {
		notification := notificationFromDocument(document)
		sender, seen := senders[notification.FromUID]
		if !seen {
			sender = s.lookupSender(ctx, notification.FromUID)
			senders[notification.FromUID] = sender
		}
		notification.From = sender
		notifications = append(notifications, notification)
	}
	return notifications
}

func (s *Service) lookupSender(ctx context.Context, userID string) Sender {
	if s.profiles == nil || userID == "" {
		return Sender{Username: anonymousUsername}
	}
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, users.ErrProfileNotFound) {
			s.logger.Warn("notification sender lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return Sender{Username: anonymousUsername}
	}
	return Sender{Username: profile.Username, ProfilePic: profile.ProfilePic}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notification service error", attrs...)
}
