package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the document-store capability consumed by the domain services.
type Store interface {
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	QueryDocuments(ctx context.Context, query Query) ([]Document, error)
	CreateDocument(ctx context.Context, collection string, fields Fields) (Document, error)
	SetDocument(ctx context.Context, collection, id string, fields Fields) (Document, error)
	UpdateDocument(ctx context.Context, collection, id string, mutations ...Mutation) (Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, query Query) (<-chan Snapshot, error)
	Close() error
}

// Snapshot is the full result of a subscribed query at a point in time.
type Snapshot struct {
	Documents []Document
	ReadTime  time.Time
}

// Validator checks complete documents before they are written.
type Validator interface {
	ValidateDocument(collection string, fields Fields) error
}

// UniqueField declares a string field whose non-empty values must be unique within a collection.
type UniqueField struct {
	Collection string
	Field      string
}

// IDProvider issues document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Config bundles the collaborators shared by every backend.
type Config struct {
	Clock        func() time.Time
	IDProvider   IDProvider
	Validator    Validator
	UniqueFields []UniqueField
	Logger       *zap.Logger
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// engine holds backend-independent write preparation, validation and change fan-out.
type engine struct {
	clock     func() time.Time
	ids       IDProvider
	validator Validator
	unique    map[string][]string
	logger    *zap.Logger
	changes   *changeFeed
}

func newEngine(cfg Config) (*engine, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	unique := make(map[string][]string)
	for _, field := range cfg.UniqueFields {
		if err := validateIdentifier("collection", field.Collection); err != nil {
			return nil, err
		}
		if err := validateFieldName(field.Field); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		unique[field.Collection] = append(unique[field.Collection], field.Field)
	}
	return &engine{
		clock:     clock,
		ids:       ids,
		validator: cfg.Validator,
		unique:    unique,
		logger:    logger,
		changes:   newChangeFeed(),
	}, nil
}

func (e *engine) now() time.Time {
	return e.clock().UTC()
}

func (e *engine) validate(collection string, fields Fields) error {
	if e.validator == nil {
		return nil
	}
	if err := e.validator.ValidateDocument(collection, fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// checkUnique reports ErrUniqueViolation when exists returns true for any declared unique field.
func (e *engine) checkUnique(collection string, fields Fields, exists func(field, value string) (bool, error)) error {
	for _, field := range e.unique[collection] {
		value, ok := fields[field].(string)
		if !ok || value == "" {
			continue
		}
		taken, err := exists(field, value)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s.%s", ErrUniqueViolation, collection, field)
		}
	}
	return nil
}

func (e *engine) hasUniqueFields(collection string) bool {
	return len(e.unique[collection]) > 0
}

// subscribe runs query on registration and after every change to its collection until ctx ends.
func (e *engine) subscribe(ctx context.Context, query Query, run func(context.Context, Query) ([]Document, error)) (<-chan Snapshot, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	signals, cancel := e.changes.register(query.Collection)
	snapshots := make(chan Snapshot, 1)

	go func() {
		defer close(snapshots)
		defer cancel()
		for {
			documents, err := run(ctx, query)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("subscription query failed",
					zap.String("collection", query.Collection),
					zap.Error(err))
			} else {
				select {
				case snapshots <- Snapshot{Documents: documents, ReadTime: e.now()}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-signals:
			case <-ctx.Done():
				return
			}
		}
	}()
	return snapshots, nil
}
