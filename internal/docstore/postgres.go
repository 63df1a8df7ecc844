package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	postgresChangeChannel   = "murmur_document_changes"
	postgresListenRetry     = time.Second
	postgresSchemaStatement = `
CREATE TABLE IF NOT EXISTS documents (
	collection    TEXT   NOT NULL,
	document_id   TEXT   NOT NULL,
	fields        JSONB  NOT NULL,
	created_at_ns BIGINT NOT NULL,
	updated_at_ns BIGINT NOT NULL,
	PRIMARY KEY (collection, document_id)
)`
	postgresSelectForUpdate = `SELECT fields::text, created_at_ns, updated_at_ns FROM documents WHERE collection = $1 AND document_id = $2 FOR UPDATE`
	postgresSelectOne       = `SELECT fields::text, created_at_ns, updated_at_ns FROM documents WHERE collection = $1 AND document_id = $2`
	postgresUpsert          = `
INSERT INTO documents (collection, document_id, fields, created_at_ns, updated_at_ns)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (collection, document_id)
DO UPDATE SET fields = EXCLUDED.fields, updated_at_ns = EXCLUDED.updated_at_ns`
	postgresUniqueExists = `SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND document_id <> $2 AND fields->>$3 = $4)`
	postgresDelete       = `DELETE FROM documents WHERE collection = $1 AND document_id = $2`
	postgresLockUnique   = `SELECT pg_advisory_xact_lock(hashtext($1))`
	postgresNotify       = `SELECT pg_notify($1, $2)`
)

// PostgresStore persists documents as JSONB rows and propagates change signals across
// processes with LISTEN/NOTIFY.
type PostgresStore struct {
	pool *pgxpool.Pool
	*engine

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}
	closed       bool
}

// NewPostgresStore constructs a Postgres-backed store and ensures the documents table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("docstore: postgres pool is required")
	}
	core, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchemaStatement); err != nil {
		return nil, fmt.Errorf("docstore: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, engine: core}, nil
}

// GetDocument loads a single document.
func (s *PostgresStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if err := validateAddress(collection, id); err != nil {
		return Document{}, err
	}
	var payload string
	var createdAt, updatedAt int64
	err := s.pool.QueryRow(ctx, postgresSelectOne, collection, id).Scan(&payload, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return Document{}, err
	}
	return postgresDocument(collection, id, payload, createdAt, updatedAt)
}

// QueryDocuments returns every document matching the query.
func (s *PostgresStore) QueryDocuments(ctx context.Context, query Query) ([]Document, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	return s.runQuery(ctx, query)
}

func (s *PostgresStore) runQuery(ctx context.Context, query Query) ([]Document, error) {
	var statement strings.Builder
	statement.WriteString(`SELECT document_id, fields::text, created_at_ns, updated_at_ns FROM documents WHERE collection = $1`)
	args := []any{query.Collection}
	for _, filter := range query.equalityPushdown() {
		args = append(args, filter.Field, filter.Value)
		fmt.Fprintf(&statement, " AND fields->>$%d = $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, statement.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]Document, 0)
	for rows.Next() {
		var id, payload string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		document, err := postgresDocument(query.Collection, id, payload, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, document)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return query.apply(candidates)
}

// CreateDocument stores a new document under a generated identifier.
func (s *PostgresStore) CreateDocument(ctx context.Context, collection string, fields Fields) (Document, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Document{}, err
	}
	return s.write(ctx, collection, id, func(existing *Document, now time.Time) (Fields, error) {
		if existing != nil {
			return nil, fmt.Errorf("%w: generated id %s already exists", ErrInvalidIdentifier, id)
		}
		return normalizeFields(fields, now)
	})
}

// SetDocument creates or fully replaces the document with the given identifier.
func (s *PostgresStore) SetDocument(ctx context.Context, collection, id string, fields Fields) (Document, error) {
	return s.write(ctx, collection, id, func(_ *Document, now time.Time) (Fields, error) {
		return normalizeFields(fields, now)
	})
}

// UpdateDocument applies field mutations to an existing document atomically.
func (s *PostgresStore) UpdateDocument(ctx context.Context, collection, id string, mutations ...Mutation) (Document, error) {
	return s.write(ctx, collection, id, func(existing *Document, now time.Time) (Fields, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return applyMutations(existing.Fields, mutations, now)
	})
}

// DeleteDocument removes a document.
func (s *PostgresStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := validateAddress(collection, id); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, postgresDelete, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if _, err := tx.Exec(ctx, postgresNotify, postgresChangeChannel, collection); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Subscribe streams query snapshots after every committed change to the collection,
// including changes committed by other processes sharing the database.
func (s *PostgresStore) Subscribe(ctx context.Context, query Query) (<-chan Snapshot, error) {
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, query, s.runQuery)
}

// Close stops the change listener. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	s.listenMu.Lock()
	cancel, done := s.listenCancel, s.listenDone
	s.closed = true
	s.listenMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *PostgresStore) ensureListener() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listenCancel == nil {
		s.startListener()
	}
	return nil
}

func (s *PostgresStore) write(ctx context.Context, collection, id string, build fieldsBuilder) (Document, error) {
	if err := validateAddress(collection, id); err != nil {
		return Document{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.hasUniqueFields(collection) {
		// serializes writers of collections with unique fields so the existence check holds
		if _, err := tx.Exec(ctx, postgresLockUnique, collection); err != nil {
			return Document{}, err
		}
	}

	var existing *Document
	var payload string
	var createdAtNanos, updatedAtNanos int64
	err = tx.QueryRow(ctx, postgresSelectForUpdate, collection, id).Scan(&payload, &createdAtNanos, &updatedAtNanos)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Document{}, err
	default:
		document, decodeErr := postgresDocument(collection, id, payload, createdAtNanos, updatedAtNanos)
		if decodeErr != nil {
			return Document{}, decodeErr
		}
		existing = &document
	}

	now := s.now()
	fields, err := build(existing, now)
	if err != nil {
		return Document{}, err
	}
	if err := s.validate(collection, fields); err != nil {
		return Document{}, err
	}
	err = s.checkUnique(collection, fields, func(field, value string) (bool, error) {
		var exists bool
		scanErr := tx.QueryRow(ctx, postgresUniqueExists, collection, id, field, value).Scan(&exists)
		return exists, scanErr
	})
	if err != nil {
		return Document{}, err
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return Document{}, err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreateTime
	}
	if _, err := tx.Exec(ctx, postgresUpsert, collection, id, string(encoded), createdAt.UnixNano(), now.UnixNano()); err != nil {
		return Document{}, err
	}
	if _, err := tx.Exec(ctx, postgresNotify, postgresChangeChannel, collection); err != nil {
		return Document{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Document{}, err
	}

	return Document{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		CreateTime: createdAt,
		UpdateTime: now,
	}, nil
}

// startListener must be called with listenMu held.
func (s *PostgresStore) startListener() {
	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go func() {
		defer close(s.listenDone)
		for listenCtx.Err() == nil {
			if err := s.listen(listenCtx); err != nil && listenCtx.Err() == nil {
				s.logger.Warn("document change listener failed", zap.Error(err))
				select {
				case <-time.After(postgresListenRetry):
				case <-listenCtx.Done():
				}
			}
		}
	}()
}

func (s *PostgresStore) listen(ctx context.Context) error {
	connection, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer connection.Release()

	if _, err := connection.Exec(ctx, "LISTEN "+postgresChangeChannel); err != nil {
		return err
	}
	for {
		notification, err := connection.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.changes.publish(notification.Payload)
	}
}

func postgresDocument(collection, id, payload string, createdAtNanos, updatedAtNanos int64) (Document, error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return Document{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		CreateTime: time.Unix(0, createdAtNanos).UTC(),
		UpdateTime: time.Unix(0, updatedAtNanos).UTC(),
	}, nil
}
