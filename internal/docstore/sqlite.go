package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	querySQLCollection         = "collection = ?"
	querySQLCollectionDocument = "collection = ? AND document_id = ?"
	querySQLFieldEquals        = "json_extract(fields_json, ?) = ?"
	querySQLOtherDocument      = "document_id <> ?"
)

// DocumentRecord is the gorm row backing one document.
type DocumentRecord struct {
	Collection     string `gorm:"column:collection;primaryKey;size:64;not null"`
	DocumentID     string `gorm:"column:document_id;primaryKey;size:190;not null"`
	FieldsJSON     string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

func (r DocumentRecord) document() (Document, error) {
	fields, err := decodeFields(r.FieldsJSON)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", r.Collection, r.DocumentID, err)
	}
	return Document{
		Collection: r.Collection,
		ID:         r.DocumentID,
		Fields:     fields,
		CreateTime: time.Unix(0, r.CreatedAtNanos).UTC(),
		UpdateTime: time.Unix(0, r.UpdatedAtNanos).UTC(),
	}, nil
}

// SQLStore persists documents through gorm. It is used with the SQLite dialect.
type SQLStore struct {
	db *gorm.DB
	*engine
}

// NewSQLStore constructs a gorm-backed store and ensures the documents table exists.
func NewSQLStore(db *gorm.DB, cfg Config) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("docstore: database handle is required")
	}
	core, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, engine: core}, nil
}

// GetDocument loads a single document.
func (s *SQLStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if err := validateAddress(collection, id); err != nil {
		return Document{}, err
	}
	var record DocumentRecord
	err := s.db.WithContext(ctx).Where(querySQLCollectionDocument, collection, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return Document{}, err
	}
	return record.document()
}

// QueryDocuments returns every document matching the query.
func (s *SQLStore) QueryDocuments(ctx context.Context, query Query) ([]Document, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	return s.runQuery(ctx, query)
}

func (s *SQLStore) runQuery(ctx context.Context, query Query) ([]Document, error) {
	statement := s.db.WithContext(ctx).Where(querySQLCollection, query.Collection)
	for _, filter := range query.equalityPushdown() {
		statement = statement.Where(querySQLFieldEquals, jsonPath(filter.Field), filter.Value)
	}
	var records []DocumentRecord
	if err := statement.Find(&records).Error; err != nil {
		return nil, err
	}
	candidates := make([]Document, 0, len(records))
	for _, record := range records {
		document, err := record.document()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, document)
	}
	return query.apply(candidates)
}

// CreateDocument stores a new document under a generated identifier.
func (s *SQLStore) CreateDocument(ctx context.Context, collection string, fields Fields) (Document, error) {
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
func (s *SQLStore) SetDocument(ctx context.Context, collection, id string, fields Fields) (Document, error) {
	return s.write(ctx, collection, id, func(_ *Document, now time.Time) (Fields, error) {
		return normalizeFields(fields, now)
	})
}

// UpdateDocument applies field mutations to an existing document atomically.
func (s *SQLStore) UpdateDocument(ctx context.Context, collection, id string, mutations ...Mutation) (Document, error) {
	return s.write(ctx, collection, id, func(existing *Document, now time.Time) (Fields, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return applyMutations(existing.Fields, mutations, now)
	})
}

// DeleteDocument removes a document.
func (s *SQLStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := validateAddress(collection, id); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where(querySQLCollectionDocument, collection, id).Delete(&DocumentRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	s.changes.publish(collection)
	return nil
}

// Subscribe streams query snapshots after every committed change to the collection.
func (s *SQLStore) Subscribe(ctx context.Context, query Query) (<-chan Snapshot, error) {
	return s.subscribe(ctx, query, s.runQuery)
}

// Close is a no-op; the gorm handle is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

type fieldsBuilder func(existing *Document, now time.Time) (Fields, error)

func (s *SQLStore) write(ctx context.Context, collection, id string, build fieldsBuilder) (Document, error) {
	if err := validateAddress(collection, id); err != nil {
		return Document{}, err
	}

	var written Document
	transactionErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record DocumentRecord
		var existing *Document
		err := tx.Where(querySQLCollectionDocument, collection, id).Take(&record).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			document, decodeErr := record.document()
			if decodeErr != nil {
				return decodeErr
			}
			existing = &document
		}

		now := s.now()
		fields, err := build(existing, now)
		if err != nil {
			return err
		}
		if err := s.validate(collection, fields); err != nil {
			return err
		}
		err = s.checkUnique(collection, fields, func(field, value string) (bool, error) {
			var count int64
			countErr := tx.Model(&DocumentRecord{}).
				Where(querySQLCollection, collection).
				Where(querySQLOtherDocument, id).
				Where(querySQLFieldEquals, jsonPath(field), value).
				Count(&count).Error
			return count > 0, countErr
		})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		createdAt := now
		if existing != nil {
			createdAt = existing.CreateTime
		}
		record = DocumentRecord{
			Collection:     collection,
			DocumentID:     id,
			FieldsJSON:     string(payload),
			CreatedAtNanos: createdAt.UnixNano(),
			UpdatedAtNanos: now.UnixNano(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return err
		}
		written = Document{
			Collection: collection,
			ID:         id,
			Fields:     fields,
			CreateTime: createdAt,
			UpdateTime: now,
		}
		return nil
	})
	if transactionErr != nil {
		return Document{}, transactionErr
	}

	s.changes.publish(collection)
	return written, nil
}

func validateAddress(collection, id string) error {
	if err := validateIdentifier("collection", collection); err != nil {
		return err
	}
	return validateIdentifier("document id", id)
}

func jsonPath(field string) string {
	return "$." + field
}
