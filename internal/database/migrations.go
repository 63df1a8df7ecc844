package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPostArrays = "2024-06-01_backfill_post_engagement_arrays"
	migrationAssignCommentIDs   = "2024-06-20_assign_comment_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPostArrays, apply: backfillPostArrays},
		{name: migrationAssignCommentIDs, apply: assignCommentIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPostArrays gives posts written before likes and comments were mandatory empty arrays.
func backfillPostArrays(db *gorm.DB) error {
	for _, field := range []string{"likes", "comments"} {
		path := "$." + field
		err := db.Model(&docstore.DocumentRecord{}).
			Where("collection = ? AND json_type(fields_json, ?) IS NULL", "posts", path).
			Update("fields_json", gorm.Expr("json_set(fields_json, ?, json('[]'))", path)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// assignCommentIDs gives legacy comments a stable identifier so equal texts stay distinct.
func assignCommentIDs(db *gorm.DB) error {
	var records []docstore.DocumentRecord
	if err := db.Where("collection = ?", "posts").Find(&records).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			var fields map[string]any
			if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
				return err
			}
			comments, _ := fields["comments"].([]any)
			changed := false
			for _, raw := range comments {
				comment, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if id, _ := comment["id"].(string); id != "" {
					continue
				}
				identifier, err := uuid.NewV7()
				if err != nil {
					return err
				}
				comment["id"] = identifier.String()
				changed = true
			}
			if !changed {
				continue
			}
			payload, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			err = tx.Model(&docstore.DocumentRecord{}).
				Where("collection = ? AND document_id = ?", record.Collection, record.DocumentID).
				Update("fields_json", string(payload)).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
