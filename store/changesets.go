package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harborai/skiff/changeset"
)

// LoadChangeSets returns the conversation's change set history. A missing
// document reads as empty history.
func (s *Store) LoadChangeSets(spaceID, conversationID string) ([]changeset.ChangeSet, error) {
	var doc ChangeSetDoc
	err := withRetry(func() error {
		return s.db.WithContext(context.Background()).
			Where("space_id = ? AND conversation_id = ?", spaceID, conversationID).
			First(&doc).Error
	}, 3)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change set document: %w", err)
	}

	var sets []changeset.ChangeSet
	if err := json.Unmarshal([]byte(doc.Document), &sets); err != nil {
		return nil, fmt.Errorf("failed to decode change set document: %w", err)
	}
	return sets, nil
}

// SaveChangeSets replaces the conversation's change set history. Callers
// serialize accept/rollback per conversation, so last-write-wins here is
// safe.
func (s *Store) SaveChangeSets(spaceID, conversationID string, sets []changeset.ChangeSet) error {
	if sets == nil {
		sets = []changeset.ChangeSet{}
	}
	data, err := json.Marshal(sets)
	if err != nil {
		return fmt.Errorf("failed to encode change set document: %w", err)
	}
	return withRetry(func() error {
		return s.db.WithContext(context.Background()).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&ChangeSetDoc{}).
				Where("space_id = ? AND conversation_id = ?", spaceID, conversationID).
				Updates(map[string]interface{}{
					"document":   string(data),
					"updated_at": time.Now().UTC(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				doc := ChangeSetDoc{
					SpaceID:        spaceID,
					ConversationID: conversationID,
					Document:       string(data),
				}
				return tx.Create(&doc).Error
			}
			return nil
		})
	}, 3)
}
