package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/inboxpilot/inboxpilot/internal/models"
)

type KnowledgeStore struct {
	db *sql.DB
}

func NewKnowledgeStore(db *sql.DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

func (s *KnowledgeStore) ListActiveKnowledgeByUserID(ctx context.Context, userID int64) ([]models.KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, public_id, user_id, title, content, category, tags, is_active, created_at, updated_at
		 FROM knowledge_items
		 WHERE user_id = $1 AND is_active
		 ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.KnowledgeItem
	for rows.Next() {
		var (
			item models.KnowledgeItem
			tags pq.StringArray
		)
		if err := rows.Scan(
			&item.ID, &item.PublicID, &item.UserID, &item.Title, &item.Content,
			&item.Category, &tags, &item.Active, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Tags = tags
		items = append(items, item)
	}
	return items, rows.Err()
}
