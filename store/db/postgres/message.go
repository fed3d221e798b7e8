package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/ratherhq/rather/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	// Position is computed inside the insert so the count-then-write step
	// is a single statement against the store.
	stmt := `
		INSERT INTO message (id, thread_id, role, content, position, created_ts)
		VALUES ($1, $2, $3, $4, (SELECT COUNT(*) FROM message WHERE thread_id = $2), $5)
		RETURNING position`

	err := d.db.QueryRowContext(ctx, stmt,
		create.ID, create.ThreadID, create.Role, create.Content, create.CreatedTs,
	).Scan(&create.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *find.ThreadID)
	}

	query := `
		SELECT id, thread_id, role, content, position, created_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY position ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		msg := &store.Message{}
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.Position, &msg.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return list, nil
}

func (d *DB) CountMessages(ctx context.Context, threadID string) (int32, error) {
	var count int32
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message WHERE thread_id = $1`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
