package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ratherhq/rather/store"
)

func (d *DB) CreateThread(ctx context.Context, create *store.Thread) (*store.Thread, error) {
	fields := []string{"id", "user_id", "parent_thread_id", "anchor_message_id", "anchor_start", "anchor_end", "title", "summary", "created_ts", "updated_ts"}
	args := []any{create.ID, create.UserID, create.ParentThreadID, create.AnchorMessageID, create.AnchorStart, create.AnchorEnd, create.Title, create.Summary, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO thread (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	return create, nil
}

func (d *DB) ListThreads(ctx context.Context, find *store.FindThread) ([]*store.Thread, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.ParentThreadID != nil {
		where, args = append(where, "parent_thread_id = "+placeholder(len(args)+1)), append(args, *find.ParentThreadID)
	}
	if find.RootOnly {
		where = append(where, "parent_thread_id IS NULL")
	}

	query := `
		SELECT id, user_id, parent_thread_id, anchor_message_id, anchor_start, anchor_end, title, summary, created_ts, updated_ts
		FROM thread
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threads: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateThread(ctx context.Context, update *store.UpdateThread) (*store.Thread, error) {
	set, args := []string{}, []any{}

	if update.Title != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *update.Title)
	}
	if update.Summary != nil {
		set, args = append(set, "summary = "+placeholder(len(args)+1)), append(args, *update.Summary)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE thread SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, user_id, parent_thread_id, anchor_message_id, anchor_start, anchor_end, title, summary, created_ts, updated_ts`

	thread, err := scanThread(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	return thread, nil
}

func (d *DB) DeleteThreads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM thread WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete threads: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*store.Thread, error) {
	thread := &store.Thread{}
	var parentID, anchorMessageID, summary sql.NullString
	var anchorStart, anchorEnd sql.NullInt32

	err := row.Scan(
		&thread.ID, &thread.UserID, &parentID, &anchorMessageID, &anchorStart, &anchorEnd,
		&thread.Title, &summary, &thread.CreatedTs, &thread.UpdatedTs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}

	if parentID.Valid {
		thread.ParentThreadID = &parentID.String
	}
	if anchorMessageID.Valid {
		thread.AnchorMessageID = &anchorMessageID.String
	}
	if anchorStart.Valid {
		thread.AnchorStart = &anchorStart.Int32
	}
	if anchorEnd.Valid {
		thread.AnchorEnd = &anchorEnd.Int32
	}
	if summary.Valid {
		thread.Summary = &summary.String
	}

	return thread, nil
}
