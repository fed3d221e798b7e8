package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ratherhq/rather/store"
)

func (d *DB) UpsertUser(ctx context.Context, upsert *store.UpsertUser) (*store.User, error) {
	stmt := `
		INSERT INTO "user" (id, email, name, theme_preference, created_ts, updated_ts)
		VALUES (?, ?, ?, COALESCE(?, 'system'), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			theme_preference = COALESCE(?, theme_preference),
			updated_ts = excluded.updated_ts
		RETURNING id, email, name, theme_preference, created_ts, updated_ts`

	user := &store.User{}
	err := d.db.QueryRowContext(ctx, stmt,
		upsert.ID, upsert.Email, upsert.Name, upsert.ThemePreference, upsert.Ts, upsert.Ts, upsert.ThemePreference,
	).Scan(&user.ID, &user.Email, &user.Name, &user.ThemePreference, &user.CreatedTs, &user.UpdatedTs)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

func (d *DB) GetUser(ctx context.Context, id string) (*store.User, error) {
	stmt := `SELECT id, email, name, theme_preference, created_ts, updated_ts FROM "user" WHERE id = ?`

	user := &store.User{}
	err := d.db.QueryRowContext(ctx, stmt, id).Scan(
		&user.ID, &user.Email, &user.Name, &user.ThemePreference, &user.CreatedTs, &user.UpdatedTs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
