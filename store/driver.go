package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for the database access layer.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	UpsertUser(ctx context.Context, upsert *UpsertUser) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	CreateThread(ctx context.Context, create *Thread) (*Thread, error)
	ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error)
	UpdateThread(ctx context.Context, update *UpdateThread) (*Thread, error)
	// DeleteThreads removes the given thread rows; messages go with them
	// via the ON DELETE CASCADE foreign key.
	DeleteThreads(ctx context.Context, ids []string) error

	// CreateMessage inserts a message, assigning Position inside the same
	// statement as the current message count of the thread.
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	CountMessages(ctx context.Context, threadID string) (int32, error)
}
