package store

// Role identifies the author of a message turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a thread. Content is immutable once committed;
// Position is the zero-based, gapless ordinal within the owning thread.
type Message struct {
	ID        string
	ThreadID  string
	Role      Role
	Content   string
	Position  int32
	CreatedTs int64
}

type FindMessage struct {
	ID       *string
	ThreadID *string
}
