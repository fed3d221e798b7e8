package store

// User mirrors an identity record from the external auth provider.
// The provider is the source of truth; a row is created here on the
// first authenticated request carrying an unseen subject.
type User struct {
	ID              string
	Email           string
	Name            string
	ThemePreference string
	CreatedTs       int64
	UpdatedTs       int64
}

type UpsertUser struct {
	ID              string
	Email           string
	Name            string
	ThemePreference *string
	Ts              int64
}
