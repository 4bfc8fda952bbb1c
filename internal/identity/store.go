package identity

import "context"

// UserStore manages authoritative principal records.
type UserStore interface {
	// Create persists a new user and assigns its identifier. Returns
	// ErrAlreadyExists when the email is taken.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// RefreshTokenStore manages refresh-token records keyed by opaque value.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// FindByValue returns ErrNotFound for unknown values; expiry is the
	// caller's concern so unknown and expired stay distinguishable.
	FindByValue(ctx context.Context, value string) (*RefreshToken, error)
	Delete(ctx context.Context, value string) error
}
