package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PGUserStore implements UserStore using PostgreSQL.
type PGUserStore struct {
	db *sql.DB
}

var _ UserStore = (*PGUserStore)(nil)

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

func (s *PGUserStore) Create(ctx context.Context, u *User) error {
	roles, _ := json.Marshal(u.Roles)
	row := s.db.QueryRowContext(ctx,
		`insert into users(email, password_hash, roles) values($1,$2,$3) returning id, created_at, updated_at`,
		u.Email, u.PasswordHash, roles,
	)
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *PGUserStore) Find(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, roles, created_at, updated_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, roles, created_at, updated_at from users where email=$1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u     User
		roles []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(roles, &u.Roles)
	return &u, nil
}

// PGRefreshTokenStore implements RefreshTokenStore using PostgreSQL.
type PGRefreshTokenStore struct {
	db *sql.DB
}

var _ RefreshTokenStore = (*PGRefreshTokenStore)(nil)

func NewPGRefreshTokenStore(db *sql.DB) *PGRefreshTokenStore {
	return &PGRefreshTokenStore{db: db}
}

func (s *PGRefreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	row := s.db.QueryRowContext(ctx,
		`insert into refresh_tokens(user_id, token, expires_at) values($1,$2,$3) returning id, created_at`,
		tok.UserID, tok.Token, tok.ExpiresAt,
	)
	return row.Scan(&tok.ID, &tok.CreatedAt)
}

func (s *PGRefreshTokenStore) FindByValue(ctx context.Context, value string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token, expires_at, created_at from refresh_tokens where token=$1`, value)
	var tok RefreshToken
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.Token, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *PGRefreshTokenStore) Delete(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where token=$1`, value)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
