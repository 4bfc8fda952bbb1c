package projector

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, id int64) (*Projection, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, role, version, updated_at from projections where id=$1`, id)
	var p Projection
	if err := row.Scan(&p.ID, &p.Email, &p.Role, &p.Version, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) Upsert(ctx context.Context, p *Projection) error {
	if p.Version == 0 {
		row := s.db.QueryRowContext(ctx,
			`insert into projections(id, email, role, version) values($1,$2,$3,1) returning version, updated_at`,
			p.ID, p.Email, p.Role,
		)
		if err := row.Scan(&p.Version, &p.UpdatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrVersionConflict
			}
			return err
		}
		return nil
	}

	row := s.db.QueryRowContext(ctx,
		`update projections set email=$2, role=$3, version=version+1, updated_at=now()
		 where id=$1 and version=$4 returning version, updated_at`,
		p.ID, p.Email, p.Role, p.Version,
	)
	if err := row.Scan(&p.Version, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return err
	}
	return nil
}
