package pgdispatch

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

// ErrExclusivityViolated maps the partial unique indexes (one active delivery
// per request, one active assignment per delivery/vehicle) onto a domain
// error. Losing a concurrent dispatch race surfaces as this.
var ErrExclusivityViolated = errors.New("exclusivity constraint violated")

// ErrRequestAlreadyDispatched fires on the request-scoped index: the request
// already feeds a live delivery, so this is a state conflict for the caller,
// not a lost race over one vehicle.
var ErrRequestAlreadyDispatched = errors.New("request already has an active delivery")

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isUniqueViolationOf(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

// jsonOrEmptyList прикрывает jsonb NOT NULL колонки: пустая строка из
// опущенного поля запроса — не валидный JSON, Postgres её отвергнет.
func jsonOrEmptyList(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
