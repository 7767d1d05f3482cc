package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCurrentTerm reads the single voting-term row.
func (q *Queries) GetCurrentTerm(ctx context.Context) (int64, Status, error) {
	var term int64
	err := q.db.QueryRow(ctx, `SELECT term FROM repmgr.voting_term`).Scan(&term)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, StatusNotFound, nil
	}
	if err != nil {
		return 0, StatusError, fmt.Errorf("read voting term: %w", err)
	}
	return term, StatusFound, nil
}

// InitializeVotingTerm resets the term table to a single row at term 1.
func (q *Queries) InitializeVotingTerm(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `TRUNCATE TABLE repmgr.voting_term`); err != nil {
		return fmt.Errorf("initialize voting term: %w", err)
	}
	if _, err := q.db.Exec(ctx, `INSERT INTO repmgr.voting_term (term) VALUES (1)`); err != nil {
		return fmt.Errorf("initialize voting term: %w", err)
	}
	return nil
}

// IncrementCurrentTerm bumps the term and returns the new value. Concurrent
// initiators serialise on the row; the loser observes a higher term than it
// expected and must abort its ballot.
func (q *Queries) IncrementCurrentTerm(ctx context.Context) (int64, error) {
	var term int64
	err := q.db.QueryRow(ctx,
		`UPDATE repmgr.voting_term SET term = term + 1 RETURNING term`).Scan(&term)
	if err != nil {
		return 0, fmt.Errorf("increment voting term: %w", err)
	}
	return term, nil
}
