package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Run calls fn with queries bound to a fresh transaction. The transaction commits when fn
// returns nil and rolls back on an error or a panic.
func Run[Q any](ctx context.Context, db *sql.DB, bind func(*sql.Tx) *Q, fn func(q *Q) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(bind(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
