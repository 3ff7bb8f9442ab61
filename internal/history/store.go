// Package history persists one row per backend invocation, so the daemon can
// answer what ran, when, and how it went away.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("invocation not found")
	ErrAlreadyFinished = errors.New("invocation already finished")
)

// Invocation is one dispatched request to a backend helper.
type Invocation struct {
	UUID       string
	Argv0      string
	Request    string
	InProgress bool
	ExitClass  *string
	LineCount  *int
	Started    time.Time
}

// InvocationRow is an Invocation as stored, with its rowid.
type InvocationRow struct {
	Invocation
	ID int
}

// InitDB opens (and if needed creates) the invocation history database.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			argv0 TEXT NOT NULL,
			request TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			exit_class TEXT DEFAULT NULL,
			line_count INTEGER DEFAULT NULL,
			started TIMESTAMP NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Begin records that the invocation identified by 'uuid' has been dispatched.
// Beginning the same uuid twice while still in progress is not an error;
// beginning one that already finished returns ErrAlreadyFinished.
func Begin(ctx context.Context, db *sql.DB, uuid, argv0, request string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM invocations WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invocations (uuid, argv0, request, in_progress, started)
		 VALUES (?,?,?,?,?);`,
		uuid, argv0, request, true, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the terminal exit classification and the number of emitted
// lines for the invocation identified by 'uuid'. Finishing twice returns
// ErrAlreadyFinished.
func Finish(ctx context.Context, db *sql.DB, uuid, exitClass string, lineCount int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM invocations WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE invocations
		 SET
			in_progress = false,
			exit_class = ?,
			line_count = ?
		WHERE uuid = ?;
		`, exitClass, lineCount, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the invocation identified by 'uuid', or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (InvocationRow, error) {
	var r InvocationRow
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, argv0, request, in_progress, exit_class, line_count, started
		 FROM invocations WHERE uuid=?`, uuid,
	)

	err := row.Scan(
		&r.ID,
		&r.UUID,
		&r.Argv0,
		&r.Request,
		&r.InProgress,
		&r.ExitClass,
		&r.LineCount,
		&r.Started,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return InvocationRow{}, ErrNotFound
	case err != nil:
		return InvocationRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns up to limit most recent invocations, newest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]InvocationRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, argv0, request, in_progress, exit_class, line_count, started
		 FROM invocations ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []InvocationRow
	for rows.Next() {
		var r InvocationRow
		err := rows.Scan(
			&r.ID,
			&r.UUID,
			&r.Argv0,
			&r.Request,
			&r.InProgress,
			&r.ExitClass,
			&r.LineCount,
			&r.Started,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the invocation identified by 'uuid', or ErrNotFound.
func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM invocations WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back transaction failed", slog.String("uuid", uuid))
	}
}
