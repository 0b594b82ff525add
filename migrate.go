package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migration is one named schema step. Names are recorded in the
// sessions_db_version table so each step runs at most once per database.
type migration struct {
	Name string
	SQL  string
}

// migrationDialect carries the placeholder-specific statements the runner
// needs against the version table (lib/pq uses $n, sqlite uses ?).
type migrationDialect struct {
	createVersionTable string
	selectApplied      string
	insertApplied      string
}

func applyMigrations(ctx context.Context, db *sql.DB, d migrationDialect, migrations []migration) error {
	if _, err := db.ExecContext(ctx, d.createVersionTable); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}

	for _, mig := range migrations {
		var found int
		err := db.QueryRowContext(ctx, d.selectApplied, mig.Name).Scan(&found)
		switch {
		case err == sql.ErrNoRows:
			// Not applied yet.
		case err != nil:
			return fmt.Errorf("check migration %s: %w", mig.Name, err)
		default:
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", mig.Name, err)
		}

		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			// Tolerate DDL that predates the version table, e.g. a schema
			// created by an earlier release of this library.
			if !isAlreadyExistsError(err) {
				tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", mig.Name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, d.insertApplied, mig.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", mig.Name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", mig.Name, err)
		}
	}

	return nil
}

func isAlreadyExistsError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}
