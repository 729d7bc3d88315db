package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a staged merge into one table: rows are copied into a
// transaction-scoped temp table and merged with INSERT ... ON CONFLICT.
type Upsert struct {
	Table   string   // target, optionally schema-qualified ("onemap.poles")
	Columns []string // columns supplied by every row, in row order
	Keys    []string // the unique constraint to merge on
	// Update lists the columns overwritten on conflict. Nil updates every
	// non-key column; an empty slice with no Touch keeps existing rows as is.
	Update []string
	Touch  []string // columns set to now() when a row is merged
}

func (u Upsert) validate() error {
	switch {
	case u.Table == "":
		return eris.New("db: upsert: no table specified")
	case len(u.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(u.Keys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// Staging returns the temp table name used for u.
func (u Upsert) Staging() string {
	return "_stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

// Exec stages rows and merges them into u.Table inside tx, returning the
// number of rows inserted or updated. The staging table is dropped on commit.
func (u Upsert) Exec(ctx context.Context, tx pgx.Tx, rows [][]any) (int64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	staging := pgx.Identifier{u.Staging()}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), QuoteTable(u.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into %s", u.Staging())
	}

	tag, err := tx.Exec(ctx, u.SQL(u.Staging()))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", u.Table)
	}
	return tag.RowsAffected(), nil
}

// SQL builds the merge statement that reads from source.
func (u Upsert) SQL(source string) string {
	update := u.Update
	if update == nil {
		keys := make(map[string]struct{}, len(u.Keys))
		for _, k := range u.Keys {
			keys[k] = struct{}{}
		}
		for _, c := range u.Columns {
			if _, ok := keys[c]; !ok {
				update = append(update, c)
			}
		}
	}

	set := make([]string, 0, len(update)+len(u.Touch))
	for _, c := range update {
		q := quote(c)
		set = append(set, q+" = EXCLUDED."+q)
	}
	for _, c := range u.Touch {
		set = append(set, quote(c)+" = now()")
	}

	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	cols := quoteList(u.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		QuoteTable(u.Table), cols, cols, quote(source), quoteList(u.Keys), action)
}

// InTx runs fn in a transaction, committing only when fn succeeds.
func InTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit tx")
}

// QuoteTable quotes a table name, keeping an optional schema prefix separate.
func QuoteTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return quote(table)
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func quoteList(idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quote(id)
	}
	return strings.Join(out, ", ")
}
