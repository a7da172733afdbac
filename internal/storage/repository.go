package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"farmledger/internal/core"

	_ "modernc.org/sqlite"
)

// Sync states for locally written transactions.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncError   = "error"
)

// Repository is the local fallback store: a cached copy of the remote ledger
// plus the write-behind queue for transactions that have not reached the
// backend yet.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ReplaceTransactions refreshes the cached ledger copy from a successful
// remote read. Pending local writes survive the refresh: they are part of
// the live ledger the backend has not seen yet.
func (r *Repository) ReplaceTransactions(ctx context.Context, txs []core.Transaction) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace transactions: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `DELETE FROM transactions WHERE sync_state = ?`, SyncSynced); err != nil {
		return fmt.Errorf("clear synced transactions: %w", err)
	}
	for _, t := range txs {
		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO transactions (id, date, type, category, amount, quantity, unit_price, note, ts, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			t.ID, t.Date, string(t.Type), t.Category, t.Amount, t.Quantity, t.UnitPrice, t.Note, t.Timestamp, SyncSynced,
		); err != nil {
			return fmt.Errorf("cache transaction %s: %w", t.ID, err)
		}
	}
	return dbtx.Commit()
}

// AppendTransaction records an optimistic local write.
func (r *Repository) AppendTransaction(ctx context.Context, t core.Transaction, syncState string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, date, type, category, amount, quantity, unit_price, note, ts, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Date, string(t.Type), t.Category, t.Amount, t.Quantity, t.UnitPrice, t.Note, t.Timestamp, syncState,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// DeleteTransaction removes a cached transaction by id. Deleting an unknown
// id is a no-op.
func (r *Repository) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

// ClearSyncedTransactions empties the cached live ledger after a successful
// close. Pending rows stay queued; they were never archived and belong to
// the new cycle.
func (r *Repository) ClearSyncedTransactions(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE sync_state != ?`, SyncPending); err != nil {
		return fmt.Errorf("clear transactions: %w", err)
	}
	return nil
}

// ListTransactions returns the cached ledger, newest first, matching the
// order the backend serves.
func (r *Repository) ListTransactions(ctx context.Context) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, date, type, category, amount, quantity, unit_price, note, ts
		FROM transactions ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// GetTransaction loads one transaction for sync replay.
func (r *Repository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, date, type, category, amount, quantity, unit_price, note, ts
		FROM transactions WHERE id = ?`, id)
	var t core.Transaction
	var typ string
	err := row.Scan(&t.ID, &t.Date, &typ, &t.Category, &t.Amount, &t.Quantity, &t.UnitPrice, &t.Note, &t.Timestamp)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	t.Type = core.TransactionType(typ)
	return t, nil
}

// PendingTransactions lists queued writes awaiting replay, oldest first.
func (r *Repository) PendingTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, date, type, category, amount, quantity, unit_price, note, ts
		FROM transactions WHERE sync_state = ? ORDER BY ts ASC LIMIT ?`, SyncPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *Repository) MarkSynced(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET sync_state = ?, version = version + 1 WHERE id = ?`, SyncSynced, id); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (r *Repository) MarkSyncError(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET sync_state = ?, version = version + 1 WHERE id = ?`, SyncError, id); err != nil {
		return fmt.Errorf("mark sync error: %w", err)
	}
	slog.WarnContext(ctx, "Transaction marked with sync error", "id", id)
	return nil
}

// ReplaceCategories refreshes the cached category list.
func (r *Repository) ReplaceCategories(ctx context.Context, names []string) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace categories: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO categories (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return fmt.Errorf("cache category %q: %w", name, err)
		}
	}
	return dbtx.Commit()
}

// AddCategory inserts a category unless a case-insensitive match exists
// (NOCASE collation on the primary key).
func (r *Repository) AddCategory(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("add category: %w", err)
	}
	return nil
}

func (r *Repository) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ReplaceUsers refreshes the cached user list so logins keep working while
// the backend is unreachable.
func (r *Repository) ReplaceUsers(ctx context.Context, users []core.User) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace users: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return fmt.Errorf("clear users: %w", err)
	}
	for _, u := range users {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO users (username, password, role) VALUES (?, ?, ?)
			 ON CONFLICT(username) DO UPDATE SET password = excluded.password, role = excluded.role`,
			u.Username, u.Password, u.Role); err != nil {
			return fmt.Errorf("cache user %q: %w", u.Username, err)
		}
	}
	return dbtx.Commit()
}

func (r *Repository) AddUser(ctx context.Context, u core.User) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, password, role) VALUES (?, ?, ?) ON CONFLICT(username) DO NOTHING`,
		u.Username, u.Password, u.Role)
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrUserExists
	}
	return nil
}

func (r *Repository) DeleteUser(ctx context.Context, username string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username, password, role FROM users ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []core.User
	for rows.Next() {
		var u core.User
		if err := rows.Scan(&u.Username, &u.Password, &u.Role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var out []core.Transaction
	for rows.Next() {
		var t core.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.Date, &typ, &t.Category, &t.Amount, &t.Quantity, &t.UnitPrice, &t.Note, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}
