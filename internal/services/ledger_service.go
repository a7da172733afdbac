package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"farmledger/internal/amqp"
	"farmledger/internal/core"
	"farmledger/internal/ledger"
	"farmledger/internal/storage"
)

// LocalStore is the fallback cache the service reads when the backend is
// unreachable and writes through on every mutation.
type LocalStore interface {
	ReplaceTransactions(ctx context.Context, txs []core.Transaction) error
	ListTransactions(ctx context.Context) ([]core.Transaction, error)
	AppendTransaction(ctx context.Context, t core.Transaction, syncState string) error
	DeleteTransaction(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) error
	ClearSyncedTransactions(ctx context.Context) error

	ReplaceCategories(ctx context.Context, names []string) error
	ListCategories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string) error

	ReplaceUsers(ctx context.Context, users []core.User) error
	ListUsers(ctx context.Context) ([]core.User, error)
	AddUser(ctx context.Context, u core.User) error
	DeleteUser(ctx context.Context, username string) error
}

// SyncQueue enqueues replay work for the sync worker.
type SyncQueue interface {
	PublishSync(ctx context.Context, id, op string) error
}

// LedgerService orchestrates the remote scripted backend, the local fallback
// store and the sync queue. Writes are optimistic: they land locally first
// and are replayed against the backend when it cannot be reached inline.
type LedgerService struct {
	remote ledger.Backend // nil when cloud sync is disabled
	store  LocalStore
	queue  SyncQueue // nil when no broker is configured
	now    func() time.Time
}

func NewLedgerService(remote ledger.Backend, store LocalStore, queue SyncQueue) *LedgerService {
	return &LedgerService{
		remote: remote,
		store:  store,
		queue:  queue,
		now:    time.Now,
	}
}

// Load warms the fallback cache from the backend. Failures are logged and
// swallowed: the app starts with whatever the cache already holds.
func (s *LedgerService) Load(ctx context.Context) {
	if s.remote == nil {
		slog.InfoContext(ctx, "Cloud sync disabled, serving from local store only")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		txs, err := s.remote.Transactions(ctx, "")
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		return s.store.ReplaceTransactions(ctx, txs)
	})
	g.Go(func() error {
		cats, err := s.remote.Categories(ctx)
		if err != nil {
			return fmt.Errorf("load categories: %w", err)
		}
		return s.store.ReplaceCategories(ctx, cats)
	})
	g.Go(func() error {
		users, err := s.remote.Users(ctx)
		if err != nil {
			return fmt.Errorf("load users: %w", err)
		}
		return s.cacheUsers(ctx, users)
	})

	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "Initial ledger load incomplete", "error", err)
	}
}

// Transactions returns the live ledger, remote-first. The offline flag tells
// callers the data came from the fallback cache.
func (s *LedgerService) Transactions(ctx context.Context) ([]core.Transaction, bool, error) {
	if s.remote != nil {
		txs, err := s.remote.Transactions(ctx, "")
		if err == nil {
			if cacheErr := s.store.ReplaceTransactions(ctx, txs); cacheErr != nil {
				slog.WarnContext(ctx, "Failed to refresh transaction cache", "error", cacheErr)
			}
			return txs, false, nil
		}
		if !ledger.IsConnectivity(err) {
			return nil, false, err
		}
		slog.WarnContext(ctx, "Backend unreachable, serving cached transactions", "error", err)
	}

	txs, err := s.store.ListTransactions(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("list cached transactions: %w", err)
	}
	return txs, true, nil
}

// AddTransaction validates, assigns an id, and records the transaction. The
// local write is the source of truth for the caller; the remote write is
// best effort with the sync queue as the fallback path.
func (s *LedgerService) AddTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	now := s.now()
	if t.ID == "" {
		t.ID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	if t.Timestamp == 0 {
		t.Timestamp = now.UnixMilli()
	}
	if t.Amount == 0 && t.Quantity > 0 && t.UnitPrice > 0 {
		t.Amount = core.ComputeAmount(t.Quantity, t.UnitPrice)
	}
	t.Category = strings.TrimSpace(t.Category)
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}

	if err := s.store.AppendTransaction(ctx, t, storage.SyncPending); err != nil {
		return core.Transaction{}, fmt.Errorf("save transaction: %w", err)
	}

	if s.remote == nil {
		s.enqueue(ctx, t.ID, amqp.OpCreate)
		return t, nil
	}

	if err := s.remote.AppendTransaction(ctx, t); err != nil {
		slog.WarnContext(ctx, "Remote append failed, queueing for sync", "id", t.ID, "error", err)
		s.enqueue(ctx, t.ID, amqp.OpCreate)
		return t, nil
	}

	if err := s.store.MarkSynced(ctx, t.ID); err != nil {
		slog.WarnContext(ctx, "Failed to mark transaction synced", "id", t.ID, "error", err)
	}
	return t, nil
}

// DeleteTransaction removes a transaction everywhere. Unknown ids are a
// no-op; a remote failure only queues the delete for replay.
func (s *LedgerService) DeleteTransaction(ctx context.Context, id string) error {
	if id == "" {
		return core.ErrEmptyID
	}

	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}

	if s.remote == nil {
		s.enqueue(ctx, id, amqp.OpDelete)
		return nil
	}

	if err := s.remote.DeleteTransaction(ctx, id); err != nil {
		slog.WarnContext(ctx, "Remote delete failed, queueing for sync", "id", id, "error", err)
		s.enqueue(ctx, id, amqp.OpDelete)
	}
	return nil
}

// Categories returns the category list, remote-first with cache fallback.
func (s *LedgerService) Categories(ctx context.Context) ([]string, error) {
	if s.remote != nil {
		cats, err := s.remote.Categories(ctx)
		if err == nil {
			if cacheErr := s.store.ReplaceCategories(ctx, cats); cacheErr != nil {
				slog.WarnContext(ctx, "Failed to refresh category cache", "error", cacheErr)
			}
			return cats, nil
		}
		slog.WarnContext(ctx, "Backend unreachable, serving cached categories", "error", err)
	}

	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached categories: %w", err)
	}
	if len(cats) == 0 {
		return core.DefaultCategories, nil
	}
	return cats, nil
}

// AddCategory appends a new category. A case-insensitive duplicate is a
// silent no-op, matching how the sheet backend treats it.
func (s *LedgerService) AddCategory(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.ErrEmptyCategory
	}

	existing, err := s.Categories(ctx)
	if err == nil {
		for _, c := range existing {
			if strings.EqualFold(c, name) {
				return nil
			}
		}
	}

	if err := s.store.AddCategory(ctx, name); err != nil {
		return fmt.Errorf("save category: %w", err)
	}
	if s.remote != nil {
		if err := s.remote.AppendCategory(ctx, name); err != nil {
			slog.WarnContext(ctx, "Remote category append failed", "name", name, "error", err)
		}
	}
	return nil
}

// Users returns the account list. The remote client degrades to a built-in
// admin rather than erroring; when that sentinel comes back and the cache
// holds real accounts, the cache wins.
func (s *LedgerService) Users(ctx context.Context) ([]core.User, error) {
	if s.remote != nil {
		users, err := s.remote.Users(ctx)
		if err == nil {
			if isFallbackOnly(users) {
				cached, cacheErr := s.store.ListUsers(ctx)
				if cacheErr == nil && len(cached) > 0 {
					return cached, nil
				}
			} else if cacheErr := s.cacheUsers(ctx, users); cacheErr != nil {
				slog.WarnContext(ctx, "Failed to refresh user cache", "error", cacheErr)
			}
			return users, nil
		}
		slog.WarnContext(ctx, "Backend unreachable, serving cached users", "error", err)
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached users: %w", err)
	}
	if len(users) == 0 {
		return []core.User{core.FallbackAdmin}, nil
	}
	return users, nil
}

// AddUser creates an account. Duplicate usernames fail with
// core.ErrUserExists whether the duplicate lives locally or remotely.
func (s *LedgerService) AddUser(ctx context.Context, u core.User) error {
	u.Username = strings.TrimSpace(u.Username)
	if err := u.Validate(); err != nil {
		return err
	}

	if err := s.store.AddUser(ctx, u); err != nil {
		return err
	}
	if s.remote != nil {
		if err := s.remote.AppendUser(ctx, u); err != nil {
			if errors.Is(err, core.ErrUserExists) {
				// the account already exists remotely behind a stale cache;
				// keeping the local row would let its caller-chosen password
				// shadow the real one on offline logins
				if delErr := s.store.DeleteUser(ctx, u.Username); delErr != nil {
					slog.WarnContext(ctx, "Failed to roll back local user", "username", u.Username, "error", delErr)
				}
				return err
			}
			slog.WarnContext(ctx, "Remote user append failed", "username", u.Username, "error", err)
		}
	}
	return nil
}

// DeleteUser removes an account. The built-in admin and the acting user are
// protected.
func (s *LedgerService) DeleteUser(ctx context.Context, username, actor string) error {
	if username == "" {
		return core.ErrEmptyUsername
	}
	if username == core.FallbackAdmin.Username || username == actor {
		return core.ErrUserProtected
	}

	if err := s.store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if s.remote != nil {
		if err := s.remote.DeleteUser(ctx, username); err != nil {
			slog.WarnContext(ctx, "Remote user delete failed", "username", username, "error", err)
		}
	}
	return nil
}

// CloseLedger archives the live ledger under batchName and starts a fresh
// cycle. It requires the backend: archival is a spreadsheet-side operation
// and never runs against the cache alone.
func (s *LedgerService) CloseLedger(ctx context.Context, batchName string) (ledger.CloseResult, error) {
	batchName = strings.TrimSpace(batchName)
	if batchName == "" {
		return ledger.CloseResult{}, core.ErrBatchNameEmpty
	}
	if s.remote == nil {
		return ledger.CloseResult{}, &ledger.ConnectivityError{
			Op:  "close ledger",
			Err: fmt.Errorf("cloud sync disabled"),
		}
	}

	archives, err := s.remote.Archives(ctx)
	if err != nil {
		return ledger.CloseResult{}, err
	}
	for _, name := range archives {
		if strings.EqualFold(name, batchName) {
			return ledger.CloseResult{}, core.ErrBatchExists
		}
	}

	txs, err := s.remote.Transactions(ctx, "")
	if err != nil {
		return ledger.CloseResult{}, err
	}
	if len(txs) == 0 {
		return ledger.CloseResult{}, core.ErrLedgerEmpty
	}

	res, err := s.remote.CloseLedger(ctx, batchName)
	if err != nil {
		return res, err
	}

	if err := s.store.ClearSyncedTransactions(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to clear cached ledger after close", "error", err)
	}
	slog.InfoContext(ctx, "Ledger closed", "batch", batchName, "archived", len(txs))
	return res, nil
}

// ArchivedBatches lists closed batch names.
func (s *LedgerService) ArchivedBatches(ctx context.Context) ([]string, error) {
	if s.remote == nil {
		return nil, &ledger.ConnectivityError{Op: "list archives", Err: fmt.Errorf("cloud sync disabled")}
	}
	return s.remote.Archives(ctx)
}

// ArchivedTransactions returns the frozen ledger of a closed batch.
func (s *LedgerService) ArchivedTransactions(ctx context.Context, batch string) ([]core.Transaction, error) {
	if batch == "" {
		return nil, core.ErrBatchNameEmpty
	}
	if s.remote == nil {
		return nil, &ledger.ConnectivityError{Op: "read archive", Err: fmt.Errorf("cloud sync disabled")}
	}
	return s.remote.Transactions(ctx, batch)
}

// Summary computes dashboard totals over the live ledger.
func (s *LedgerService) Summary(ctx context.Context) (core.Summary, bool, error) {
	txs, offline, err := s.Transactions(ctx)
	if err != nil {
		return core.Summary{}, offline, err
	}
	return core.Summarize(txs), offline, nil
}

// MonthlySeries computes per-month totals over the live ledger.
func (s *LedgerService) MonthlySeries(ctx context.Context) ([]core.MonthlyTotal, bool, error) {
	txs, offline, err := s.Transactions(ctx)
	if err != nil {
		return nil, offline, err
	}
	return core.MonthlySeries(txs), offline, nil
}

func (s *LedgerService) cacheUsers(ctx context.Context, users []core.User) error {
	if isFallbackOnly(users) {
		return nil
	}
	return s.store.ReplaceUsers(ctx, users)
}

func (s *LedgerService) enqueue(ctx context.Context, id, op string) {
	if s.queue == nil {
		slog.WarnContext(ctx, "Sync queue not available, write stays pending", "id", id, "op", op)
		return
	}
	if err := s.queue.PublishSync(ctx, id, op); err != nil {
		slog.ErrorContext(ctx, "Failed to publish sync message", "id", id, "op", op, "error", err)
	}
}

func isFallbackOnly(users []core.User) bool {
	return len(users) == 1 && users[0] == core.FallbackAdmin
}
