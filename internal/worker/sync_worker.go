package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"farmledger/internal/amqp"
	"farmledger/internal/core"
	"farmledger/internal/ledger"
	"farmledger/internal/storage"
)

// Store is the slice of the fallback store the worker needs.
type Store interface {
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	PendingTransactions(ctx context.Context, limit int) ([]core.Transaction, error)
	MarkSynced(ctx context.Context, id string) error
	MarkSyncError(ctx context.Context, id string) error
}

// Remote is the slice of the backend the worker replays writes against.
type Remote interface {
	AppendTransaction(ctx context.Context, t core.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
}

// SyncWorker replays queued ledger writes against the remote backend.
type SyncWorker struct {
	store     Store
	remote    Remote
	batchSize int
}

func NewSyncWorker(store Store, remote Remote, batchSize int) *SyncWorker {
	return &SyncWorker{
		store:     store,
		remote:    remote,
		batchSize: batchSize,
	}
}

// HandleSyncMessage processes a single sync message from AMQP. Returning an
// error requeues the message, so only connectivity failures propagate;
// logical rejections are recorded and dropped.
func (w *SyncWorker) HandleSyncMessage(ctx context.Context, msg *amqp.SyncMessage) error {
	slog.InfoContext(ctx, "Processing sync message", "id", msg.ID, "op", msg.Op)

	switch msg.Op {
	case amqp.OpDelete:
		if err := w.remote.DeleteTransaction(ctx, msg.ID); err != nil {
			if ledger.IsConnectivity(err) {
				return fmt.Errorf("replay delete: %w", err)
			}
			// the backend refused the delete; redelivery would only repeat
			// the refusal, so drop the message
			slog.WarnContext(ctx, "Backend rejected delete, dropping message", "id", msg.ID, "error", err)
		}
		return nil
	case amqp.OpCreate:
		return w.replayCreate(ctx, msg.ID)
	default:
		// validated at unmarshal, but a newer producer could add ops
		slog.WarnContext(ctx, "Skipping unknown sync op", "op", msg.Op)
		return nil
	}
}

// ProcessPendingTransactions replays any writes still marked pending. This
// is the backup path for lost AMQP messages.
func (w *SyncWorker) ProcessPendingTransactions(ctx context.Context) error {
	pending, err := w.store.PendingTransactions(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending transactions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending transactions", "count", len(pending))

	for _, tx := range pending {
		if err := w.push(ctx, tx); err != nil {
			slog.ErrorContext(ctx, "Failed to sync transaction", "id", tx.ID, "error", err)
			continue
		}
	}
	return nil
}

// StartupSyncCheck drains a larger pending batch when the worker boots, to
// recover from downtime.
func (w *SyncWorker) StartupSyncCheck(ctx context.Context) error {
	pending, err := w.store.PendingTransactions(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending transactions for startup check: %w", err)
	}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending transactions found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending transactions on startup, processing...", "count", len(pending))

	processed, failed := 0, 0
	for _, tx := range pending {
		if err := w.push(ctx, tx); err != nil {
			slog.ErrorContext(ctx, "Failed to sync transaction during startup", "id", tx.ID, "error", err)
			failed++
			continue
		}
		processed++
	}

	slog.InfoContext(ctx, "Startup sync completed",
		"total", len(pending),
		"processed", processed,
		"errors", failed)
	return nil
}

func (w *SyncWorker) replayCreate(ctx context.Context, id string) error {
	tx, err := w.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// deleted locally before the sync landed; nothing to replay
			slog.WarnContext(ctx, "Transaction gone before sync, dropping message", "id", id)
			return nil
		}
		return fmt.Errorf("get transaction: %w", err)
	}
	return w.push(ctx, tx)
}

func (w *SyncWorker) push(ctx context.Context, tx core.Transaction) error {
	if err := w.remote.AppendTransaction(ctx, tx); err != nil {
		if ledger.IsConnectivity(err) {
			return fmt.Errorf("append to backend: %w", err)
		}
		// the backend rejected the record; retrying will not help, so mark
		// the row errored and swallow the failure to stop the redelivery
		slog.WarnContext(ctx, "Backend rejected transaction, marking errored", "id", tx.ID, "error", err)
		if markErr := w.store.MarkSyncError(ctx, tx.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark sync error", "id", tx.ID, "error", markErr)
		}
		return nil
	}

	if err := w.store.MarkSynced(ctx, tx.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark as synced", "id", tx.ID, "error", err)
		// the remote write landed; do not fail the message
	}

	slog.InfoContext(ctx, "Successfully synced transaction",
		"id", tx.ID,
		"type", tx.Type,
		"amount", tx.Amount)
	return nil
}

var _ Store = (*storage.Repository)(nil)
