package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core"
	"farmledger/internal/ledger"
	"farmledger/internal/storage"
)

// fakeRemote is an in-memory stand-in for the scripted backend. Set down to
// make every call fail with a connectivity error.
type fakeRemote struct {
	down       bool
	txs        []core.Transaction
	categories []string
	users      []core.User
	archives   map[string][]core.Transaction

	appendErr error
	closed    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{archives: map[string][]core.Transaction{}}
}

func (f *fakeRemote) fail(op string) error {
	return &ledger.ConnectivityError{Op: op, Err: fmt.Errorf("backend down")}
}

func (f *fakeRemote) Transactions(ctx context.Context, batch string) ([]core.Transaction, error) {
	if f.down {
		return nil, f.fail("fetch transactions")
	}
	if batch != "" {
		txs, ok := f.archives[batch]
		if !ok {
			return nil, nil
		}
		return txs, nil
	}
	return f.txs, nil
}

func (f *fakeRemote) AppendTransaction(ctx context.Context, t core.Transaction) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	if f.down {
		return f.fail("append transaction")
	}
	f.txs = append(f.txs, t)
	return nil
}

func (f *fakeRemote) DeleteTransaction(ctx context.Context, id string) error {
	if f.down {
		return f.fail("delete transaction")
	}
	out := f.txs[:0]
	for _, t := range f.txs {
		if t.ID != id {
			out = append(out, t)
		}
	}
	f.txs = out
	return nil
}

func (f *fakeRemote) Categories(ctx context.Context) ([]string, error) {
	if f.down {
		return core.DefaultCategories, nil
	}
	if len(f.categories) == 0 {
		return core.DefaultCategories, nil
	}
	return f.categories, nil
}

func (f *fakeRemote) AppendCategory(ctx context.Context, name string) error {
	if f.down {
		return f.fail("append category")
	}
	f.categories = append(f.categories, name)
	return nil
}

func (f *fakeRemote) Users(ctx context.Context) ([]core.User, error) {
	if f.down || len(f.users) == 0 {
		return []core.User{core.FallbackAdmin}, nil
	}
	return f.users, nil
}

func (f *fakeRemote) AppendUser(ctx context.Context, u core.User) error {
	if f.down {
		return f.fail("append user")
	}
	for _, existing := range f.users {
		if existing.Username == u.Username {
			return core.ErrUserExists
		}
	}
	f.users = append(f.users, u)
	return nil
}

func (f *fakeRemote) DeleteUser(ctx context.Context, username string) error {
	if f.down {
		return f.fail("delete user")
	}
	out := f.users[:0]
	for _, u := range f.users {
		if u.Username != username {
			out = append(out, u)
		}
	}
	f.users = out
	return nil
}

func (f *fakeRemote) Archives(ctx context.Context) ([]string, error) {
	if f.down {
		return nil, f.fail("fetch archives")
	}
	var names []string
	for name := range f.archives {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeRemote) CloseLedger(ctx context.Context, batchName string) (ledger.CloseResult, error) {
	if f.down {
		return ledger.CloseResult{}, f.fail("close ledger")
	}
	f.archives[batchName] = f.txs
	f.txs = nil
	f.closed = append(f.closed, batchName)
	return ledger.CloseResult{Status: ledger.StatusSuccess, Message: "archived"}, nil
}

type fakeQueue struct {
	published []string // "op:id"
}

func (q *fakeQueue) PublishSync(ctx context.Context, id, op string) error {
	q.published = append(q.published, op+":"+id)
	return nil
}

func newTestService(t *testing.T, remote ledger.Backend) (*LedgerService, *storage.Repository, *fakeQueue) {
	t.Helper()
	repo, err := storage.NewRepository(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	queue := &fakeQueue{}
	svc := NewLedgerService(remote, repo, queue)
	svc.now = func() time.Time { return time.UnixMilli(1715000000000) }
	return svc, repo, queue
}

func validTx() core.Transaction {
	return core.Transaction{
		Date:      "2024-05-01",
		Type:      core.Income,
		Category:  "Egg Sales",
		Quantity:  40,
		UnitPrice: 20000,
	}
}

func TestAddTransactionOnline(t *testing.T) {
	remote := newFakeRemote()
	svc, repo, queue := newTestService(t, remote)
	ctx := context.Background()

	tx, err := svc.AddTransaction(ctx, validTx())
	require.NoError(t, err)
	assert.Equal(t, "1715000000000", tx.ID)
	assert.Equal(t, int64(800000), tx.Amount)

	require.Len(t, remote.txs, 1)
	assert.Empty(t, queue.published)

	pending, err := repo.PendingTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "synced write must not stay pending")
}

func TestAddTransactionOfflineQueuesSync(t *testing.T) {
	remote := newFakeRemote()
	remote.down = true
	svc, repo, queue := newTestService(t, remote)
	ctx := context.Background()

	tx, err := svc.AddTransaction(ctx, validTx())
	require.NoError(t, err, "local write must succeed even when the backend is down")

	assert.Equal(t, []string{"create:" + tx.ID}, queue.published)
	pending, err := repo.PendingTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tx.ID, pending[0].ID)
}

func TestAddTransactionRejectsInvalid(t *testing.T) {
	svc, repo, _ := newTestService(t, newFakeRemote())
	ctx := context.Background()

	tx := validTx()
	tx.Type = "TRANSFER"
	_, err := svc.AddTransaction(ctx, tx)
	assert.ErrorIs(t, err, core.ErrInvalidType)

	txs, err := repo.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs, "invalid transaction must not be persisted")
}

func TestDeleteTransactionIdempotentAndOptimistic(t *testing.T) {
	remote := newFakeRemote()
	svc, _, queue := newTestService(t, remote)
	ctx := context.Background()

	tx, err := svc.AddTransaction(ctx, validTx())
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTransaction(ctx, tx.ID))
	require.NoError(t, svc.DeleteTransaction(ctx, tx.ID), "repeat delete is a no-op")
	require.NoError(t, svc.DeleteTransaction(ctx, "unknown"))

	remote.down = true
	require.NoError(t, svc.DeleteTransaction(ctx, "other"), "delete succeeds offline")
	assert.Contains(t, queue.published, "delete:other")
}

func TestTransactionsFallsBackToCache(t *testing.T) {
	remote := newFakeRemote()
	remote.txs = []core.Transaction{
		{ID: "1", Date: "2024-05-01", Type: core.Expense, Category: "Feed", Amount: 500000, Timestamp: 10},
	}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	txs, offline, err := svc.Transactions(ctx)
	require.NoError(t, err)
	assert.False(t, offline)
	require.Len(t, txs, 1)

	remote.down = true
	txs, offline, err = svc.Transactions(ctx)
	require.NoError(t, err)
	assert.True(t, offline)
	require.Len(t, txs, 1, "cache must serve the last good read")
	assert.Equal(t, "1", txs[0].ID)
}

func TestAddCategoryCaseInsensitiveNoOp(t *testing.T) {
	remote := newFakeRemote()
	remote.categories = []string{"Feed"}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	require.NoError(t, svc.AddCategory(ctx, "  FEED "))
	assert.Equal(t, []string{"Feed"}, remote.categories, "duplicate must not be appended")

	require.NoError(t, svc.AddCategory(ctx, "Vaccines"))
	assert.Contains(t, remote.categories, "Vaccines")

	assert.ErrorIs(t, svc.AddCategory(ctx, "   "), core.ErrEmptyCategory)
}

func TestUsersPrefersCacheOverFallbackSentinel(t *testing.T) {
	remote := newFakeRemote()
	remote.users = []core.User{
		{Username: "admin", Password: "123", Role: core.RoleAdmin},
		{Username: "lan", Password: "pw", Role: core.RoleStaff},
	}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	users, err := svc.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)

	// backend degrades to the built-in admin; cached accounts win
	remote.users = nil
	users, err = svc.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "lan", users[1].Username)
}

func TestAddUserDuplicate(t *testing.T) {
	remote := newFakeRemote()
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	u := core.User{Username: "lan", Password: "pw", Role: core.RoleStaff}
	require.NoError(t, svc.AddUser(ctx, u))
	assert.ErrorIs(t, svc.AddUser(ctx, u), core.ErrUserExists)
}

func TestAddUserRemoteDuplicateRollsBackLocalRow(t *testing.T) {
	remote := newFakeRemote()
	// exists remotely but not in the (stale) local cache
	remote.users = []core.User{{Username: "lan", Password: "real", Role: core.RoleStaff}}
	svc, repo, _ := newTestService(t, remote)
	ctx := context.Background()

	err := svc.AddUser(ctx, core.User{Username: "lan", Password: "guessed", Role: core.RoleStaff})
	assert.ErrorIs(t, err, core.ErrUserExists)

	users, listErr := repo.ListUsers(ctx)
	require.NoError(t, listErr)
	assert.Empty(t, users, "rejected user must not linger in the cache")
}

func TestDeleteUserProtections(t *testing.T) {
	remote := newFakeRemote()
	remote.users = []core.User{
		{Username: "admin", Password: "123", Role: core.RoleAdmin},
		{Username: "lan", Password: "pw", Role: core.RoleStaff},
	}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	assert.ErrorIs(t, svc.DeleteUser(ctx, "admin", "lan"), core.ErrUserProtected)
	assert.ErrorIs(t, svc.DeleteUser(ctx, "lan", "lan"), core.ErrUserProtected)
	require.NoError(t, svc.DeleteUser(ctx, "lan", "admin"))
}

func TestCloseLedger(t *testing.T) {
	t.Run("success archives and clears cache", func(t *testing.T) {
		remote := newFakeRemote()
		svc, repo, _ := newTestService(t, remote)
		ctx := context.Background()

		_, err := svc.AddTransaction(ctx, validTx())
		require.NoError(t, err)

		res, err := svc.CloseLedger(ctx, " Batch A ")
		require.NoError(t, err)
		assert.True(t, res.OK())
		assert.Equal(t, []string{"Batch A"}, remote.closed)

		txs, err := repo.ListTransactions(ctx)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("blank name", func(t *testing.T) {
		svc, _, _ := newTestService(t, newFakeRemote())
		_, err := svc.CloseLedger(context.Background(), "   ")
		assert.ErrorIs(t, err, core.ErrBatchNameEmpty)
	})

	t.Run("empty ledger", func(t *testing.T) {
		svc, _, _ := newTestService(t, newFakeRemote())
		_, err := svc.CloseLedger(context.Background(), "Batch A")
		assert.ErrorIs(t, err, core.ErrLedgerEmpty)
	})

	t.Run("duplicate batch name is case-insensitive", func(t *testing.T) {
		remote := newFakeRemote()
		remote.archives["Batch A"] = nil
		svc, _, _ := newTestService(t, remote)

		_, err := svc.CloseLedger(context.Background(), "batch a")
		assert.ErrorIs(t, err, core.ErrBatchExists)
	})

	t.Run("double close", func(t *testing.T) {
		remote := newFakeRemote()
		svc, _, _ := newTestService(t, remote)
		ctx := context.Background()

		_, err := svc.AddTransaction(ctx, validTx())
		require.NoError(t, err)
		_, err = svc.CloseLedger(ctx, "Batch A")
		require.NoError(t, err)

		// second close of the same batch collides; a new name finds the
		// ledger empty
		_, err = svc.CloseLedger(ctx, "Batch A")
		assert.ErrorIs(t, err, core.ErrBatchExists)
		_, err = svc.CloseLedger(ctx, "Batch B")
		assert.ErrorIs(t, err, core.ErrLedgerEmpty)
	})

	t.Run("backend unreachable", func(t *testing.T) {
		remote := newFakeRemote()
		remote.txs = []core.Transaction{{ID: "1"}}
		svc, _, _ := newTestService(t, remote)

		remote.down = true
		_, err := svc.CloseLedger(context.Background(), "Batch A")
		require.Error(t, err)
		assert.True(t, ledger.IsConnectivity(err))
	})

	t.Run("pending writes survive the close", func(t *testing.T) {
		remote := newFakeRemote()
		svc, repo, _ := newTestService(t, remote)
		ctx := context.Background()

		_, err := svc.AddTransaction(ctx, validTx())
		require.NoError(t, err)

		remote.appendErr = &ledger.ConnectivityError{Op: "append", Err: fmt.Errorf("down")}
		pendingTx := validTx()
		pendingTx.ID = "pending-1"
		_, err = svc.AddTransaction(ctx, pendingTx)
		require.NoError(t, err)
		remote.appendErr = nil

		_, err = svc.CloseLedger(ctx, "Batch A")
		require.NoError(t, err)

		txs, err := repo.ListTransactions(ctx)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "pending-1", txs[0].ID)
	})
}

func TestArchivedTransactions(t *testing.T) {
	remote := newFakeRemote()
	remote.archives["Batch A"] = []core.Transaction{
		{ID: "1", Date: "2024-05-01", Type: core.Income, Category: "Egg Sales", Amount: 800000},
	}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	txs, err := svc.ArchivedTransactions(ctx, "Batch A")
	require.NoError(t, err)
	require.Len(t, txs, 1)

	_, err = svc.ArchivedTransactions(ctx, "")
	assert.ErrorIs(t, err, core.ErrBatchNameEmpty)

	names, err := svc.ArchivedBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Batch A"}, names)
}

func TestSummaryAndMonthlySeries(t *testing.T) {
	remote := newFakeRemote()
	remote.txs = []core.Transaction{
		{ID: "1", Date: "2024-05-10", Type: core.Income, Category: "Egg Sales", Amount: 800000, Timestamp: 20},
		{ID: "2", Date: "2024-05-01", Type: core.Expense, Category: "Feed", Amount: 500000, Timestamp: 10},
	}
	svc, _, _ := newTestService(t, remote)
	ctx := context.Background()

	sum, offline, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.False(t, offline)
	assert.Equal(t, core.Summary{Income: 800000, Expense: 500000, Profit: 300000}, sum)

	series, _, err := svc.MonthlySeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "5/2024", series[0].Period)
}

func TestOfflineServiceWithoutRemote(t *testing.T) {
	svc, _, queue := newTestService(t, nil)
	svc.remote = nil
	ctx := context.Background()

	tx, err := svc.AddTransaction(ctx, validTx())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(queue.published[0], "create:"))

	txs, offline, err := svc.Transactions(ctx)
	require.NoError(t, err)
	assert.True(t, offline)
	require.Len(t, txs, 1)
	assert.Equal(t, tx.ID, txs[0].ID)

	cats, err := svc.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultCategories, cats)

	_, err = svc.CloseLedger(ctx, "Batch A")
	assert.True(t, ledger.IsConnectivity(err))
}
