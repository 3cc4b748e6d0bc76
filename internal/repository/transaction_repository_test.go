package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTxn(ref string, amount int64) *model.Transaction {
	return &model.Transaction{
		Reference:  ref,
		PayerName:  "Ama",
		PayerEmail: "ama@example.com",
		Amount:     amount,
		Currency:   "GHS",
	}
}

func TestTransactionRepository_Create(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("create unsettled transaction", func(t *testing.T) {
		created, err := repo.Create(ctx, newTxn("DON-1", 5000))
		require.NoError(t, err)
		assert.NotZero(t, created.ID)
		assert.Equal(t, "DON-1", created.Reference)
		assert.Equal(t, int64(5000), created.Amount)
		assert.False(t, created.Settled)
		assert.Nil(t, created.SettledAt)
		assert.False(t, created.CreatedAt.IsZero())
	})

	t.Run("duplicate reference is rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, newTxn("DON-DUP", 100))
		require.NoError(t, err)

		_, err = repo.Create(ctx, newTxn("DON-DUP", 200))
		assert.ErrorIs(t, err, ErrDuplicateReference)

		found, err := repo.FindByReference(ctx, "DON-DUP")
		require.NoError(t, err)
		assert.Equal(t, int64(100), found.Amount)
	})

	t.Run("ids are distinct", func(t *testing.T) {
		a, err := repo.Create(ctx, newTxn("DON-A", 1))
		require.NoError(t, err)
		b, err := repo.Create(ctx, newTxn("DON-B", 1))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestTransactionRepository_FindByReference(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, newTxn("DON-FIND", 700))
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		found, err := repo.FindByReference(ctx, "DON-FIND")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "ama@example.com", found.PayerEmail)
		assert.Equal(t, "GHS", found.Currency)
	})

	t.Run("absent returns nil without error", func(t *testing.T) {
		found, err := repo.FindByReference(ctx, "DON-NOPE")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestTransactionRepository_Update(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, newTxn("DON-UPD", 300))
	require.NoError(t, err)

	t.Run("settles record", func(t *testing.T) {
		created.Settled = true
		require.NoError(t, repo.Update(ctx, created))

		found, err := repo.FindByReference(ctx, "DON-UPD")
		require.NoError(t, err)
		assert.True(t, found.Settled)
		assert.NotNil(t, found.SettledAt)
	})

	t.Run("cannot unsettle", func(t *testing.T) {
		created.Settled = false
		require.NoError(t, repo.Update(ctx, created))

		found, err := repo.FindByReference(ctx, "DON-UPD")
		require.NoError(t, err)
		assert.True(t, found.Settled)
		assert.NotNil(t, found.SettledAt)
	})

	t.Run("missing id", func(t *testing.T) {
		err := repo.Update(ctx, &model.Transaction{ID: 9999, Settled: true})
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestTransactionRepository_MarkSettled(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, newTxn("DON-MS", 1000))
	require.NoError(t, err)

	t.Run("first call changes", func(t *testing.T) {
		txn, changed, err := repo.MarkSettled(ctx, "DON-MS")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, txn.Settled)
		assert.NotNil(t, txn.SettledAt)
	})

	t.Run("second call is a no-op", func(t *testing.T) {
		before, err := repo.FindByReference(ctx, "DON-MS")
		require.NoError(t, err)

		txn, changed, err := repo.MarkSettled(ctx, "DON-MS")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, txn.Settled)
		assert.Equal(t, before.SettledAt.Unix(), txn.SettledAt.Unix())
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, _, err := repo.MarkSettled(ctx, "DON-GHOST")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestTransactionRepository_MarkSettledConcurrent(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, newTxn("DON-RACE", 250))
	require.NoError(t, err)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, changed, err := repo.MarkSettled(ctx, "DON-RACE")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !txn.Settled {
				errs = append(errs, fmt.Errorf("returned unsettled record"))
			}
			if changed {
				changes++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, changes)
}

func TestTransactionRepository_ListSettled(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("empty ledger", func(t *testing.T) {
		list, err := repo.ListSettled(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	for i := 1; i <= 5; i++ {
		_, err := repo.Create(ctx, newTxn(fmt.Sprintf("DON-L%d", i), int64(i*100)))
		require.NoError(t, err)
	}
	for _, ref := range []string{"DON-L4", "DON-L1", "DON-L3"} {
		_, _, err := repo.MarkSettled(ctx, ref)
		require.NoError(t, err)
	}

	t.Run("only settled in id order", func(t *testing.T) {
		list, err := repo.ListSettled(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "DON-L1", list[0].Reference)
		assert.Equal(t, "DON-L3", list[1].Reference)
		assert.Equal(t, "DON-L4", list[2].Reference)
		for _, txn := range list {
			assert.True(t, txn.Settled)
		}
	})
}

func TestTransactionRepository_ListUnsettled(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		txn := newTxn(fmt.Sprintf("DON-OLD%d", i), 100)
		txn.CreatedAt = old
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, newTxn("DON-NEW", 100))
	require.NoError(t, err)
	_, _, err = repo.MarkSettled(ctx, "DON-OLD2")
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-time.Minute)

	t.Run("older unsettled only", func(t *testing.T) {
		list, err := repo.ListUnsettled(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "DON-OLD1", list[0].Reference)
		assert.Equal(t, "DON-OLD3", list[1].Reference)
	})

	t.Run("limit", func(t *testing.T) {
		list, err := repo.ListUnsettled(ctx, cutoff, 1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "DON-OLD1", list[0].Reference)
	})
}

func TestTransactionRepository_ListUnsettledPage(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	ages := map[string]time.Duration{
		"DON-ANCIENT": 30 * 24 * time.Hour,
		"DON-DAY1":    24 * time.Hour,
		"DON-HOUR1":   time.Hour,
		"DON-HOUR2":   time.Hour,
		"DON-FRESH":   0,
	}
	for _, ref := range []string{"DON-ANCIENT", "DON-DAY1", "DON-HOUR1", "DON-HOUR2", "DON-FRESH"} {
		txn := newTxn(ref, 100)
		txn.CreatedAt = now.Add(-ages[ref])
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)
	}

	window := model.UnsettledQuery{
		CreatedBefore: now.Add(-time.Minute),
		CreatedAfter:  now.Add(-48 * time.Hour),
		Limit:         2,
	}

	t.Run("window excludes too old and too fresh", func(t *testing.T) {
		q := window
		q.Limit = 10
		list, err := repo.ListUnsettledPage(ctx, q)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "DON-DAY1", list[0].Reference)
		assert.Equal(t, "DON-HOUR2", list[2].Reference)
	})

	t.Run("pages by id", func(t *testing.T) {
		first, err := repo.ListUnsettledPage(ctx, window)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "DON-DAY1", first[0].Reference)
		assert.Equal(t, "DON-HOUR1", first[1].Reference)

		q := window
		q.AfterID = first[1].ID
		second, err := repo.ListUnsettledPage(ctx, q)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "DON-HOUR2", second[0].Reference)
	})
}

func TestTransactionRepository_Get(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, newTxn("DON-GET", 42))
	require.NoError(t, err)

	found, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "DON-GET", found.Reference)

	_, err = repo.Get(ctx, created.ID+100)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransactionRepository_WithinTransaction(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	err := db.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := repo.Create(ctx, newTxn("DON-TX", 10)); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	found, err := repo.FindByReference(ctx, "DON-TX")
	require.NoError(t, err)
	assert.Nil(t, found)
}
