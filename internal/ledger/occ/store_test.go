package occ

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpdateAndView(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	err := store.Update(ctx, func(w ledger.Writer) error {
		return w.Put("a", []byte("1"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(r ledger.Reader) error {
		v, err := r.Get("a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		_, err = r.Get("missing")
		assert.ErrorIs(t, err, ledger.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_UpdateFailureDiscardsWrites(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, func(w ledger.Writer) error {
		require.NoError(t, w.Put("a", []byte("1")))
		_, err := w.Append("s", "created", []byte(`{}`), time.Now())
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.View(ctx, func(r ledger.Reader) error {
		_, err := r.Get("a")
		assert.ErrorIs(t, err, ledger.ErrKeyNotFound)
		events, err := r.Events("s", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ReadYourWrites(t *testing.T) {
	store := NewMemory()

	err := store.Update(context.Background(), func(w ledger.Writer) error {
		require.NoError(t, w.Put("k", []byte("v")))
		v, err := w.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))

		_, err = w.Append("s", "one", []byte(`1`), time.Now())
		require.NoError(t, err)
		events, err := w.Events("s", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_NextSequence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	var got []uint64
	for i := 0; i < 3; i++ {
		err := store.Update(ctx, func(w ledger.Writer) error {
			n, err := w.NextSequence("consultation")
			got = append(got, n)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)

	err := store.Update(ctx, func(w ledger.Writer) error {
		n, err := w.NextSequence("other")
		assert.Equal(t, uint64(1), n)
		return err
	})
	require.NoError(t, err)
}

func TestStore_EventsOrderedAndPaged(t *testing.T) {
	ids := 0
	store := NewMemory(WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("ev-%d", ids)
	}))
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		err := store.Update(ctx, func(w ledger.Writer) error {
			_, err := w.Append("record/x", "viewed", []byte(fmt.Sprintf(`{"n":%d}`, i)), at)
			return err
		})
		require.NoError(t, err)
	}

	err := store.View(ctx, func(r ledger.Reader) error {
		all, err := r.Events("record/x", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 12)
		for i, ev := range all {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
		assert.Equal(t, "ev-1", all[0].ID)

		page, err := r.Events("record/x", 10, 5)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(11), page[0].Seq)

		other, err := r.Events("record/y", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, other)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ViewRejectsWrites(t *testing.T) {
	store := NewMemory()
	err := store.View(context.Background(), func(r ledger.Reader) error {
		w, ok := r.(ledger.Writer)
		require.True(t, ok)
		return w.Put("a", nil)
	})
	assert.Error(t, err)
}

func TestStore_ConcurrentIncrementsSerialize(t *testing.T) {
	store := NewMemory(WithMaxRetries(1000))
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, func(w ledger.Writer) error {
				_, err := w.NextSequence("counter")
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err := store.Update(ctx, func(w ledger.Writer) error {
		n, err := w.NextSequence("counter")
		assert.Equal(t, uint64(workers+1), n)
		return err
	})
	require.NoError(t, err)
}

func TestStore_LoserObservesWinner(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(w ledger.Writer) error {
		return w.Put("status", []byte("open"))
	}))

	// Interleave a competing commit inside the first attempt.
	attempts := 0
	var seen []string
	err := store.Update(ctx, func(w ledger.Writer) error {
		attempts++
		v, err := w.Get("status")
		if err != nil {
			return err
		}
		seen = append(seen, string(v))
		if attempts == 1 {
			require.NoError(t, store.Update(ctx, func(w2 ledger.Writer) error {
				return w2.Put("status", []byte("closed"))
			}))
		}
		if string(v) == "closed" {
			return errors.New("already closed")
		}
		return w.Put("status", []byte("closed"))
	})
	assert.EqualError(t, err, "already closed")
	assert.Equal(t, []string{"open", "closed"}, seen)
}

func TestStore_ConflictBudgetExhausted(t *testing.T) {
	store := NewMemory(WithMaxRetries(0))
	ctx := context.Background()

	err := store.Update(ctx, func(w ledger.Writer) error {
		if _, err := w.Get("k"); !errors.Is(err, ledger.ErrKeyNotFound) {
			return err
		}
		require.NoError(t, store.Update(ctx, func(w2 ledger.Writer) error {
			return w2.Put("k", []byte("x"))
		}))
		return w.Put("k", []byte("y"))
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestStore_Closed(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.View(context.Background(), func(ledger.Reader) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrClosed)
}

func TestStore_ContextCancelled(t *testing.T) {
	store := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Update(ctx, func(ledger.Writer) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
