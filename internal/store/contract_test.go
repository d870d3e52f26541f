package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack-svr/internal/bus"
)

func sample(id, plate string) bus.Record {
	return bus.Record{
		ID:             id,
		DriverName:     "Shivam",
		BusNumberPlate: plate,
		InchargeName:   "Rakesh",
		Lat:            51.505,
		Lng:            -0.09,
		ArrivalTime:    300,
	}
}

// runContract exercises the behaviour every Store implementation shares.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("empty list", func(t *testing.T) {
		s := newStore(t)
		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("upsert inserts then replaces", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Upsert(ctx, sample("1", "TS 09 AB 1234"))
		require.NoError(t, err)
		assert.True(t, created)

		moved := sample("1", "TS 09 AB 1234")
		moved.Lat = 17.4
		created, err = s.Upsert(ctx, moved)
		require.NoError(t, err)
		assert.False(t, created)

		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []bus.Record{moved}, recs)
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		s := newStore(t)
		rec := sample("driver", "")
		_, err := s.Upsert(ctx, rec)
		require.NoError(t, err)
		_, err = s.Upsert(ctx, rec)
		require.NoError(t, err)

		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []bus.Record{rec}, recs)
	})

	t.Run("list is ordered by id", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"c", "a", "b"} {
			_, err := s.Upsert(ctx, sample(id, "P-"+id))
			require.NoError(t, err)
		}
		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "a", recs[0].ID)
		assert.Equal(t, "b", recs[1].ID)
		assert.Equal(t, "c", recs[2].ID)
	})

	t.Run("plate conflict leaves store untouched", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, sample("1", "AB-1"))
		require.NoError(t, err)

		_, err = s.Upsert(ctx, sample("2", "AB-1"))
		var ce *bus.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "busNumberPlate", ce.Field)
		assert.Equal(t, "1", ce.OwnerID)

		_, err = s.Get(ctx, "2")
		var ne *bus.NotFoundError
		assert.ErrorAs(t, err, &ne)
		recs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("empty plates never conflict", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, sample("driver", ""))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, sample("driver2", ""))
		require.NoError(t, err)
	})

	t.Run("changing plate releases the old one", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, sample("1", "OLD"))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, sample("1", "NEW"))
		require.NoError(t, err)

		_, err = s.Upsert(ctx, sample("2", "OLD"))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, sample("3", "NEW"))
		assert.Error(t, err)
	})

	t.Run("insert rejects existing id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, sample("1", "A")))
		err := s.Insert(ctx, sample("1", "B"))
		var ce *bus.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "id", ce.Field)

		got, err := s.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "A", got.BusNumberPlate)
	})

	t.Run("replace requires existing id", func(t *testing.T) {
		s := newStore(t)
		err := s.Replace(ctx, sample("9", "Z"))
		var ne *bus.NotFoundError
		require.ErrorAs(t, err, &ne)

		require.NoError(t, s.Insert(ctx, sample("9", "Z")))
		upd := sample("9", "Z")
		upd.DriverName = "Other"
		require.NoError(t, s.Replace(ctx, upd))
		got, err := s.Get(ctx, "9")
		require.NoError(t, err)
		assert.Equal(t, "Other", got.DriverName)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, sample("1", "A"))
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, "1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "1")
		require.NoError(t, err)
		assert.False(t, deleted)

		// plate is free again
		_, err = s.Upsert(ctx, sample("2", "A"))
		assert.NoError(t, err)
	})

	t.Run("concurrent writers to one id leave one whole record", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := sample("driver", "")
				rec.Lat = float64(i)
				rec.Lng = float64(i)
				rec.DriverName = fmt.Sprintf("d%d", i)
				_, _ = s.Upsert(ctx, rec)
			}(i)
		}
		wg.Wait()

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, got.Lat, got.Lng)
		assert.Equal(t, fmt.Sprintf("d%d", int(got.Lat)), got.DriverName)
	})

	t.Run("closed store is unavailable", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.List(ctx)
		var se *bus.StoreUnavailableError
		assert.ErrorAs(t, err, &se)
	})
}
