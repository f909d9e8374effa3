package watchduty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEfficiency(t *testing.T) {
	t.Run("should be zero when nothing was assigned", func(t *testing.T) {
		assert.Zero(t, Efficiency(0, 0))
	})

	t.Run("should round to the nearest integer", func(t *testing.T) {
		assert.Equal(t, 50, Efficiency(1, 2))
		assert.Equal(t, 33, Efficiency(1, 3))
		assert.Equal(t, 67, Efficiency(2, 3))
		assert.Equal(t, 100, Efficiency(5, 5))
	})
}

func TestReporting(t *testing.T) {
	var (
		newPool = func() *StaticDirectory {
			return NewStaticDirectory(
				Worker{ID: 1, Name: "alice", Active: true},
				Worker{ID: 2, Name: "bert", Active: true},
				Worker{ID: 3, Name: "chandra", Active: true},
			)
		}
		newStation = func(t *testing.T, stores Stores) *Station {
			var sut = NewStationWithStores("test_station", stores)
			require.NoError(t, sut.Start(context.Background()))
			t.Cleanup(func() { _ = sut.Stop() })
			return sut
		}
		newCtx = func() context.Context {
			return context.Background()
		}
	)

	t.Run("should return a zero-valued snapshot for an unused worker", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)

		// Act
		var stat, err = sut.StatsFor(ctx, 1)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, WorkerID(1), stat.WorkerID)
		assert.Zero(t, stat.TotalAssigned)
		assert.Zero(t, stat.Pending)
		assert.Zero(t, stat.Efficiency)
	})

	t.Run("should merge stored counters with the live pending count", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		first, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		_, confirmErr := sut.Confirm(ctx, "order-1", first.WorkerID, "alice")
		require.NoError(t, confirmErr)

		// A second order for the same worker stays pending
		for _, orderRef := range []string{"order-2", "order-3", "order-4"} {
			_, assignErr := sut.Assign(ctx, orderRef)
			require.NoError(t, assignErr)
		}

		// Act
		var stat, statErr = sut.StatsFor(ctx, first.WorkerID)

		// Assert
		require.NoError(t, statErr)
		assert.Equal(t, 2, stat.TotalAssigned)
		assert.Equal(t, 1, stat.TotalConfirmed)
		assert.Equal(t, 1, stat.Pending)
		assert.Equal(t, 50, stat.Efficiency)
	})

	t.Run("should report one row per active worker with same-day completions", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			pool  = newPool()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: pool})
			ctx   = newCtx()
		)
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		_, confirmErr := sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")
		require.NoError(t, confirmErr)
		pool.SetActive(3, false)

		// Act
		var reports, reportErr = sut.Report(ctx)

		// Assert
		require.NoError(t, reportErr)
		require.Len(t, reports, 2, "inactive workers are not reported")
		assert.Equal(t, WorkerID(1), reports[0].Worker.ID)
		assert.Equal(t, WorkerID(2), reports[1].Worker.ID)
		assert.Equal(t, 1, reports[0].CompletedToday)
		assert.Equal(t, 100, reports[0].Stat.Efficiency)
		assert.Zero(t, reports[1].CompletedToday)
	})

	t.Run("should keep confirmed plus expired within assigned after mixed operations", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)

		one, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		_, err = sut.Assign(ctx, "order-2")
		require.NoError(t, err)
		three, err := sut.Assign(ctx, "order-3")
		require.NoError(t, err)

		_, confirmErr := sut.Confirm(ctx, "order-1", one.WorkerID, "alice")
		require.NoError(t, confirmErr)
		store.backdateLease(three.ID, 305*time.Second)
		_, sweepErr := sut.Sweep(ctx)
		require.NoError(t, sweepErr)

		// Act & Assert
		for id := WorkerID(1); id <= 3; id++ {
			var stat, statErr = sut.StatsFor(ctx, id)
			require.NoError(t, statErr)
			assert.LessOrEqual(t, stat.TotalConfirmed+stat.TotalExpired, stat.TotalAssigned,
				"worker %d counters must stay consistent", id)
		}
	})
}
