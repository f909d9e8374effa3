package watchduty

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"go-watchduty/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	const (
		testStationID = "test_station"
	)

	var (
		newDb = func(t *testing.T) *sql.DB {
			return database.SetupTestDatabase(t)
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newStation = func(t *testing.T, db *sql.DB, opts ...Option) (*Station, *database.Queries) {
			var station = NewStation(db, testStationID, opts...)
			require.NoError(t, station.Start(context.Background()))
			t.Cleanup(func() { _ = station.Stop() })
			return station, database.NewQueries(db, testStationID)
		}
		seedWorkers = func(t *testing.T, queries *database.Queries, names ...string) {
			for i, name := range names {
				require.NoError(t, queries.UpsertWorker(context.Background(), &database.WorkerRecord{
					WorkerID: i + 1,
					Name:     name,
					Active:   true,
				}))
			}
		}
	)

	t.Run("should assign, confirm and account a completed order", func(t *testing.T) {
		t.Parallel()

		var (
			db               = newDb(t)
			ctx              = newCtx()
			station, queries = newStation(t, db)
		)
		seedWorkers(t, queries, "alice", "bert", "chandra")
		require.NoError(t, queries.CreateOrder(ctx, "order-1"))

		lease, err := station.Assign(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, WorkerID(1), lease.WorkerID, "an idle pool ties toward the lowest id")

		seconds, confirmErr := station.Confirm(ctx, "order-1", lease.WorkerID, "Alice")
		require.NoError(t, confirmErr)
		assert.Equal(t, 0, seconds)

		stat, statErr := station.StatsFor(ctx, lease.WorkerID)
		require.NoError(t, statErr)
		assert.Equal(t, 1, stat.TotalAssigned)
		assert.Equal(t, 1, stat.TotalConfirmed)
		assert.Equal(t, 100, stat.Efficiency)
		assert.Zero(t, stat.Pending)

		reports, reportErr := station.Report(ctx)
		require.NoError(t, reportErr)
		require.Len(t, reports, 3)
		assert.Equal(t, 1, reports[0].CompletedToday)
	})

	t.Run("should expire and reassign via sweep after the TTL", func(t *testing.T) {
		t.Parallel()

		var (
			db               = newDb(t)
			ctx              = newCtx()
			station, queries = newStation(t, db, WithLeaseTTL(1*time.Second))
		)
		seedWorkers(t, queries, "alice", "bert", "chandra")
		require.NoError(t, queries.CreateOrder(ctx, "order-2"))

		lease, err := station.Assign(ctx, "order-2")
		require.NoError(t, err)

		time.Sleep(1200 * time.Millisecond)

		swept, sweepErr := station.Sweep(ctx)
		require.NoError(t, sweepErr)
		assert.Equal(t, 1, swept)

		successor, getErr := queries.GetActiveLease(ctx, "order-2")
		require.NoError(t, getErr)
		require.NotNil(t, successor)
		assert.NotEqual(t, int(lease.WorkerID), successor.WorkerID)
		require.True(t, successor.ReassignedFrom.Valid)
		assert.Equal(t, lease.ID, successor.ReassignedFrom.String)

		// The original worker can no longer confirm the swept order
		_, confirmErr := station.Confirm(ctx, "order-2", lease.WorkerID, "alice")
		assert.ErrorIs(t, confirmErr, ErrLeaseNotFound)
	})

	t.Run("should reject a late confirmation and hand the order over", func(t *testing.T) {
		t.Parallel()

		var (
			db               = newDb(t)
			ctx              = newCtx()
			station, queries = newStation(t, db, WithLeaseTTL(1*time.Second))
		)
		seedWorkers(t, queries, "alice", "bert")
		require.NoError(t, queries.CreateOrder(ctx, "order-3"))

		lease, err := station.Assign(ctx, "order-3")
		require.NoError(t, err)

		time.Sleep(1200 * time.Millisecond)

		_, confirmErr := station.Confirm(ctx, "order-3", lease.WorkerID, "alice")
		assert.ErrorIs(t, confirmErr, ErrLeaseExpired)

		stat, statErr := station.StatsFor(ctx, lease.WorkerID)
		require.NoError(t, statErr)
		assert.Equal(t, 1, stat.TotalExpired)

		successor, getErr := queries.GetActiveLease(ctx, "order-3")
		require.NoError(t, getErr)
		require.NotNil(t, successor)
		assert.NotEqual(t, int(lease.WorkerID), successor.WorkerID)
	})

	t.Run("should allow at most one assigned lease under concurrent dispatch", func(t *testing.T) {
		t.Parallel()

		var (
			db               = newDb(t)
			ctx              = newCtx()
			station, queries = newStation(t, db)
		)
		seedWorkers(t, queries, "alice", "bert", "chandra")
		require.NoError(t, queries.CreateOrder(ctx, "order-4"))

		const attempts = 8
		var (
			wg        sync.WaitGroup
			successes = make(chan *Lease, attempts)
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if lease, assignErr := station.Assign(ctx, "order-4"); assignErr == nil {
					successes <- lease
				}
			}()
		}
		wg.Wait()
		close(successes)

		var won = 0
		for range successes {
			won++
		}
		assert.Equal(t, 1, won, "exactly one dispatch may win the order")
	})

	t.Run("should expire stale leases from the background sweeper", func(t *testing.T) {
		t.Parallel()

		var (
			db               = newDb(t)
			ctx              = newCtx()
			station, queries = newStation(t, db,
				WithLeaseTTL(1*time.Second),
				WithSweepInterval(200*time.Millisecond))
		)
		seedWorkers(t, queries, "alice", "bert")
		require.NoError(t, queries.CreateOrder(ctx, "order-5"))

		lease, err := station.Assign(ctx, "order-5")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			successor, getErr := queries.GetActiveLease(ctx, "order-5")
			return getErr == nil && successor != nil && successor.WorkerID != int(lease.WorkerID)
		}, 5*time.Second, 100*time.Millisecond, "the background sweep should reassign the stale lease")
	})
}
