package watchduty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirm(t *testing.T) {
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

	t.Run("should confirm within the TTL and return elapsed seconds", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		store.backdateLease(lease.ID, 10*time.Second)

		// Act
		var seconds, confirmErr = sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")

		// Assert
		require.NoError(t, confirmErr)
		assert.Equal(t, 10, seconds)

		var stored = store.leases[lease.ID]
		assert.Equal(t, LeaseConfirmed, stored.Status)
		assert.Equal(t, "alice", stored.WorkerName)
		require.NotNil(t, stored.ConfirmedAt)
		require.NotNil(t, stored.ElapsedSeconds)
		assert.Equal(t, 10, *stored.ElapsedSeconds)

		stat, statErr := sut.StatsFor(ctx, lease.WorkerID)
		require.NoError(t, statErr)
		assert.Equal(t, 1, stat.TotalConfirmed)
		assert.Zero(t, stat.Pending)
	})

	t.Run("should accept the claimed name case-insensitively and trimmed", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)

		// Act
		var _, confirmErr = sut.Confirm(ctx, "order-1", lease.WorkerID, "  ALICE ")

		// Assert
		require.NoError(t, confirmErr)
	})

	t.Run("should reject a claimed name that does not match the registered one", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		_, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)

		// Act
		var _, confirmErr = sut.Confirm(ctx, "order-1", 1, "bert")

		// Assert
		assert.ErrorIs(t, confirmErr, ErrIdentityMismatch)
	})

	t.Run("should reject unknown and inactive workers", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			pool  = newPool()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: pool})
			ctx   = newCtx()
		)
		_, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		pool.SetActive(2, false)

		// Act
		_, unknownErr := sut.Confirm(ctx, "order-1", 9, "nobody")
		_, inactiveErr := sut.Confirm(ctx, "order-1", 2, "bert")

		// Assert
		assert.ErrorIs(t, unknownErr, ErrWorkerNotFound)
		assert.ErrorIs(t, inactiveErr, ErrWorkerNotFound)
	})

	t.Run("should fail with lease not found when the order was never assigned", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)

		// Act
		var _, err = sut.Confirm(ctx, "order-1", 1, "alice")

		// Assert
		assert.ErrorIs(t, err, ErrLeaseNotFound)
	})

	t.Run("should fail a second confirmation without double-counting", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		_, firstErr := sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")
		require.NoError(t, firstErr)

		// Act
		var _, secondErr = sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")

		// Assert
		assert.ErrorIs(t, secondErr, ErrLeaseNotFound)

		stat, statErr := sut.StatsFor(ctx, lease.WorkerID)
		require.NoError(t, statErr)
		assert.Equal(t, 1, stat.TotalAssigned)
		assert.Equal(t, 1, stat.TotalConfirmed)
		assert.Zero(t, stat.TotalExpired)
	})

	t.Run("should expire and reassign a confirmation arriving past the TTL", func(t *testing.T) {
		// Arrange
		var (
			store = NewMemoryStore()
			sut   = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool()})
			ctx   = newCtx()
		)
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)
		store.backdateLease(lease.ID, 301*time.Second)

		// Act
		var _, confirmErr = sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")

		// Assert
		assert.ErrorIs(t, confirmErr, ErrLeaseExpired)
		assert.Equal(t, LeaseExpired, store.leases[lease.ID].Status)

		// The order went to another worker, chained to the expired lease
		successor, findErr := store.FindActive(ctx, "order-1")
		require.NoError(t, findErr)
		require.NotNil(t, successor)
		assert.NotEqual(t, lease.WorkerID, successor.WorkerID)
		require.NotNil(t, successor.ReassignedFrom)
		assert.Equal(t, lease.ID, *successor.ReassignedFrom)

		stat, statErr := sut.StatsFor(ctx, lease.WorkerID)
		require.NoError(t, statErr)
		assert.Equal(t, 1, stat.TotalExpired)
		assert.Zero(t, stat.TotalConfirmed)
	})

	t.Run("should notify the order collaborator on success", func(t *testing.T) {
		// Arrange
		var (
			store  = NewMemoryStore()
			orders = NewMemoryOrders()
			sut    = newStation(t, Stores{Leases: store, Stats: store, Directory: newPool(), Orders: orders})
			ctx    = newCtx()
		)
		orders.Add("order-1")
		lease, err := sut.Assign(ctx, "order-1")
		require.NoError(t, err)

		// Act
		var _, confirmErr = sut.Confirm(ctx, "order-1", lease.WorkerID, "alice")

		// Assert
		require.NoError(t, confirmErr)
		verified, by := orders.Verified("order-1")
		assert.True(t, verified)
		assert.Equal(t, "alice", by)
	})
}
