package adc

import (
	"context"
	"testing"
	"time"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndReleaseCategory(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	r := &models.CategoryReservation{
		ResourceID: "dep-1",
		Category:   "deployment",
		Resource:   models.Resource{CPU: 2, MemMiB: 1024},
		TTLMS:      60_000,
	}

	require.NoError(t, m.ReserveCategory(ctx, r))
	assert.Equal(t, r.Resource, m.Used())

	stored, err := m.store.ListReservations(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.NoError(t, m.ReleaseCategory(ctx, "dep-1"))
	assert.True(t, m.Used().IsZero())

	err = m.ReleaseCategory(ctx, "dep-1")
	assert.ErrorIs(t, err, axerror.ErrResourceNotFound)
}

func TestReserveCategoryRefreshReplacesPrior(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first := &models.CategoryReservation{
		ResourceID: "dep-1", Category: "deployment",
		Resource: models.Resource{CPU: 2, MemMiB: 1024}, TTLMS: 60_000,
	}
	require.NoError(t, m.ReserveCategory(ctx, first))

	second := &models.CategoryReservation{
		ResourceID: "dep-1", Category: "deployment",
		Resource: models.Resource{CPU: 1, MemMiB: 512}, TTLMS: 60_000,
	}
	require.NoError(t, m.ReserveCategory(ctx, second))

	// the refresh replaces the prior deduction rather than stacking
	assert.Equal(t, second.Resource, m.Used())
}

func TestReserveCategoryRejectsOverflow(t *testing.T) {
	m, _ := testManager(t)

	r := &models.CategoryReservation{
		ResourceID: "dep-1", Category: "deployment",
		Resource: models.Resource{CPU: 100, MemMiB: 1024}, TTLMS: 60_000,
	}

	err := m.ReserveCategory(context.Background(), r)
	assert.ErrorIs(t, err, axerror.ErrIllegalOperation)
	assert.True(t, m.Used().IsZero())
}

func TestReserveCategoryIntermediateSet(t *testing.T) {
	m, _ := testManager(t)

	m.mu.Lock()
	m.reserving["dep-1"] = struct{}{}
	m.mu.Unlock()

	err := m.ReserveCategory(context.Background(), &models.CategoryReservation{
		ResourceID: "dep-1", Category: "deployment",
		Resource: models.Resource{CPU: 1, MemMiB: 64},
	})
	assert.ErrorIs(t, err, axerror.ErrIllegalOperation)
}

func TestSweeperExpiresReservations(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	r := &models.CategoryReservation{
		ResourceID: "dep-1", Category: "deployment",
		Resource: models.Resource{CPU: 1, MemMiB: 64}, TTLMS: 1,
	}
	require.NoError(t, m.ReserveCategory(ctx, r))

	// 1 ms ttl is already past by the time the sweeper looks
	time.Sleep(5 * time.Millisecond)
	m.sweepReservations(ctx)

	assert.True(t, m.Used().IsZero())
	assert.Empty(t, m.ListReservations())
}
