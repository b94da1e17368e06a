package fixture

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentionAssignsExactlyOne(t *testing.T) {
	m, store, _ := testFixtureManager(t)

	seedClass(t, m, "Ubuntu", map[string]models.AttributeSchema{
		"version": {Type: models.AttrTypeString},
	}, nil)
	only := seedInstance(t, m, "Ubuntu", "u1604", map[string]any{"version": "16.04"})

	demand := func(serviceID string) *models.FixtureRequest {
		return &models.FixtureRequest{
			ServiceID: serviceID,
			Requester: models.RequesterWorkflowADC,
			Requirements: map[string]models.Requirement{
				"fix1": {Class: "Ubuntu", Attributes: map[string]any{"version": "16.04"}},
			},
		}
	}

	_, err := m.CreateRequest(context.Background(), demand("svc-a"))
	require.NoError(t, err)
	_, err = m.CreateRequest(context.Background(), demand("svc-b"))
	require.NoError(t, err)

	tick(m)

	requests, err := store.ListFixtureRequests(context.Background())
	require.NoError(t, err)

	assignedCount := 0

	var winner string

	for _, req := range requests {
		if req.Assigned() {
			assignedCount++
			winner = req.ServiceID
		}
	}

	require.Equal(t, 1, assignedCount, "exactly one request wins the single instance")

	inst, err := store.GetFixtureInstance(context.Background(), only.ID)
	require.NoError(t, err)
	require.Len(t, inst.Referrers, 1)
	assert.Equal(t, winner, inst.Referrers[0].ServiceID)

	// Releasing the winner hands the instance to the loser on the next tick.
	require.NoError(t, m.DeleteRequest(context.Background(), winner))
	tick(m)

	requests, err = store.ListFixtureRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.True(t, requests[0].Assigned())
	assert.NotEqual(t, winner, requests[0].ServiceID)
}

func TestMatchingBacktracks(t *testing.T) {
	// general fits both requirements; special is the only candidate for the
	// gpu requirement, so fewest-candidates-first must pin it there and give
	// general to the broad requirement every time.
	general := &models.FixtureInstance{
		ID: "i-general", Name: "general", ClassName: "Linux",
		Enabled: true, Status: models.InstanceActive, Concurrency: 1,
		Attributes: map[string]any{"os": "ubuntu"},
	}
	special := &models.FixtureInstance{
		ID: "i-special", Name: "special", ClassName: "Linux",
		Enabled: true, Status: models.InstanceActive, Concurrency: 1,
		Attributes: map[string]any{"os": "ubuntu", "gpu": true},
	}

	req := &models.FixtureRequest{
		ServiceID: "svc-bt",
		Requirements: map[string]models.Requirement{
			"broad": {Class: "Linux", Attributes: map[string]any{"os": "ubuntu"}},
			"gpu":   {Class: "Linux", Attributes: map[string]any{"gpu": true}},
		},
	}

	for range 50 {
		assigned := matchInstances(req, []*models.FixtureInstance{general, special})
		require.NotNil(t, assigned)
		assert.Equal(t, "i-special", assigned["gpu"].ID)
		assert.Equal(t, "i-general", assigned["broad"].ID)
	}
}

func TestMatchingUnsatisfiableReturnsNil(t *testing.T) {
	inst := &models.FixtureInstance{
		ID: "i-1", Name: "one", ClassName: "Linux",
		Enabled: true, Status: models.InstanceActive, Concurrency: 1,
		Attributes: map[string]any{"os": "ubuntu"},
	}

	// Two requirements, one instance: no consistent assignment exists.
	req := &models.FixtureRequest{
		ServiceID: "svc-two",
		Requirements: map[string]models.Requirement{
			"a": {Class: "Linux"},
			"b": {Class: "Linux"},
		},
	}

	assert.Nil(t, matchInstances(req, []*models.FixtureInstance{inst}))
}

func TestArrayAttributeMatchesByMembership(t *testing.T) {
	inst := &models.FixtureInstance{
		ID: "i-multi", Name: "multi", ClassName: "Linux",
		Enabled: true, Status: models.InstanceActive,
		Attributes: map[string]any{"zones": []any{"us-west-1", "us-west-2"}},
	}

	req := models.Requirement{Class: "Linux", Attributes: map[string]any{"zones": "us-west-2"}}
	assert.True(t, instanceMatches("svc", req, inst))

	req.Attributes["zones"] = "eu-1"
	assert.False(t, instanceMatches("svc", req, inst))
}

func TestAssignmentNotificationPushedOnce(t *testing.T) {
	m, _, _ := testFixtureManager(t)

	seedClass(t, m, "Linux", nil, nil)
	seedInstance(t, m, "Linux", "linux-0", nil)

	_, err := m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:    "svc-n",
		Requester:    models.RequesterWorkflowADC,
		Requirements: map[string]models.Requirement{"fix1": {Class: "Linux"}},
	})
	require.NoError(t, err)

	tick(m)
	tick(m) // a second wake must not duplicate the channel entry

	n, err := m.bus.ListLen(context.Background(), redisbus.NotificationKey("svc-n"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	key, payload, err := m.bus.PopAny(context.Background(), 0, redisbus.NotificationKey("svc-n"))
	require.NoError(t, err)
	assert.Equal(t, redisbus.NotificationKey("svc-n"), key)

	var delivered models.FixtureRequest

	require.NoError(t, json.Unmarshal([]byte(payload), &delivered))
	assert.Equal(t, "svc-n", delivered.ServiceID)
	assert.Contains(t, delivered.Assignment, "fix1")
}
