package fixture

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sort"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
)

// assignment is one consistent resolution of a request: instances keyed by
// requirement ref name, volumes likewise.
type assignment struct {
	instances map[string]*models.FixtureInstance
	volumes   map[string]*models.Volume
}

// matchInstances resolves every fixture requirement to a distinct reservable
// instance, or returns nil when the request cannot be satisfied right now.
// Requirements with the fewest candidates are pinned first; ties inside a
// candidate set break randomly so concurrent requests spread across
// equivalent instances.
func matchInstances(req *models.FixtureRequest, instances []*models.FixtureInstance) map[string]*models.FixtureInstance {
	type refCandidates struct {
		ref        string
		candidates []*models.FixtureInstance
	}

	sets := make([]refCandidates, 0, len(req.Requirements))

	for ref, requirement := range req.Requirements {
		var candidates []*models.FixtureInstance

		for _, inst := range instances {
			if instanceMatches(req.ServiceID, requirement, inst) {
				candidates = append(candidates, inst)
			}
		}

		if len(candidates) == 0 {
			return nil
		}

		sets = append(sets, refCandidates{ref: ref, candidates: candidates})
	}

	sort.SliceStable(sets, func(i, j int) bool {
		return len(sets[i].candidates) < len(sets[j].candidates)
	})

	assigned := make(map[string]*models.FixtureInstance, len(sets))
	used := make(map[string]bool, len(sets))

	var solve func(i int) bool

	solve = func(i int) bool {
		if i == len(sets) {
			return true
		}

		set := sets[i]

		order := rand.Perm(len(set.candidates))
		for _, k := range order {
			inst := set.candidates[k]
			if used[inst.ID] {
				continue
			}

			assigned[set.ref] = inst
			used[inst.ID] = true

			if solve(i + 1) {
				return true
			}

			delete(assigned, set.ref)
			used[inst.ID] = false
		}

		return false
	}

	if !solve(0) {
		return nil
	}

	return assigned
}

func instanceMatches(serviceID string, req models.Requirement, inst *models.FixtureInstance) bool {
	if !inst.Reservable(serviceID) {
		return false
	}

	if req.Class != "" && req.Class != inst.ClassName && req.Class != inst.ClassID {
		return false
	}

	if req.Name != "" && req.Name != inst.Name {
		return false
	}

	for name, wanted := range req.Attributes {
		if !attributeMatches(inst.Attributes[name], wanted) {
			return false
		}
	}

	return true
}

// attributeMatches compares a requirement value against an instance value;
// an array-valued instance attribute matches when it contains the wanted
// value.
func attributeMatches(have, want any) bool {
	if list, ok := have.([]any); ok {
		for _, item := range list {
			if looseEqual(item, want) {
				return true
			}
		}

		return false
	}

	return looseEqual(have, want)
}

// looseEqual compares across the numeric representations JSON round-trips
// produce.
func looseEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// matchVolumes resolves every volume requirement. Named volumes must already
// exist and be reservable; anonymous ones are looked up by their synthesized
// axrn (reusing a row this request already refers to, the crash window) and
// created through the volume manager otherwise.
func (m *Manager) matchVolumes(ctx context.Context, req *models.FixtureRequest) (map[string]*models.Volume, error) {
	resolved := make(map[string]*models.Volume, len(req.VolRequirements))

	for ref, vr := range req.VolRequirements {
		if !vr.Anonymous() {
			vol, err := m.store.GetVolumeByAXRN(ctx, vr.AXRN)
			if err != nil {
				if errors.Is(err, axdb.ErrNotFound) {
					return nil, nil // not satisfiable yet
				}

				return nil, err
			}

			if !vol.Reservable(req.ServiceID) {
				return nil, nil
			}

			resolved[ref] = vol

			continue
		}

		axrn := req.AnonymousAXRN(ref)

		vol, err := m.store.GetVolumeByAXRN(ctx, axrn)

		switch {
		case err == nil:
			if !vol.Referrers.Has(req.ServiceID) || !vol.Reservable(req.ServiceID) {
				return nil, nil
			}

			resolved[ref] = vol

		case errors.Is(err, axdb.ErrNotFound):
			now := models.NowMilli()

			created, err := m.volumes.CreateVolume(ctx, &models.Volume{
				AXRN:         axrn,
				Anonymous:    true,
				StorageClass: vr.StorageClass,
				Enabled:      true,
				Concurrency:  1,
				Referrers:    models.Referrers{req.Referrer()},
				Status:       models.VolumeInit,
				Attributes:   map[string]any{models.VolumeAttrSizeGB: vr.SizeGB},
				Ctime:        now,
				Mtime:        now,
				Atime:        now,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create anonymous volume %s: %w", axrn, err)
			}

			resolved[ref] = created

		default:
			return nil, err
		}
	}

	return resolved, nil
}

// reserve commits an assignment atomically: lock every chosen resource in id
// order, re-verify reservability, append the referrer, persist, then write
// the assignment back on the request. Any failure unwinds the referrers
// already added.
func (m *Manager) reserve(ctx context.Context, req *models.FixtureRequest, a *assignment) error {
	ids := make([]string, 0, len(a.instances)+len(a.volumes))
	for _, inst := range a.instances {
		ids = append(ids, inst.ID)
	}

	for _, vol := range a.volumes {
		ids = append(ids, vol.ID)
	}

	release := m.locks.AcquireAll(ids)
	defer release()

	referrer := req.Referrer()

	var reservedInstances []*models.FixtureInstance

	var reservedVolumes []*models.Volume

	undo := func() {
		for _, inst := range reservedInstances {
			inst.Referrers.Remove(req.ServiceID)

			if err := m.store.UpdateFixtureInstance(ctx, inst); err != nil {
				m.logger.Error("Failed to undo instance reservation", "instance_id", inst.ID, "error", err)
			}
		}

		for _, vol := range reservedVolumes {
			vol.Referrers.Remove(req.ServiceID)

			if err := m.store.UpdateVolume(ctx, vol); err != nil {
				m.logger.Error("Failed to undo volume reservation", "volume_id", vol.ID, "error", err)
			}
		}
	}

	fixtureAssignment := make(map[string]map[string]any, len(a.instances))

	for ref, chosen := range a.instances {
		inst, err := m.store.GetFixtureInstance(ctx, chosen.ID)
		if err != nil {
			undo()

			return err
		}

		if !inst.Reservable(req.ServiceID) {
			undo()

			return errLostRace
		}

		if inst.Referrers.Add(referrer) {
			inst.Mtime = models.NowMilli()

			if err := m.store.UpdateFixtureInstance(ctx, inst); err != nil {
				undo()

				return err
			}

			reservedInstances = append(reservedInstances, inst)
		}

		fixtureAssignment[ref] = inst.Flatten()
	}

	volAssignment := make(map[string]map[string]any, len(a.volumes))

	for ref, chosen := range a.volumes {
		vol, err := m.store.GetVolume(ctx, chosen.ID)
		if err != nil {
			undo()

			return err
		}

		if !vol.Reservable(req.ServiceID) {
			undo()

			return errLostRace
		}

		if vol.Referrers.Add(referrer) {
			vol.Mtime = models.NowMilli()

			if err := m.store.UpdateVolume(ctx, vol); err != nil {
				undo()

				return err
			}

			reservedVolumes = append(reservedVolumes, vol)
		}

		volAssignment[ref] = vol.Flatten()
	}

	req.Assignment = fixtureAssignment
	req.VolAssignment = volAssignment
	req.AssignmentTime = models.NowMilli()

	err := m.store.UpdateFixtureRequest(ctx, req)
	if err != nil {
		undo()

		return err
	}

	err = m.bus.SetJSON(ctx, redisbus.AssignmentKey(req.ServiceID), req, redisbus.NotificationTTL)
	if err != nil {
		m.logger.Error("Failed to record assignment key", "service_id", req.ServiceID, "error", err)
	}

	m.updateWorkflowFixtures(ctx, req)

	return nil
}

var errLostRace = errors.New("resource reserved by a concurrent request")

// updateWorkflowFixtures mirrors the assignment into the owning workflow's
// service object, best-effort.
func (m *Manager) updateWorkflowFixtures(ctx context.Context, req *models.FixtureRequest) {
	if req.RootWorkflowID == "" {
		return
	}

	wf, err := m.store.GetWorkflow(ctx, req.RootWorkflowID)
	if err != nil {
		return
	}

	if wf.Fixtures == nil {
		wf.Fixtures = make(map[string]map[string]map[string]any)
	}

	wf.Fixtures[req.ServiceID] = req.Assignment

	err = m.store.UpdateWorkflow(ctx, wf)
	if err != nil {
		m.logger.Error("Failed to mirror assignment into workflow", "workflow_id", wf.ID, "error", err)
	}
}
