package backend

import (
	"sort"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

// extraFactorStrategy adds factors beyond the IMU and landmark factors every keyframe uses.
type extraFactorStrategy interface {
	// beforeOptimize schedules the strategy's additions and deletions into it.
	beforeOptimize(it *iteration, planes []Plane, isExplicit func(stereo.LandmarkID) bool)
	// pendingFactors returns the factors to submit with this iteration.
	pendingFactors() []factorgraph.Factor
	// committed receives the slots of the factors returned by pendingFactors, in order.
	committed(slots []int)
	// afterOptimize updates the planes from the estimate and returns the ones still in the graph.
	afterOptimize(estimate *factorgraph.Values, planes []Plane) []Plane
	// landmarkRemoved schedules deletion of the factors of a landmark leaving the graph.
	landmarkRemoved(it *iteration, id stereo.LandmarkID)
	// landmarkMarginalized forgets a landmark whose factors the optimizer already removed.
	landmarkMarginalized(id stereo.LandmarkID)
	reconcile(opt slotSource, logger logging.Logger)
}

type noExtraFactors struct{}

func (noExtraFactors) beforeOptimize(*iteration, []Plane, func(stereo.LandmarkID) bool) {}

func (noExtraFactors) pendingFactors() []factorgraph.Factor { return nil }

func (noExtraFactors) committed([]int) {}

func (noExtraFactors) afterOptimize(*factorgraph.Values, []Plane) []Plane { return nil }

func (noExtraFactors) landmarkRemoved(*iteration, stereo.LandmarkID) {}

func (noExtraFactors) landmarkMarginalized(stereo.LandmarkID) {}

func (noExtraFactors) reconcile(slotSource, logging.Logger) {}

// planeLandmark is a point-on-plane association.
type planeLandmark struct {
	plane    PlaneID
	landmark stereo.LandmarkID
}

// regularityStrategy ties explicit landmarks to the planes that claim them.
type regularityStrategy struct {
	model               noise.Model
	minPlaneConstraints int
	logger              logging.Logger

	planesInGraph map[PlaneID]struct{}
	associations  map[planeLandmark]slotRef
	pending       map[planeLandmark]factorgraph.Factor
	pendingOrder  []planeLandmark
}

func newRegularityStrategy(model noise.Model, minPlaneConstraints int, logger logging.Logger) *regularityStrategy {
	return &regularityStrategy{
		model:               model,
		minPlaneConstraints: minPlaneConstraints,
		logger:              logger,
		planesInGraph:       map[PlaneID]struct{}{},
		associations:        map[planeLandmark]slotRef{},
		pending:             map[planeLandmark]factorgraph.Factor{},
	}
}

func (rs *regularityStrategy) beforeOptimize(it *iteration, planes []Plane, isExplicit func(stereo.LandmarkID) bool) {
	claimed := map[planeLandmark]struct{}{}
	listed := map[PlaneID]struct{}{}
	for _, plane := range planes {
		listed[plane.ID] = struct{}{}
		var explicit []stereo.LandmarkID
		for _, id := range plane.LandmarkIDs {
			if isExplicit(id) {
				explicit = append(explicit, id)
				claimed[planeLandmark{plane.ID, id}] = struct{}{}
			}
		}
		if _, ok := rs.planesInGraph[plane.ID]; !ok {
			if len(explicit) < rs.minPlaneConstraints {
				rs.logger.Debugw("not enough constraints to add plane", "plane", plane.ID, "explicit", len(explicit))
				continue
			}
			pl := spatialmath.NewPlane(plane.Normal, plane.Distance)
			if err := it.newValues.Insert(factorgraph.PlaneKey(int64(plane.ID)), factorgraph.PlaneValue{Plane: pl}); err != nil {
				rs.logger.Errorw("cannot insert plane", "plane", plane.ID, "error", err)
				continue
			}
			rs.planesInGraph[plane.ID] = struct{}{}
		}
		for _, id := range explicit {
			key := planeLandmark{plane.ID, id}
			if _, ok := rs.associations[key]; ok {
				continue
			}
			if _, ok := rs.pending[key]; ok {
				continue
			}
			f, err := factorgraph.NewPointPlaneFactor(factorgraph.LandmarkKey(int64(id)), factorgraph.PlaneKey(int64(plane.ID)), rs.model)
			if err != nil {
				rs.logger.Errorw("cannot build point-plane factor", "plane", plane.ID, "landmark", id, "error", err)
				continue
			}
			rs.pending[key] = f
			rs.pendingOrder = append(rs.pendingOrder, key)
		}
	}

	// Associations no longer asserted. Pending ones are dropped before submission.
	for key, ref := range rs.associations {
		if _, ok := claimed[key]; ok {
			continue
		}
		if it.deleteSlot(ref.slot) {
			it.info.NumRemovedRegularity++
		}
		delete(rs.associations, key)
	}
	for key := range rs.pending {
		if _, ok := claimed[key]; !ok {
			rs.dropPending(key)
		}
	}

	// Planes that left the list lose all their factors above; their variables go with them.
	for id := range rs.planesInGraph {
		if _, ok := listed[id]; ok {
			continue
		}
		it.eraseKeys = append(it.eraseKeys, factorgraph.PlaneKey(int64(id)))
		delete(rs.planesInGraph, id)
	}
	it.info.NumAddedRegularity += len(rs.pending)
}

func (rs *regularityStrategy) dropPending(key planeLandmark) {
	delete(rs.pending, key)
	for i, k := range rs.pendingOrder {
		if k == key {
			rs.pendingOrder = append(rs.pendingOrder[:i], rs.pendingOrder[i+1:]...)
			break
		}
	}
}

func (rs *regularityStrategy) pendingFactors() []factorgraph.Factor {
	out := make([]factorgraph.Factor, 0, len(rs.pendingOrder))
	for _, key := range rs.pendingOrder {
		out = append(out, rs.pending[key])
	}
	return out
}

func (rs *regularityStrategy) committed(slots []int) {
	for i, key := range rs.pendingOrder {
		rs.associations[key] = slotRef{slot: slots[i], factor: rs.pending[key]}
	}
	rs.pending = map[planeLandmark]factorgraph.Factor{}
	rs.pendingOrder = nil
}

func (rs *regularityStrategy) afterOptimize(estimate *factorgraph.Values, planes []Plane) []Plane {
	var kept []Plane
	for _, plane := range planes {
		pl, err := estimate.Plane(factorgraph.PlaneKey(int64(plane.ID)))
		if err != nil {
			rs.dropPlane(plane.ID)
			continue
		}
		plane.Normal = pl.Normal
		plane.Distance = pl.Distance
		kept = append(kept, plane)
	}
	return kept
}

// dropPlane forgets a plane that is not in the graph together with its associations.
func (rs *regularityStrategy) dropPlane(id PlaneID) {
	for key := range rs.associations {
		if key.plane == id {
			delete(rs.associations, key)
		}
	}
	for key := range rs.pending {
		if key.plane == id {
			rs.dropPending(key)
		}
	}
	delete(rs.planesInGraph, id)
}

func (rs *regularityStrategy) landmarkRemoved(it *iteration, id stereo.LandmarkID) {
	for key, ref := range rs.associations {
		if key.landmark != id {
			continue
		}
		if it.deleteSlot(ref.slot) {
			it.info.NumRemovedRegularity++
		}
		delete(rs.associations, key)
	}
	for key := range rs.pending {
		if key.landmark == id {
			rs.dropPending(key)
		}
	}
}

func (rs *regularityStrategy) landmarkMarginalized(id stereo.LandmarkID) {
	for key := range rs.associations {
		if key.landmark == id {
			delete(rs.associations, key)
		}
	}
}

func (rs *regularityStrategy) reconcile(opt slotSource, logger logging.Logger) {
	for key, ref := range rs.associations {
		if f, ok := opt.FactorAt(ref.slot); !ok || f != ref.factor {
			logger.Errorw("regularity factor slot out of sync", "plane", key.plane, "landmark", key.landmark, "slot", ref.slot)
			delete(rs.associations, key)
		}
	}
}

// associationsOf returns the landmarks associated with plane, sorted.
func (rs *regularityStrategy) associationsOf(plane PlaneID) []stereo.LandmarkID {
	var out []stereo.LandmarkID
	for key := range rs.associations {
		if key.plane == plane {
			out = append(out, key.landmark)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
