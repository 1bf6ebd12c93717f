package backend

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/spatialmath"
	"go.viam.com/vio/stereo"
)

func newTestStrategy(t *testing.T, minConstraints int) *regularityStrategy {
	t.Helper()
	model, err := noise.NewIsotropic(1, 0.1)
	test.That(t, err, test.ShouldBeNil)
	return newRegularityStrategy(model, minConstraints, logging.NewTestLogger(t))
}

func explicitSet(ids ...stereo.LandmarkID) func(stereo.LandmarkID) bool {
	set := map[stereo.LandmarkID]struct{}{}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id stereo.LandmarkID) bool {
		_, ok := set[id]
		return ok
	}
}

func floorPlane(ids ...stereo.LandmarkID) Plane {
	return Plane{ID: 7, Normal: r3.Vector{Z: 1}, Distance: 0, LandmarkIDs: ids}
}

// commit hands out consecutive slots starting at first to the pending factors.
func commit(rs *regularityStrategy, first int) []int {
	n := len(rs.pendingFactors())
	slots := make([]int, n)
	for i := range slots {
		slots[i] = first + i
	}
	rs.committed(slots)
	return slots
}

func TestRegularityNeedsEnoughConstraints(t *testing.T) {
	rs := newTestStrategy(t, 3)
	it := newIteration(1)
	rs.beforeOptimize(it, []Plane{floorPlane(1, 2, 3, 4)}, explicitSet(1, 2))
	test.That(t, it.newValues.Exists(factorgraph.PlaneKey(7)), test.ShouldBeFalse)
	test.That(t, len(rs.pendingFactors()), test.ShouldEqual, 0)
	test.That(t, it.info.NumAddedRegularity, test.ShouldEqual, 0)

	it = newIteration(2)
	rs.beforeOptimize(it, []Plane{floorPlane(1, 2, 3, 4)}, explicitSet(1, 2, 3))
	test.That(t, it.newValues.Exists(factorgraph.PlaneKey(7)), test.ShouldBeTrue)
	test.That(t, len(rs.pendingFactors()), test.ShouldEqual, 3)
	test.That(t, it.info.NumAddedRegularity, test.ShouldEqual, 3)
}

func TestRegularityDoesNotChurn(t *testing.T) {
	rs := newTestStrategy(t, 2)
	planes := []Plane{floorPlane(1, 2, 3)}
	explicit := explicitSet(1, 2, 3)

	it := newIteration(1)
	rs.beforeOptimize(it, planes, explicit)
	test.That(t, it.info.NumAddedRegularity, test.ShouldEqual, 3)
	commit(rs, 10)
	test.That(t, rs.associationsOf(7), test.ShouldResemble, []stereo.LandmarkID{1, 2, 3})

	for frame := FrameID(2); frame < 5; frame++ {
		it := newIteration(frame)
		rs.beforeOptimize(it, planes, explicit)
		test.That(t, it.newValues.Len(), test.ShouldEqual, 0)
		test.That(t, len(rs.pendingFactors()), test.ShouldEqual, 0)
		test.That(t, it.deleteOrder, test.ShouldBeEmpty)
		test.That(t, it.info.NumAddedRegularity, test.ShouldEqual, 0)
		test.That(t, it.info.NumRemovedRegularity, test.ShouldEqual, 0)
		commit(rs, 100)
	}
	test.That(t, rs.associations[planeLandmark{7, 2}].slot, test.ShouldEqual, 11)

	// A landmark that joins the plane gets exactly one new factor.
	it = newIteration(5)
	rs.beforeOptimize(it, []Plane{floorPlane(1, 2, 3, 4)}, explicitSet(1, 2, 3, 4))
	test.That(t, it.info.NumAddedRegularity, test.ShouldEqual, 1)
	test.That(t, it.deleteOrder, test.ShouldBeEmpty)
}

func TestRegularityDropsStaleAssociations(t *testing.T) {
	rs := newTestStrategy(t, 2)
	explicit := explicitSet(1, 2, 3)
	rs.beforeOptimize(newIteration(1), []Plane{floorPlane(1, 2, 3)}, explicit)
	commit(rs, 10)

	// Landmark 3 leaves the plane.
	it := newIteration(2)
	rs.beforeOptimize(it, []Plane{floorPlane(1, 2)}, explicit)
	test.That(t, it.deleteOrder, test.ShouldResemble, []int{12})
	test.That(t, it.info.NumRemovedRegularity, test.ShouldEqual, 1)
	test.That(t, rs.associationsOf(7), test.ShouldResemble, []stereo.LandmarkID{1, 2})

	// Landmark 2 is deleted by the back end.
	it = newIteration(3)
	rs.landmarkRemoved(it, 2)
	test.That(t, it.deleteOrder, test.ShouldResemble, []int{11})
	test.That(t, rs.associationsOf(7), test.ShouldResemble, []stereo.LandmarkID{1})

	// Landmark 1 is marginalized with its factors.
	rs.landmarkMarginalized(1)
	test.That(t, rs.associationsOf(7), test.ShouldBeEmpty)
}

func TestRegularityPlaneDropRemovesAssociations(t *testing.T) {
	t.Run("plane leaves the input", func(t *testing.T) {
		rs := newTestStrategy(t, 2)
		rs.beforeOptimize(newIteration(1), []Plane{floorPlane(1, 2, 3)}, explicitSet(1, 2, 3))
		commit(rs, 10)

		it := newIteration(2)
		rs.beforeOptimize(it, nil, explicitSet(1, 2, 3))
		test.That(t, it.deleteOrder, test.ShouldHaveLength, 3)
		test.That(t, it.info.NumRemovedRegularity, test.ShouldEqual, 3)
		test.That(t, it.eraseKeys, test.ShouldResemble, []factorgraph.Key{factorgraph.PlaneKey(7)})
		test.That(t, rs.associationsOf(7), test.ShouldBeEmpty)
		test.That(t, rs.afterOptimize(factorgraph.NewValues(), nil), test.ShouldBeEmpty)
	})

	t.Run("plane missing from the estimate", func(t *testing.T) {
		rs := newTestStrategy(t, 2)
		planes := []Plane{floorPlane(1, 2, 3)}
		rs.beforeOptimize(newIteration(1), planes, explicitSet(1, 2, 3))
		commit(rs, 10)

		estimate := factorgraph.NewValues()
		test.That(t, rs.afterOptimize(estimate, planes), test.ShouldBeEmpty)
		test.That(t, rs.associationsOf(7), test.ShouldBeEmpty)
		test.That(t, rs.planesInGraph, test.ShouldBeEmpty)
	})

	t.Run("optimized plane is written back", func(t *testing.T) {
		rs := newTestStrategy(t, 2)
		planes := []Plane{floorPlane(1, 2, 3)}
		rs.beforeOptimize(newIteration(1), planes, explicitSet(1, 2, 3))
		commit(rs, 10)

		estimate := factorgraph.NewValues()
		optimized := spatialmath.NewPlane(r3.Vector{Y: 0.1, Z: 1}, 0.5)
		test.That(t, estimate.Insert(factorgraph.PlaneKey(7), factorgraph.PlaneValue{Plane: optimized}), test.ShouldBeNil)
		out := rs.afterOptimize(estimate, planes)
		test.That(t, out, test.ShouldHaveLength, 1)
		test.That(t, out[0].Normal, test.ShouldResemble, optimized.Normal)
		test.That(t, out[0].Distance, test.ShouldEqual, optimized.Distance)
		test.That(t, out[0].LandmarkIDs, test.ShouldResemble, []stereo.LandmarkID{1, 2, 3})
		test.That(t, rs.associationsOf(7), test.ShouldHaveLength, 3)
	})
}

type fakeSlots map[int]factorgraph.Factor

func (fs fakeSlots) FactorAt(slot int) (factorgraph.Factor, bool) {
	f, ok := fs[slot]
	return f, ok
}

func TestReconcileDropsOutOfSyncSlots(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	rs := newTestStrategy(t, 2)
	rs.beforeOptimize(newIteration(1), []Plane{floorPlane(1, 2)}, explicitSet(1, 2))
	commit(rs, 10)

	slots := fakeSlots{10: rs.associations[planeLandmark{7, 1}].factor}
	rs.reconcile(slots, logger)
	test.That(t, rs.associationsOf(7), test.ShouldResemble, []stereo.LandmarkID{1})
	test.That(t, logs.FilterMessage("regularity factor slot out of sync").Len(), test.ShouldEqual, 1)

	lt := newLandmarkTracker()
	smart := factorgraph.NewSmartStereoFactor(stereo.Rig{}, 1, factorgraph.SmartStereoParams{})
	lt.setSmart(4, slotRef{slot: 3, factor: smart})
	lt.setSmart(5, slotRef{slot: 4, factor: smart})
	dropped := lt.reconcile(fakeSlots{3: smart}, logger)
	test.That(t, dropped, test.ShouldEqual, 1)
	_, ok := lt.smart[5]
	test.That(t, ok, test.ShouldBeFalse)
}
