package backend

import (
	"sort"

	"github.com/samber/lo"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/stereo"
)

// representation is the factor form a landmark has in the graph.
type representation int

const (
	smartLandmark representation = iota
	explicitLandmark
)

type observation struct {
	frame FrameID
	point stereo.Point2
}

// slotRef is a factor's position in the optimizer together with the factor itself, so the pair
// can be checked against the optimizer after every call.
type slotRef struct {
	slot   int
	factor factorgraph.Factor
}

// slotSource is the part of the optimizer the slot table is validated against.
type slotSource interface {
	FactorAt(slot int) (factorgraph.Factor, bool)
}

// landmarkTracker keeps feature tracks, the representation of every landmark in the graph and
// the slots of the factors each landmark owns.
type landmarkTracker struct {
	tracks         map[stereo.LandmarkID][]observation
	representation map[stereo.LandmarkID]representation
	smart          map[stereo.LandmarkID]slotRef
	projection     map[stereo.LandmarkID]map[FrameID]slotRef
}

func newLandmarkTracker() *landmarkTracker {
	return &landmarkTracker{
		tracks:         map[stereo.LandmarkID][]observation{},
		representation: map[stereo.LandmarkID]representation{},
		smart:          map[stereo.LandmarkID]slotRef{},
		projection:     map[stereo.LandmarkID]map[FrameID]slotRef{},
	}
}

// observe appends an observation to the landmark's track and returns the track length.
func (lt *landmarkTracker) observe(id stereo.LandmarkID, frame FrameID, pt stereo.Point2) int {
	lt.tracks[id] = append(lt.tracks[id], observation{frame: frame, point: pt})
	return len(lt.tracks[id])
}

func (lt *landmarkTracker) track(id stereo.LandmarkID) []observation {
	return lt.tracks[id]
}

// inGraph returns the landmark's representation if it has one.
func (lt *landmarkTracker) inGraph(id stereo.LandmarkID) (representation, bool) {
	r, ok := lt.representation[id]
	return r, ok
}

func (lt *landmarkTracker) setSmart(id stereo.LandmarkID, ref slotRef) {
	lt.representation[id] = smartLandmark
	lt.smart[id] = ref
}

func (lt *landmarkTracker) setProjection(id stereo.LandmarkID, frame FrameID, ref slotRef) {
	lt.representation[id] = explicitLandmark
	if lt.projection[id] == nil {
		lt.projection[id] = map[FrameID]slotRef{}
	}
	lt.projection[id][frame] = ref
}

// markExplicit records a conversion before any projection factor has a slot.
func (lt *landmarkTracker) markExplicit(id stereo.LandmarkID) {
	lt.representation[id] = explicitLandmark
	delete(lt.smart, id)
}

// remove forgets the landmark and returns the live slots of its factors.
func (lt *landmarkTracker) remove(id stereo.LandmarkID) []int {
	var slots []int
	if ref, ok := lt.smart[id]; ok {
		slots = append(slots, ref.slot)
	}
	for _, ref := range lt.projection[id] {
		slots = append(slots, ref.slot)
	}
	delete(lt.tracks, id)
	delete(lt.representation, id)
	delete(lt.smart, id)
	delete(lt.projection, id)
	sort.Ints(slots)
	return slots
}

// lastFrame returns the newest frame that observed the landmark.
func (lt *landmarkTracker) lastFrame(id stereo.LandmarkID) (FrameID, bool) {
	track := lt.tracks[id]
	if len(track) == 0 {
		return 0, false
	}
	return track[len(track)-1].frame, true
}

// forgetFrame drops observations of frame and older from the tracks of landmarks that are not in
// the graph. Landmarks in the graph are handled by the back end during marginalization.
func (lt *landmarkTracker) forgetFrame(frame FrameID) {
	for id, track := range lt.tracks {
		if _, ok := lt.representation[id]; ok {
			continue
		}
		kept := lo.Filter(track, func(o observation, _ int) bool { return o.frame > frame })
		if len(kept) == 0 {
			delete(lt.tracks, id)
			continue
		}
		lt.tracks[id] = kept
	}
}

// dropObservations removes observations of frame and older from an explicit landmark together
// with the projection slots they owned, which the optimizer has already removed.
func (lt *landmarkTracker) dropObservations(id stereo.LandmarkID, frame FrameID) {
	lt.tracks[id] = lo.Filter(lt.tracks[id], func(o observation, _ int) bool { return o.frame > frame })
	for f := range lt.projection[id] {
		if f <= frame {
			delete(lt.projection[id], f)
		}
	}
}

// ids returns the landmarks in the graph with the given representation, sorted.
func (lt *landmarkTracker) ids(r representation) []stereo.LandmarkID {
	var out []stereo.LandmarkID
	for id, rep := range lt.representation {
		if rep == r {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reconcile drops every recorded slot that no longer holds the recorded factor. A mismatch means
// the table went out of sync with the optimizer and is logged as an error.
func (lt *landmarkTracker) reconcile(opt slotSource, logger logging.Logger) int {
	var dropped int
	for id, ref := range lt.smart {
		if f, ok := opt.FactorAt(ref.slot); !ok || f != ref.factor {
			logger.Errorw("smart factor slot out of sync", "landmark", id, "slot", ref.slot)
			delete(lt.smart, id)
			dropped++
		}
	}
	for id, refs := range lt.projection {
		for frame, ref := range refs {
			if f, ok := opt.FactorAt(ref.slot); !ok || f != ref.factor {
				logger.Errorw("projection factor slot out of sync", "landmark", id, "frame", frame, "slot", ref.slot)
				delete(refs, frame)
				dropped++
			}
		}
	}
	return dropped
}
