package factorgraph

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/vio/imu"
	"go.viam.com/vio/spatialmath"
)

var (
	// ErrKeyExists is returned when inserting a key that already has a value.
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound is returned when a key has no value.
	ErrKeyNotFound = errors.New("key not found")
	// ErrWrongType is returned when a value does not have the requested type.
	ErrWrongType = errors.New("value has the wrong type")
)

// Value is a variable living on a manifold with a local vector-space parameterization.
type Value interface {
	Dim() int
	Retract(delta []float64) Value
	LocalCoordinates(other Value) []float64
}

// PoseValue is a 6-DoF body or camera pose.
type PoseValue struct{ spatialmath.Pose }

// Dim is 6.
func (p PoseValue) Dim() int { return 6 }

// Retract perturbs the pose on the right.
func (p PoseValue) Retract(delta []float64) Value { return PoseValue{p.Pose.Retract(delta)} }

// LocalCoordinates is the inverse of Retract.
func (p PoseValue) LocalCoordinates(other Value) []float64 {
	return p.Pose.LocalCoordinates(other.(PoseValue).Pose)
}

// Between returns the relative pose p^-1 * other.
func (p PoseValue) Between(other Value) Value {
	return PoseValue{p.Pose.Between(other.(PoseValue).Pose)}
}

// Point3Value is a vector quantity: a velocity or a landmark position.
type Point3Value struct{ r3.Vector }

// Dim is 3.
func (p Point3Value) Dim() int { return 3 }

// Retract adds delta.
func (p Point3Value) Retract(delta []float64) Value {
	return Point3Value{p.Vector.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})}
}

// LocalCoordinates returns other - p.
func (p Point3Value) LocalCoordinates(other Value) []float64 {
	d := other.(Point3Value).Vector.Sub(p.Vector)
	return []float64{d.X, d.Y, d.Z}
}

// Between returns other - p.
func (p Point3Value) Between(other Value) Value {
	return Point3Value{other.(Point3Value).Vector.Sub(p.Vector)}
}

// BiasValue is an IMU bias.
type BiasValue struct{ imu.Bias }

// Dim is 6.
func (b BiasValue) Dim() int { return 6 }

// Retract adds delta ordered [acc, gyro].
func (b BiasValue) Retract(delta []float64) Value { return BiasValue{b.Bias.Retract(delta)} }

// LocalCoordinates returns other - b.
func (b BiasValue) LocalCoordinates(other Value) []float64 {
	return b.Bias.LocalCoordinates(other.(BiasValue).Bias)
}

// Between returns other - b.
func (b BiasValue) Between(other Value) Value {
	return BiasValue{other.(BiasValue).Bias.Sub(b.Bias)}
}

// PlaneValue is an oriented plane with a 3-dimensional tangent space.
type PlaneValue struct{ spatialmath.Plane }

// Dim is 3.
func (p PlaneValue) Dim() int { return 3 }

// Retract tilts the normal and shifts the distance.
func (p PlaneValue) Retract(delta []float64) Value { return PlaneValue{p.Plane.Retract(delta)} }

// LocalCoordinates is the inverse of Retract.
func (p PlaneValue) LocalCoordinates(other Value) []float64 {
	return p.Plane.LocalCoordinates(other.(PlaneValue).Plane)
}

// Values maps keys to variable values.
type Values struct {
	values map[Key]Value
}

// NewValues returns an empty set of values.
func NewValues() *Values {
	return &Values{values: map[Key]Value{}}
}

// Insert adds a value for a new key.
func (vs *Values) Insert(k Key, v Value) error {
	if _, ok := vs.values[k]; ok {
		return errors.Wrap(ErrKeyExists, k.String())
	}
	vs.values[k] = v
	return nil
}

// Update replaces the value of an existing key.
func (vs *Values) Update(k Key, v Value) error {
	if _, ok := vs.values[k]; !ok {
		return errors.Wrap(ErrKeyNotFound, k.String())
	}
	vs.values[k] = v
	return nil
}

// Upsert sets the value of k whether or not it exists.
func (vs *Values) Upsert(k Key, v Value) {
	vs.values[k] = v
}

// Erase removes k.
func (vs *Values) Erase(k Key) {
	delete(vs.values, k)
}

// Exists returns whether k has a value.
func (vs *Values) Exists(k Key) bool {
	_, ok := vs.values[k]
	return ok
}

// At returns the value of k.
func (vs *Values) At(k Key) (Value, error) {
	v, ok := vs.values[k]
	if !ok {
		return nil, errors.Wrap(ErrKeyNotFound, k.String())
	}
	return v, nil
}

// Len returns the number of values.
func (vs *Values) Len() int {
	return len(vs.values)
}

// Keys returns the keys in ascending order.
func (vs *Values) Keys() []Key {
	keys := lo.Keys(vs.values)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns a shallow copy. Values are immutable, so the copy is independent.
func (vs *Values) Clone() *Values {
	return &Values{values: lo.Assign(vs.values)}
}

// InsertAll inserts every value of other. It fails without modifying vs if any key exists.
func (vs *Values) InsertAll(other *Values) error {
	for k := range other.values {
		if vs.Exists(k) {
			return errors.Wrap(ErrKeyExists, k.String())
		}
	}
	for k, v := range other.values {
		vs.values[k] = v
	}
	return nil
}

// Subset returns the values of the given keys.
func (vs *Values) Subset(keys []Key) (*Values, error) {
	out := NewValues()
	for _, k := range keys {
		v, err := vs.At(k)
		if err != nil {
			return nil, err
		}
		out.values[k] = v
	}
	return out, nil
}

// Pose returns the pose stored at k.
func (vs *Values) Pose(k Key) (spatialmath.Pose, error) {
	v, err := vs.At(k)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	p, ok := v.(PoseValue)
	if !ok {
		return spatialmath.Pose{}, errors.Wrapf(ErrWrongType, "%s is %T", k, v)
	}
	return p.Pose, nil
}

// Point3 returns the vector stored at k.
func (vs *Values) Point3(k Key) (r3.Vector, error) {
	v, err := vs.At(k)
	if err != nil {
		return r3.Vector{}, err
	}
	p, ok := v.(Point3Value)
	if !ok {
		return r3.Vector{}, errors.Wrapf(ErrWrongType, "%s is %T", k, v)
	}
	return p.Vector, nil
}

// Bias returns the bias stored at k.
func (vs *Values) Bias(k Key) (imu.Bias, error) {
	v, err := vs.At(k)
	if err != nil {
		return imu.Bias{}, err
	}
	b, ok := v.(BiasValue)
	if !ok {
		return imu.Bias{}, errors.Wrapf(ErrWrongType, "%s is %T", k, v)
	}
	return b.Bias, nil
}

// Plane returns the plane stored at k.
func (vs *Values) Plane(k Key) (spatialmath.Plane, error) {
	v, err := vs.At(k)
	if err != nil {
		return spatialmath.Plane{}, err
	}
	p, ok := v.(PlaneValue)
	if !ok {
		return spatialmath.Plane{}, errors.Wrapf(ErrWrongType, "%s is %T", k, v)
	}
	return p.Plane, nil
}

// Ordering assigns each key a contiguous block of a stacked tangent vector.
type Ordering struct {
	Keys    []Key
	Offsets map[Key]int
	Dims    map[Key]int
	Dim     int
}

// NewOrdering orders the keys of vs ascending.
func NewOrdering(vs *Values) Ordering {
	o := Ordering{Offsets: map[Key]int{}, Dims: map[Key]int{}}
	for _, k := range vs.Keys() {
		d := vs.values[k].Dim()
		o.Keys = append(o.Keys, k)
		o.Offsets[k] = o.Dim
		o.Dims[k] = d
		o.Dim += d
	}
	return o
}

// Retract returns vs perturbed by the stacked delta laid out by ordering.
func (vs *Values) Retract(ordering Ordering, delta []float64) *Values {
	out := vs.Clone()
	for _, k := range ordering.Keys {
		v, ok := vs.values[k]
		if !ok {
			continue
		}
		off := ordering.Offsets[k]
		out.values[k] = v.Retract(delta[off : off+ordering.Dims[k]])
	}
	return out
}
