package stereo

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/vio/spatialmath"
)

var testCalib = Calibration{Fx: 450, Fy: 455, Cx: 320, Cy: 240, Baseline: 0.11}

func TestProjectBackproject(t *testing.T) {
	p := r3.Vector{X: 0.4, Y: -0.3, Z: 4}
	obs, err := testCalib.Project(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.UL, test.ShouldAlmostEqual, 450*0.1+320)
	test.That(t, obs.Disparity(), test.ShouldAlmostEqual, 450*0.11/4)
	test.That(t, obs.IsMono(), test.ShouldBeFalse)

	back, err := testCalib.Backproject(obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-9)

	_, err = testCalib.Project(r3.Vector{Z: -1})
	test.That(t, errors.Is(err, ErrCheirality), test.ShouldBeTrue)

	_, err = testCalib.Backproject(NewMonoPoint2(1, 2))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, math.IsNaN(NewMonoPoint2(1, 2).UR), test.ShouldBeTrue)
}

func TestRigProjectWorld(t *testing.T) {
	rig := Rig{Calibration: testCalib, BodyPoseCam: spatialmath.NewPose(spatialmath.NewRotation(), r3.Vector{X: 0.05})}
	body := spatialmath.NewPose(spatialmath.RotationFromRPY(0, 0, 0.2), r3.Vector{X: 1, Y: 1})
	world := rig.CameraPose(body).TransformFrom(r3.Vector{X: 0.2, Y: 0.1, Z: 3})

	obs, err := rig.ProjectWorld(body, world)
	test.That(t, err, test.ShouldBeNil)
	back, err := testCalib.Backproject(obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Sub(r3.Vector{X: 0.2, Y: 0.1, Z: 3}).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestCalibrationValidate(t *testing.T) {
	test.That(t, testCalib.Validate("camera"), test.ShouldBeNil)
	bad := Calibration{Fx: 1}
	err := bad.Validate("camera")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "baseline")
	test.That(t, LowDisparity.String(), test.ShouldEqual, "LOW_DISPARITY")
}
