package backend

import (
	"fmt"
	"math"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/vio/factorgraph"
	"go.viam.com/vio/imu"
	"go.viam.com/vio/noise"
	"go.viam.com/vio/optimizer"
)

// Modality selects which landmark factors the back end uses.
type Modality int

const (
	// Structureless only uses smart factors.
	Structureless Modality = iota
	// Projection converts every well-conditioned smart landmark to an explicit point.
	Projection
	// StructurelessAndProjection converts only the landmarks claimed by a plane.
	StructurelessAndProjection
	// ProjectionAndRegularity is Projection plus point-plane factors.
	ProjectionAndRegularity
	// StructurelessProjectionAndRegularity is StructurelessAndProjection plus point-plane factors.
	StructurelessProjectionAndRegularity
)

func (m Modality) String() string {
	switch m {
	case Structureless:
		return "structureless"
	case Projection:
		return "projection"
	case StructurelessAndProjection:
		return "structureless_and_projection"
	case ProjectionAndRegularity:
		return "projection_and_regularity"
	case StructurelessProjectionAndRegularity:
		return "structureless_projection_and_regularity"
	default:
		return fmt.Sprintf("Modality(%d)", int(m))
	}
}

// convertsAll reports whether every good smart landmark becomes explicit.
func (m Modality) convertsAll() bool {
	return m == Projection || m == ProjectionAndRegularity
}

// convertsClaimed reports whether only the landmarks claimed by a plane become explicit.
func (m Modality) convertsClaimed() bool {
	return m == StructurelessAndProjection || m == StructurelessProjectionAndRegularity
}

// usesRegularities reports whether point-plane factors are added.
func (m Modality) usesRegularities() bool {
	return m == ProjectionAndRegularity || m == StructurelessProjectionAndRegularity
}

// Params configures the back end.
type Params struct {
	Imu imu.Params `json:"imu" yaml:"imu"`

	InitialPositionSigma  float64 `json:"initial_position_sigma" yaml:"initial_position_sigma"`
	InitialRollPitchSigma float64 `json:"initial_roll_pitch_sigma" yaml:"initial_roll_pitch_sigma"`
	InitialYawSigma       float64 `json:"initial_yaw_sigma" yaml:"initial_yaw_sigma"`
	InitialVelocitySigma  float64 `json:"initial_velocity_sigma" yaml:"initial_velocity_sigma"`
	InitialAccBiasSigma   float64 `json:"initial_acc_bias_sigma" yaml:"initial_acc_bias_sigma"`
	InitialGyroBiasSigma  float64 `json:"initial_gyro_bias_sigma" yaml:"initial_gyro_bias_sigma"`

	SmartNoiseSigma             float64 `json:"smart_noise_sigma" yaml:"smart_noise_sigma"`
	RankTolerance               float64 `json:"rank_tolerance" yaml:"rank_tolerance"`
	LandmarkDistanceThreshold   float64 `json:"landmark_distance_threshold" yaml:"landmark_distance_threshold"`
	OutlierRejection            float64 `json:"outlier_rejection" yaml:"outlier_rejection"`
	AddBetweenStereoFactors     bool    `json:"add_between_stereo_factors" yaml:"add_between_stereo_factors"`
	BetweenRotationPrecision    float64 `json:"between_rotation_precision" yaml:"between_rotation_precision"`
	BetweenTranslationPrecision float64 `json:"between_translation_precision" yaml:"between_translation_precision"`
	// RansacPoseSeed seeds new poses from the stereo RANSAC relative pose instead of the IMU
	// prediction when one is available.
	RansacPoseSeed bool `json:"ransac_pose_seed" yaml:"ransac_pose_seed"`

	ZeroVelocitySigma     float64 `json:"zero_velocity_sigma" yaml:"zero_velocity_sigma"`
	NoMotionPositionSigma float64 `json:"no_motion_position_sigma" yaml:"no_motion_position_sigma"`
	NoMotionRotationSigma float64 `json:"no_motion_rotation_sigma" yaml:"no_motion_rotation_sigma"`
	// NumOptimize is the number of extra optimizer passes after each keyframe update.
	NumOptimize int `json:"num_optimize" yaml:"num_optimize"`
	// Horizon is the length in seconds of the window of keyframes kept in the graph.
	Horizon   float64          `json:"horizon" yaml:"horizon"`
	Optimizer optimizer.Params `json:"optimizer" yaml:"optimizer"`

	Modality               Modality       `json:"modality" yaml:"modality"`
	MinNumObsForProjection int            `json:"min_num_obs_for_projection" yaml:"min_num_obs_for_projection"`
	MinPlaneConstraints    int            `json:"min_plane_constraints" yaml:"min_plane_constraints"`
	MonoNoiseSigma         float64        `json:"mono_noise_sigma" yaml:"mono_noise_sigma"`
	MonoNormType           noise.NormType `json:"mono_norm_type" yaml:"mono_norm_type"`
	MonoNormParam          float64        `json:"mono_norm_param" yaml:"mono_norm_param"`
	StereoNoiseSigma       float64        `json:"stereo_noise_sigma" yaml:"stereo_noise_sigma"`
	StereoNormType         noise.NormType `json:"stereo_norm_type" yaml:"stereo_norm_type"`
	StereoNormParam        float64        `json:"stereo_norm_param" yaml:"stereo_norm_param"`
	RegularityNoiseSigma   float64        `json:"regularity_noise_sigma" yaml:"regularity_noise_sigma"`
	RegularityNormType     noise.NormType `json:"regularity_norm_type" yaml:"regularity_norm_type"`
	RegularityNormParam    float64        `json:"regularity_norm_param" yaml:"regularity_norm_param"`
}

// DefaultParams returns the parameters the back end runs with unless configured otherwise.
func DefaultParams() Params {
	return Params{
		Imu: imu.DefaultParams(),

		InitialPositionSigma:  0.00001,
		InitialRollPitchSigma: 10.0 / 180.0 * math.Pi,
		InitialYawSigma:       0.1 / 180.0 * math.Pi,
		InitialVelocitySigma:  0.001,
		InitialAccBiasSigma:   0.1,
		InitialGyroBiasSigma:  0.01,

		SmartNoiseSigma:             2,
		RankTolerance:               1,
		LandmarkDistanceThreshold:   20,
		OutlierRejection:            8,
		AddBetweenStereoFactors:     true,
		BetweenRotationPrecision:    0,
		BetweenTranslationPrecision: 100,

		ZeroVelocitySigma:     0.001,
		NoMotionPositionSigma: 0.001,
		NoMotionRotationSigma: 0.0001,
		NumOptimize:           2,
		Horizon:               6,
		Optimizer:             optimizer.DefaultParams(),

		Modality:               Structureless,
		MinNumObsForProjection: 4,
		MinPlaneConstraints:    20,
		MonoNoiseSigma:         3,
		MonoNormType:           noise.L2,
		StereoNoiseSigma:       1,
		StereoNormType:         noise.L2,
		RegularityNoiseSigma:   0.1,
		RegularityNormType:     noise.L2,
	}
}

// Validate ensures all parts of the params are valid.
func (p *Params) Validate(path string) error {
	err := p.Imu.Validate(path + ".imu")
	err = multierr.Append(err, p.Optimizer.Validate(path+".optimizer"))
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"initial_position_sigma", p.InitialPositionSigma},
		{"initial_roll_pitch_sigma", p.InitialRollPitchSigma},
		{"initial_yaw_sigma", p.InitialYawSigma},
		{"initial_velocity_sigma", p.InitialVelocitySigma},
		{"initial_acc_bias_sigma", p.InitialAccBiasSigma},
		{"initial_gyro_bias_sigma", p.InitialGyroBiasSigma},
		{"smart_noise_sigma", p.SmartNoiseSigma},
		{"zero_velocity_sigma", p.ZeroVelocitySigma},
		{"no_motion_position_sigma", p.NoMotionPositionSigma},
		{"no_motion_rotation_sigma", p.NoMotionRotationSigma},
		{"mono_noise_sigma", p.MonoNoiseSigma},
		{"stereo_noise_sigma", p.StereoNoiseSigma},
		{"regularity_noise_sigma", p.RegularityNoiseSigma},
		{"horizon", p.Horizon},
	} {
		if !(field.value > 0) {
			err = multierr.Append(err, goutils.NewConfigValidationError(path,
				errors.Errorf("%s must be positive, got %v", field.name, field.value)))
		}
	}
	if p.RankTolerance < 0 || p.LandmarkDistanceThreshold < 0 || p.OutlierRejection < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.New("smart factor thresholds cannot be negative")))
	}
	if p.BetweenRotationPrecision < 0 || p.BetweenTranslationPrecision < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.New("between precisions cannot be negative")))
	}
	if p.NumOptimize < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("num_optimize cannot be negative, got %d", p.NumOptimize)))
	}
	if p.Modality < Structureless || p.Modality > StructurelessProjectionAndRegularity {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("unknown modality %d", p.Modality)))
	}
	if p.MinNumObsForProjection < 2 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("min_num_obs_for_projection must be at least 2, got %d", p.MinNumObsForProjection)))
	}
	if p.MinPlaneConstraints < 1 {
		err = multierr.Append(err, goutils.NewConfigValidationFieldRequiredError(path, "min_plane_constraints"))
	}
	base, _ := noise.NewIsotropic(1, 1)
	for _, norm := range []struct {
		name  string
		typ   noise.NormType
		param float64
	}{
		{"mono", p.MonoNormType, p.MonoNormParam},
		{"stereo", p.StereoNormType, p.StereoNormParam},
		{"regularity", p.RegularityNormType, p.RegularityNormParam},
	} {
		if _, normErr := noise.SelectNormType(base, norm.typ, norm.param); normErr != nil {
			err = multierr.Append(err, goutils.NewConfigValidationError(path,
				errors.Wrapf(normErr, "%s norm", norm.name)))
		}
	}
	return err
}

// Equals reports whether p and o hold the same parameters.
func (p Params) Equals(o Params) bool {
	return cmp.Equal(p, o)
}

// LoadParams reads params from a YAML file. Fields absent from the file keep their defaults.
func LoadParams(path string) (Params, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errors.Wrapf(err, "reading back end params %q", path)
	}
	params := DefaultParams()
	if err := yaml.Unmarshal(data, &params); err != nil {
		return Params{}, errors.Wrapf(err, "parsing back end params %q", path)
	}
	if err := params.Validate(path); err != nil {
		return Params{}, err
	}
	return params, nil
}

// ParamsFromAttributes decodes params from a generic attribute map keyed by the json names.
// Attributes absent from the map keep their defaults.
func ParamsFromAttributes(attributes map[string]interface{}) (Params, error) {
	params := DefaultParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &params})
	if err != nil {
		return Params{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Params{}, errors.Wrap(err, "decoding back end params")
	}
	if err := params.Validate("backend"); err != nil {
		return Params{}, err
	}
	return params, nil
}

// smartParams are the smart factor thresholds.
func (p *Params) smartParams() factorgraph.SmartStereoParams {
	return factorgraph.SmartStereoParams{
		RankTolerance:             p.RankTolerance,
		LandmarkDistanceThreshold: p.LandmarkDistanceThreshold,
		OutlierRejection:          p.OutlierRejection,
	}
}
