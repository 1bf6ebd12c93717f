// Package main runs the estimator on a synthetic stereo-inertial sequence and prints the estimates
// next to the ground truth.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/vio/backend"
	"go.viam.com/vio/imu"
	"go.viam.com/vio/logging"
	"go.viam.com/vio/pipeline"
	"go.viam.com/vio/stereo"
	"go.viam.com/vio/testutils"
)

const (
	flagConfig    = "config"
	flagKeyframes = "keyframes"
	flagModality  = "modality"
	flagPlanes    = "planes"
	flagAlign     = "align"
	flagDebug     = "debug"
	flagLogLevel  = "log-level"

	wallDistance = 5.0
	wallPlaneID  = 1
)

func main() {
	var logger logging.Logger
	app := &cli.App{
		Name:  "vio-synth",
		Usage: "run the visual-inertial back end on a synthetic sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load back end parameters from `FILE`",
			},
			&cli.IntFlag{
				Name:  flagKeyframes,
				Value: 10,
				Usage: "number of keyframes to simulate",
			},
			&cli.IntFlag{
				Name:  flagModality,
				Value: -1,
				Usage: "override the landmark modality (0-4)",
			},
			&cli.BoolFlag{
				Name:  flagPlanes,
				Usage: "hand the wall plane to the back end as a regularity hypothesis",
			},
			&cli.BoolFlag{
				Name:  flagAlign,
				Usage: "run the batch initializer and gravity alignment on the first keyframes",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Value: "info",
				Usage: "minimum level to log (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "log per-keyframe debug detail whatever the log level",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.LevelFromString(c.String(flagLogLevel))
			if err != nil {
				return err
			}
			logger = logging.NewLoggerAtLevel("vio-synth", level)
			return nil
		},
		Action: func(c *cli.Context) error {
			opts, err := optionsFromFlags(c)
			if err != nil {
				return err
			}
			ctx := c.Context
			if c.Bool(flagDebug) {
				ctx = logging.EnableDebugMode(ctx, "vio-synth")
			}
			return run(ctx, opts, c.App.Writer, logger)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	params    backend.Params
	keyframes int
	planes    bool
	align     bool
}

func optionsFromFlags(c *cli.Context) (options, error) {
	opts := options{
		params:    backend.DefaultParams(),
		keyframes: c.Int(flagKeyframes),
		planes:    c.Bool(flagPlanes),
		align:     c.Bool(flagAlign),
	}
	if path := c.String(flagConfig); path != "" {
		p, err := backend.LoadParams(path)
		if err != nil {
			return options{}, err
		}
		opts.params = p
	}
	if m := c.Int(flagModality); m >= 0 {
		opts.params.Modality = backend.Modality(m)
		if err := opts.params.Validate("flags"); err != nil {
			return options{}, err
		}
	}
	if opts.keyframes < 2 {
		return options{}, errors.Errorf("--%s must be at least 2", flagKeyframes)
	}
	return opts, nil
}

func run(ctx context.Context, opts options, w io.Writer, logger logging.Logger) error {
	cfg := testutils.DefaultTrajectoryConfig()
	cfg.NumKeyframes = opts.keyframes
	traj, err := testutils.GenerateTrajectory(cfg)
	if err != nil {
		return err
	}
	scene := testutils.NewWallScene(testutils.DefaultRig(), 6, 5, wallDistance, 0.6)

	if opts.align {
		if err := align(ctx, opts, traj, scene, w, logger); err != nil {
			return err
		}
	}

	rows, err := simulate(ctx, opts, traj, scene, logger)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Time (s)", "Position", "Truth", "Error (m)", "Smart", "Explicit", "Factors", "Status"})
	for _, r := range rows {
		out := r.output
		t.AppendRow(table.Row{
			out.FrameID,
			fmt.Sprintf("%.2f", float64(out.Timestamp)*1e-9),
			fmt.Sprintf("%.3f %.3f %.3f", out.Pose.Translation.X, out.Pose.Translation.Y, out.Pose.Translation.Z),
			fmt.Sprintf("%.3f %.3f %.3f", r.truth.X, r.truth.Y, r.truth.Z),
			fmt.Sprintf("%.2e", out.Pose.Translation.Sub(r.truth).Norm()),
			out.NumSmartLandmarks,
			out.NumExplicitLandmarks,
			out.NumFactors,
			out.Status,
		})
	}
	t.Render()
	return nil
}

func keyframeMeasurements(scene *testutils.Scene, kf testutils.Keyframe) stereo.StatusMeasurements {
	return stereo.StatusMeasurements{
		Summary:      stereo.TrackerStatusSummary{MonoStatus: stereo.Valid, StereoStatus: stereo.Valid},
		Measurements: scene.Observe(kf.State.Pose),
	}
}

func align(
	ctx context.Context,
	opts options,
	traj *testutils.Trajectory,
	scene *testutils.Scene,
	w io.Writer,
	logger logging.Logger,
) error {
	const window = 4
	if len(traj.Keyframes) < window {
		return errors.Errorf("alignment needs %d keyframes", window)
	}
	pre, err := imu.NewPreintegrator(opts.params.Imu, imu.Bias{})
	if err != nil {
		return err
	}
	bi, err := backend.NewBatchInitializer(opts.params, scene.Rig, logger.Sublogger("initializer"))
	if err != nil {
		return err
	}
	inputs := make([]*backend.InputPayload, window)
	for k := range inputs {
		kf := traj.Keyframes[k]
		pim, err := kf.Preintegrate(pre)
		if err != nil {
			return err
		}
		inputs[k] = &backend.InputPayload{Timestamp: kf.Timestamp, Measurements: keyframeMeasurements(scene, kf), Pim: pim}
		if k > 0 {
			inputs[k].StereoRansacPose = backend.SomePose(testutils.RelativePose(traj.Keyframes[k-1].State, kf.State))
		}
	}
	res, err := bi.BundleAdjustmentAndGravityAlignment(ctx, inputs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "gravity %.3f %.3f %.3f, gyro bias %.2e %.2e %.2e\n",
		res.Gravity.X, res.Gravity.Y, res.Gravity.Z, res.GyroBias.X, res.GyroBias.Y, res.GyroBias.Z)
	return nil
}

type row struct {
	output *backend.Output
	truth  r3.Vector
}

// simulate runs every keyframe after the first through the pipeline and returns the outputs in
// order.
func simulate(
	ctx context.Context,
	opts options,
	traj *testutils.Trajectory,
	scene *testutils.Scene,
	logger logging.Logger,
) ([]row, error) {
	first := traj.Keyframes[0]
	be, err := backend.New(ctx, opts.params, scene.Rig, backend.State{
		Timestamp: first.Timestamp,
		Pose:      first.State.Pose,
		Velocity:  first.State.Velocity,
	}, logger.Sublogger("backend"))
	if err != nil {
		return nil, err
	}
	pre, err := imu.NewPreintegrator(opts.params.Imu, imu.Bias{})
	if err != nil {
		return nil, err
	}
	results := make(chan pipeline.Result, len(traj.Keyframes))
	runner, err := pipeline.NewRunner(ctx, pipeline.DefaultConfig(), be, pre,
		func(res pipeline.Result) { results <- res }, logger.Sublogger("pipeline"))
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	var planes []backend.Plane
	if opts.planes {
		wall := testutils.WallPlane(wallDistance)
		planes = []backend.Plane{{ID: wallPlaneID, Normal: wall.Normal, Distance: wall.Distance, LandmarkIDs: scene.IDs()}}
	}

	for k, kf := range traj.Keyframes {
		start := 0
		if k > 0 {
			start = 1
		}
		for i := start; i < len(kf.Timestamps); i++ {
			if err := runner.AddImu(kf.Timestamps[i], kf.Samples[i]); err != nil {
				return nil, err
			}
		}
		if k == 0 {
			continue
		}
		if err := runner.Submit(ctx, pipeline.Keyframe{
			Timestamp:        kf.Timestamp,
			Measurements:     keyframeMeasurements(scene, kf),
			Planes:           planes,
			StereoRansacPose: backend.SomePose(testutils.RelativePose(traj.Keyframes[k-1].State, kf.State)),
		}); err != nil {
			return nil, err
		}
	}

	rows := make([]row, 0, len(traj.Keyframes)-1)
	for k := 1; k < len(traj.Keyframes); k++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.Err != nil {
				return nil, errors.Wrapf(res.Err, "keyframe %d", k)
			}
			rows = append(rows, row{output: res.Output, truth: traj.Keyframes[k].State.Pose.Translation})
		}
	}
	return rows, nil
}
