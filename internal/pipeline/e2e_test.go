package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/synth"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

func TestEndToEndSyntheticMarker(t *testing.T) {
	if testing.Short() {
		t.Skip("renders full resolution frames")
	}

	cases := []struct {
		yaw       float64
		distorted bool
	}{
		{yaw: 0},
		{yaw: 30},
		{yaw: 0, distorted: true},
		{yaw: -120, distorted: true},
	}
	for _, tc := range cases {
		yaw := tc.yaw
		t.Run(fmt.Sprintf("yaw=%g/distorted=%t", yaw, tc.distorted), func(t *testing.T) {
			cfg := config.Default()
			if !tc.distorted {
				cfg.Calibration.DistCoeffs = nil
			}
			size := cfg.FrameSize()
			require.Equal(t, config.Size{Width: 2028, Height: 1520}, size)

			src, err := synth.NewSource(synth.Config{
				Width:      size.Width,
				Height:     size.Height,
				Camera:     cfg.Camera(),
				MarkerSize: cfg.MarkerSize,
				Distance:   0.5,
				Yaw:        yaw,
				FPS:        30,
				Format:     types.FormatBGR24,
			})
			require.NoError(t, err)

			coarse, err := detect.NewQuadDetector(cfg.CoarseDetector)
			require.NoError(t, err)
			precise, err := detect.NewQuadDetector(cfg.PreciseDetector)
			require.NoError(t, err)

			surface := display.NewHeadless()
			p, err := New(cfg, Deps{
				Source:  src,
				Coarse:  coarse,
				Precise: precise,
				Solver:  geometry.NewPlanarSolver(),
				Surface: surface,
			})
			require.NoError(t, err)

			poses := make(chan types.PoseResult, 1)
			p.OnPose(func(r types.PoseResult) {
				select {
				case poses <- r:
				default:
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()

			var got types.PoseResult
			select {
			case got = <-poses:
			case <-ctx.Done():
				t.Fatal("no pose within timeout")
			}

			assert.True(t, got.Valid)
			assert.Less(t, got.ReprojectionError, cfg.MaxReprojectionError)
			assert.InDelta(t, 0, got.Translation.X, 0.01)
			assert.InDelta(t, 0, got.Translation.Y, 0.01)
			assert.InDelta(t, 0.5, got.Translation.Z, 0.01)
			assert.InDelta(t, 0, geometry.NormalizeDegrees(got.Yaw-yaw), 1)

			assert.True(t, got.ROI.In(got.Frame.Bounds()))
			for _, c := range got.Corners {
				assert.True(t, c.X >= float64(got.ROI.Min.X) && c.X < float64(got.ROI.Max.X), "corner %v outside ROI %v", c, got.ROI)
				assert.True(t, c.Y >= float64(got.ROI.Min.Y) && c.Y < float64(got.ROI.Max.Y), "corner %v outside ROI %v", c, got.ROI)
			}

			require.Eventually(t, func() bool { return p.Metrics().FramesPresented.Load() > 0 },
				5*time.Second, 10*time.Millisecond, "annotated frame never shown")
			assert.NotNil(t, p.Status().LastPose)

			p.Shutdown()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after shutdown")
			}
			assertAllTerminated(t, p)
		})
	}
}
