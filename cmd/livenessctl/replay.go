package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"livenessd/internal/frame"
	"livenessd/internal/logging"
	"livenessd/internal/pipeline"
	"livenessd/internal/probe"
	"livenessd/internal/score"
)

const defaultReplayUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// cmdReplay feeds a directory of images through one pipeline session and
// prints the score computed when the frames run out.
func cmdReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	fps := fs.Float64("fps", 30, "nominal frame rate of the recording")
	maxWidth := fs.Int("max-width", 640, "downscale wider frames; 0 keeps the source size")
	realtime := fs.Bool("realtime", false, "pace frames at -fps instead of as fast as possible")
	weights := fs.String("weights", "", "weight table version (default: configured)")
	label := fs.String("camera", "Replay Camera", "camera label reported to the device probe")
	userAgent := fs.String("user-agent", defaultReplayUA, "user agent reported to the environment probe")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	verbose := fs.Bool("v", false, "log pipeline activity to stderr")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("usage: livenessctl replay [flags] <dir>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *weights != "" {
		cfg.Scoring.WeightsVersion = *weights
	}
	w, err := cfg.Weights()
	if err != nil {
		return err
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	src, err := frame.NewDirSource(fs.Arg(0), frame.DirSourceOptions{
		FPS:      *fps,
		MaxWidth: *maxWidth,
		Realtime: *realtime,
	})
	if err != nil {
		return err
	}
	if src.Len() == 0 {
		return fmt.Errorf("no images in %s", fs.Arg(0))
	}

	m, err := pipeline.NewManager(pipeline.ManagerOptions{
		Config:  cfg.Pipeline,
		Weights: w,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	sess, err := m.Create(ctx, "", src)
	if err != nil {
		return err
	}
	sess.SubmitDevice(probe.DeviceReport{Labels: []string{*label}, ActiveLabel: *label})
	sess.SubmitEnvironment(probe.EnvironmentReport{
		UserAgent:      *userAgent,
		PluginCount:    3,
		LanguageCount:  2,
		ViewportWidth:  1280,
		ViewportHeight: 800,
	})

	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Stop()
		return errors.New("interrupted")
	}
	if err := sess.Err(); err != nil {
		return err
	}

	res, err := sess.Score()
	if err != nil {
		var pending *score.PendingError
		if errors.As(err, &pending) {
			return fmt.Errorf("no score: %s never reported (too few frames?)", strings.Join(pending.Missing, ", "))
		}
		return err
	}

	if *asJSON {
		return printEncoded(res, "json")
	}
	printReport(fs.Arg(0), src.Len(), time.Since(started), res)
	return nil
}

func printReport(dir string, frames int, took time.Duration, res score.Result) {
	fmt.Printf("Replay of %s: %d frames in %s\n\n", dir, frames, took.Round(time.Millisecond))
	fmt.Printf("Trust score: %d (%s), weights %s\n", res.Score, res.Level, res.WeightsVersion)

	if len(res.Breakdown) > 0 {
		fmt.Println()
		fmt.Println("Penalties:")
		for _, p := range res.Breakdown {
			fmt.Printf("  %4d  %-12s %-28s %s\n", p.Points, p.Category, p.Reason, p.Description)
		}
	}
	if len(res.Notes) > 0 {
		fmt.Println()
		fmt.Println("Notes:")
		for _, n := range res.Notes {
			fmt.Printf("  - %s\n", n)
		}
	}

	in := res.Signals
	fmt.Println()
	fmt.Println("Signals:")
	if in.Motion != nil {
		fmt.Printf("  motion     score=%.1f natural=%v\n", in.Motion.MotionScore, in.Motion.MovementNatural)
	}
	if in.Deepfake != nil {
		fmt.Printf("  deepfake   probability=%.1f blinks/min=%.1f\n", in.Deepfake.DeepfakeProbability, in.Deepfake.BlinkRatePerMinute)
	}
	if in.Rppg != nil {
		fmt.Printf("  rppg       status=%s bpm=%.0f confidence=%.0f quality=%.0f\n",
			in.Rppg.Status, in.Rppg.HeartRateBPM, in.Rppg.Confidence, in.Rppg.SignalQuality)
	}
	if in.Timing != nil {
		fmt.Printf("  timing     fps=%.1f jitter=%.1fms anomaly=%v\n", in.Timing.AvgFPS, in.Timing.JitterMs, in.Timing.AnomalyDetected)
	}
}
