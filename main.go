// Command sourcefit fits the sources of a scene file and writes a report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/rs/zerolog"

	"sourcefit/internal/config"
	"sourcefit/internal/fit"
	"sourcefit/internal/group"
	"sourcefit/internal/image"
	"sourcefit/internal/logging"
	"sourcefit/internal/report"
	"sourcefit/internal/scene"
	"sourcefit/internal/version"
	"sourcefit/internal/watch"
)

// runner holds the command line and repeats the whole run on demand.
type runner struct {
	scenePath  string
	configPath string
	outPath    string
	checkDir   string
	workers    int
	logger     zerolog.Logger
}

func main() {
	scenePath := flag.String("scene", "", "Scene file (HCL)")
	configPath := flag.String("config", "", "Engine configuration (TOML or YAML)")
	outPath := flag.String("out", "", "Report file: .json or .msgpack, optionally .gz")
	checkDir := flag.String("check", "", "Directory for data/model/residual check images")
	workers := flag.Int("workers", 0, "Number of groups fitted at once (0 keeps the configured value)")
	watchInputs := flag.Bool("watch", false, "Fit again whenever the scene or configuration changes")
	noColor := flag.Bool("no-color", false, "Plain summary output")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *scenePath == "" {
		fmt.Println("Usage: sourcefit -scene <file> [-config engine.toml] [-out report.json] [-check dir] [-watch]")
		os.Exit(1)
	}
	if *noColor {
		color.Disable()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		scenePath:  *scenePath,
		configPath: *configPath,
		outPath:    *outPath,
		checkDir:   *checkDir,
		workers:    *workers,
		logger:     logging.Configure(logging.ProfileRuntime),
	}
	r.logger.Info().Str("version", version.Version).Msg("starting sourcefit")

	err := r.run(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("run failed")
	}
	if !*watchInputs {
		if err != nil {
			os.Exit(1)
		}
		return
	}
	if err := r.watch(ctx); err != nil {
		r.logger.Error().Err(err).Msg("watch failed")
		os.Exit(1)
	}
}

// watch re-runs after every edit of the inputs until interrupted.
func (r *runner) watch(ctx context.Context) error {
	paths := []string{r.scenePath}
	if r.configPath != "" {
		paths = append(paths, r.configPath)
	}
	w, err := watch.New(300*time.Millisecond, r.logger, paths...)
	if err != nil {
		return err
	}
	changed := make(chan []string, 1)
	w.OnChange(func(p []string) {
		select {
		case changed <- p:
		default:
		}
	})
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()
	r.logger.Info().Strs("paths", w.Paths()).Msg("watching inputs")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("stopped")
			return nil
		case p := <-changed:
			r.logger.Info().Strs("paths", p).Msg("inputs changed, fitting again")
			if err := r.run(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run failed")
			}
		}
	}
}

// run loads the inputs, fits every group and writes the outputs.
func (r *runner) run(ctx context.Context) error {
	cfg := config.Default()
	if r.configPath != "" {
		var err error
		if cfg, err = config.Load(r.configPath); err != nil {
			return err
		}
	}
	if r.workers > 0 {
		cfg.Pool.Workers = r.workers
	}
	lc := cfg.Logging()
	logging.ApplyEnv(&lc, os.Getenv)
	r.logger = logging.New(lc, nil)

	sf, err := scene.Load(r.scenePath)
	if err != nil {
		return err
	}
	sc, err := scene.Build(sf)
	if err != nil {
		return fmt.Errorf("scene %s: %w", r.scenePath, err)
	}
	pool, err := cfg.NewPool(r.logger)
	if err != nil {
		return err
	}
	r.logger.Info().
		Int("frames", len(sc.Frames)).
		Int("groups", len(sc.Groups)).
		Int("workers", pool.Workers).
		Msg("fitting scene")

	start := time.Now()
	outs := pool.Run(ctx, sc.Groups)
	elapsed := time.Since(start)

	rep := report.New(strings.TrimSuffix(filepath.Base(r.scenePath), filepath.Ext(r.scenePath)))
	for _, o := range outs {
		rep.Add(o)
	}
	if r.checkDir != "" {
		if err := r.writeChecks(sc.Groups, outs, rep, pool.Options); err != nil {
			return err
		}
	}
	if r.outPath != "" {
		if r.configPath != "" {
			rep.SetConfig(r.outPath, r.configPath)
		}
		if err := rep.Save(r.outPath); err != nil {
			return err
		}
		r.logger.Info().Str("path", r.outPath).Msg("report written")
	}

	printSummary(outs, sc.Truth, elapsed)
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// writeChecks saves one data | model | residual image per group and frame.
func (r *runner) writeChecks(groups []*group.Group, outs []*group.Outcome, rep *report.File, opts group.Options) error {
	if err := os.MkdirAll(r.checkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create check directory: %w", err)
	}
	for i, g := range groups {
		o := outs[i]
		if o.Result == nil || o.Status == fit.StatusNoData {
			continue
		}
		models, err := g.ModelImages(o.Result, opts.Render)
		if err != nil {
			r.logger.Warn().Err(err).Str("group", g.ID).Msg("check image skipped")
			continue
		}
		seen := make(map[string]int)
		for j, f := range g.Frames {
			if models[j] == nil {
				continue
			}
			key := f.Band
			if n := seen[f.Band]; n > 0 {
				key = fmt.Sprintf("%s_%d", f.Band, n)
			}
			seen[f.Band]++
			path := filepath.Join(r.checkDir, fmt.Sprintf("%s_%s.tiff", g.ID, key))
			if err := image.NewFitCheck(f, models[j]).WriteTIFF(path); err != nil {
				return err
			}
			if r.outPath != "" {
				rep.SetCheckImage(r.outPath, i, key, path)
			}
		}
	}
	r.logger.Info().Str("dir", r.checkDir).Msg("check images written")
	return nil
}

func statusColor(s fit.Status) color.Color {
	switch s {
	case fit.StatusConverged:
		return color.Green
	case fit.StatusMaxIterations:
		return color.Yellow
	case fit.StatusFailed:
		return color.Red
	default:
		return color.Magenta
	}
}

// printSummary prints one block per group: status line then every fitted
// parameter, compared with the simulated truth.
func printSummary(outs []*group.Outcome, truth map[string]float64, elapsed time.Duration) {
	counts := make(map[fit.Status]int)
	fmt.Println()
	for _, o := range outs {
		counts[o.Status]++
		iter, chi := 0, math.NaN()
		if o.Result != nil {
			iter, chi = o.Result.Iterations, o.Result.ReducedChiSquare
		}
		fmt.Printf("%s %s %4d iter  chi2/dof %8.3f  %8s",
			color.Bold.Sprintf("%-12s", o.GroupID),
			statusColor(o.Status).Sprintf("%-14s", o.Status),
			iter, chi, o.Elapsed.Round(time.Millisecond))
		if o.Flags != 0 {
			fmt.Printf("  [%s]", o.Flags)
		}
		if o.Err != nil {
			fmt.Printf("  %s", color.Red.Sprint(o.Err))
		}
		fmt.Println()

		ests := make(map[string]group.Estimate)
		for _, s := range o.Sources {
			for _, band := range s.Bands {
				for _, e := range band {
					ests[e.Name] = e
				}
			}
		}
		names := make([]string, 0, len(ests))
		for n := range ests {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			e := ests[n]
			fmt.Printf("    %-20s %12.4f ± %-10.4f", n, e.Value, e.Sigma)
			if t, ok := truth[n]; ok {
				pull := (e.Value - t) / e.Sigma
				line := fmt.Sprintf(" truth %12.4f  pull %6.2f", t, pull)
				if math.Abs(pull) > 3 {
					line = color.Red.Sprint(line)
				}
				fmt.Print(line)
			}
			fmt.Println()
		}
	}
	fmt.Printf("\n%d groups in %s:", len(outs), elapsed.Round(time.Millisecond))
	for _, s := range []fit.Status{fit.StatusConverged, fit.StatusMaxIterations, fit.StatusNoData, fit.StatusAborted, fit.StatusFailed} {
		if counts[s] > 0 {
			fmt.Printf(" %s", statusColor(s).Sprintf("%d %s", counts[s], s))
		}
	}
	fmt.Println()
}
