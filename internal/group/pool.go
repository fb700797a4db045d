package group

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sourcefit/internal/fit"
)

// Pool fits groups concurrently. Groups are independent: a group that
// fails, panics or runs out of time is reported in its own Outcome and never
// affects the others.
type Pool struct {
	// Workers bounds the groups fitted at once; 0 uses GOMAXPROCS.
	Workers int
	// Budget is the wall-clock time allowed per group; 0 means unlimited.
	// A group that exceeds it is aborted with its best values so far.
	Budget  time.Duration
	Options Options
	Logger  zerolog.Logger
}

// NewPool returns a pool with default fitting options.
func NewPool(workers int, logger zerolog.Logger) *Pool {
	return &Pool{Workers: workers, Options: DefaultOptions(), Logger: logger}
}

// Run fits every group and returns their outcomes in input order. Cancelling
// ctx aborts running groups and marks the remaining ones aborted.
func (p *Pool) Run(ctx context.Context, groups []*Group) []*Outcome {
	out := make([]*Outcome, len(groups))
	p.Each(ctx, groups, func(i int, o *Outcome) { out[i] = o })
	return out
}

// Each fits every group and calls fn with each outcome as soon as the group
// finishes. fn may be called from several goroutines at once.
func (p *Pool) Each(ctx context.Context, groups []*Group, fn func(i int, o *Outcome)) {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, grp := range groups {
		g.Go(func() error {
			o := p.fit(ctx, grp)
			p.log(o)
			fn(i, o)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) fit(ctx context.Context, grp *Group) (out *Outcome) {
	if err := ctx.Err(); err != nil {
		return &Outcome{GroupID: grp.ID, Status: fit.StatusAborted, Err: err}
	}
	if p.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error().Str("group", grp.ID).Bytes("stack", debug.Stack()).Msg("panic while fitting")
			out = &Outcome{
				GroupID: grp.ID,
				Status:  fit.StatusFailed,
				Err:     fmt.Errorf("group %q: panic: %v", grp.ID, r),
				Elapsed: time.Since(start),
			}
		}
	}()
	opts := p.Options
	opts.Fit.Logger = p.Logger.With().Str("group", grp.ID).Logger()
	return Fit(ctx, grp, opts)
}

func (p *Pool) log(o *Outcome) {
	ev := p.Logger.Info()
	if o.Status == fit.StatusFailed {
		ev = p.Logger.Warn().AnErr("error", o.Err)
	}
	if o.Flags != 0 {
		ev = ev.Stringer("flags", o.Flags)
	}
	iters := 0
	chi2 := 0.0
	if o.Result != nil {
		iters = o.Result.Iterations
		chi2 = o.Result.ReducedChiSquare
	}
	ev.Str("group", o.GroupID).
		Stringer("status", o.Status).
		Int("iterations", iters).
		Float64("reduced_chi2", chi2).
		Dur("elapsed", o.Elapsed).
		Msg("group fitted")
}
