package sandbox

import (
	"context"
	"io"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/kinga/internal/capability"
)

// Job is one execution in a batch.
type Job struct {
	ID        string
	Code      string
	Context   *capability.Context
	Overrides *Overrides
}

// JobResult pairs a job with its outcome. Err is set only when the job's
// sandbox could not be created or used.
type JobResult struct {
	ID     string
	Result *Result
	Err    error
}

// Runner executes batches of jobs, each in a fresh Sandbox.
type Runner struct {
	cfg    Config
	opts   []Option
	logger *slog.Logger
}

// NewRunner creates a runner whose sandboxes use cfg and opts.
func NewRunner(cfg Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{cfg: cfg.clone(), opts: opts, logger: logger}
}

// RunBatch runs jobs with at most parallelism in flight and returns results
// in job order. A failing job does not stop the others; the returned error
// is the context's if it was cancelled.
func (r *Runner) RunBatch(ctx context.Context, jobs []Job, parallelism int) ([]JobResult, error) {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	results := make([]JobResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, job := range jobs {
		results[i].ID = job.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = r.runOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("sandbox batch finished", slog.Int("jobs", len(jobs)), slog.Int("parallelism", parallelism))
	return results, ctx.Err()
}

func (r *Runner) runOne(ctx context.Context, job Job) (*Result, error) {
	s, err := New(r.cfg, r.logger, r.opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			r.logger.Warn("closing sandbox", slog.String("job", job.ID), slog.String("error", cerr.Error()))
		}
	}()
	return s.Execute(ctx, job.Code, job.Context, job.Overrides)
}
