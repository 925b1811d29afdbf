// Package batch drives an enrichment run over the input table: it resolves each
// pending record, buffers the results, and checkpoints progress so an interrupted
// run can be resumed without repeating finished lookups.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/contact-enricher/pkg/records"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Record outcomes used as metric labels.
const (
	OutcomeSkipped    = "skipped"
	OutcomeResolved   = "resolved"
	OutcomeUnresolved = "unresolved"
	OutcomeFailed     = "failed"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_batch_records_total",
		Help: "Total number of input records by outcome",
	}, []string{"outcome"})

	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_checkpoints_total",
		Help: "Total number of periodic checkpoints written",
	})

	checkpointErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_checkpoint_errors_total",
		Help: "Total number of checkpoint or final flush failures",
	})
)

// DefaultCheckpointInterval is the wall-clock time between checkpoints.
const DefaultCheckpointInterval = 30 * time.Minute

// ErrRecordPanic wraps a panic recovered while resolving a single record.
var ErrRecordPanic = errors.New("panic while resolving record")

// Resolver looks up the contact email for a profile reference.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, bool, error)
}

// Config holds runner configuration.
type Config struct {
	// Resumable enables status skipping, the output skip-set and periodic
	// checkpoints. Without it the run writes the output once at the end and
	// leaves the input untouched.
	Resumable bool

	CheckpointInterval time.Duration

	// Now is the checkpoint clock. Defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// Summary reports what a run did.
type Summary struct {
	RunID       string
	Total       int
	Skipped     int
	Resolved    int
	Unresolved  int
	Failed      int
	Checkpoints int

	// Interrupted is set when the context ended before every record was visited.
	Interrupted bool
	Duration    time.Duration
}

// Runner processes an input table to completion.
type Runner struct {
	resolver Resolver
	input    records.InputStore
	output   records.OutputStore
	config   Config
	logger   zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(resolver Resolver, input records.InputStore, output records.OutputStore, cfg Config) *Runner {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		resolver: resolver,
		input:    input,
		output:   output,
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// run is the mutable state of one Run call.
type run struct {
	recs     []records.InputRecord
	skip     map[string]struct{}
	buffered []records.OutputRecord
	summary  Summary
	log      zerolog.Logger
}

// Run processes every eligible record. Per-record failures are logged and
// counted; only loading the stores or the final flush can fail the run.
// Cancelling ctx stops before the next record and still flushes.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.config.Now()
	st := &run{summary: Summary{RunID: uuid.NewString()}}
	st.log = r.logger.With().Str("run_id", st.summary.RunID).Logger()

	st.log.Info().Bool("resumable", r.config.Resumable).Msg("Reading input records")
	recs, err := r.input.Load(ctx)
	if err != nil {
		return st.summary, fmt.Errorf("load input: %w", err)
	}
	st.recs = recs
	st.summary.Total = len(recs)

	if r.config.Resumable {
		existing, err := r.output.Load(ctx)
		if err != nil {
			return st.summary, fmt.Errorf("load output: %w", err)
		}
		st.skip = records.ProfileSet(existing)
		st.log.Info().
			Int("records", len(recs)).
			Int("already_resolved", len(existing)).
			Msg("Resuming run")
	}

	lastCheckpoint := r.config.Now()
	for i := range st.recs {
		if ctx.Err() != nil {
			st.summary.Interrupted = true
			st.log.Warn().Int("remaining", len(st.recs)-i).Msg("Run interrupted, flushing progress")
			break
		}

		rec := &st.recs[i]
		if r.config.Resumable && !r.eligible(st, rec) {
			st.summary.Skipped++
			recordsTotal.WithLabelValues(OutcomeSkipped).Inc()
			continue
		}

		r.process(ctx, st, rec)

		if r.config.Resumable && r.config.Now().Sub(lastCheckpoint) > r.config.CheckpointInterval {
			if r.checkpoint(ctx, st) {
				st.summary.Checkpoints++
				checkpointsTotal.Inc()
			}
			lastCheckpoint = r.config.Now()
		}
	}

	err = r.flush(ctx, st)
	st.summary.Duration = r.config.Now().Sub(start)

	st.log.Info().
		Int("total", st.summary.Total).
		Int("skipped", st.summary.Skipped).
		Int("resolved", st.summary.Resolved).
		Int("unresolved", st.summary.Unresolved).
		Int("failed", st.summary.Failed).
		Int("checkpoints", st.summary.Checkpoints).
		Dur("duration", st.summary.Duration).
		Msg("Run finished")

	return st.summary, err
}

// eligible reports whether a record still needs a lookup.
func (r *Runner) eligible(st *run, rec *records.InputRecord) bool {
	if rec.Status == records.StatusDone {
		return false
	}
	_, seen := st.skip[rec.ProfileURL]
	return !seen
}

// process resolves one record and records the outcome.
func (r *Runner) process(ctx context.Context, st *run, rec *records.InputRecord) {
	log := st.log.With().Str("profile_url", rec.ProfileURL).Logger()
	log.Info().Str("username", rec.Username).Msg("Processing record")

	email, found, err := r.resolve(ctx, rec.ProfileURL)
	switch {
	case err != nil:
		st.summary.Failed++
		recordsTotal.WithLabelValues(OutcomeFailed).Inc()
		log.Error().Err(err).Msg("Error while processing record")

	case !found:
		st.summary.Unresolved++
		recordsTotal.WithLabelValues(OutcomeUnresolved).Inc()

	default:
		st.summary.Resolved++
		recordsTotal.WithLabelValues(OutcomeResolved).Inc()
		st.buffered = append(st.buffered, records.OutputFrom(*rec, email))
		if r.config.Resumable {
			st.skip[rec.ProfileURL] = struct{}{}
			rec.Status = records.StatusDone
		}
	}
}

// resolve calls the resolver, turning a panic into an error.
func (r *Runner) resolve(ctx context.Context, ref string) (email string, found bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug().Str("stack", string(debug.Stack())).Msg("Recovered panic")
			email, found, err = "", false, fmt.Errorf("%w: %v", ErrRecordPanic, p)
		}
	}()
	return r.resolver.Resolve(ctx, ref)
}

// checkpoint appends buffered output and overwrites the input statuses.
// The buffer is only cleared once the output append succeeded.
func (r *Runner) checkpoint(ctx context.Context, st *run) bool {
	ctx = context.WithoutCancel(ctx)
	st.log.Info().Int("buffered", len(st.buffered)).Msg("Saving progress")

	if len(st.buffered) > 0 {
		if err := r.output.Append(ctx, st.buffered); err != nil {
			checkpointErrorsTotal.Inc()
			st.log.Error().Err(err).Msg("Checkpoint failed to append output")
			return false
		}
		st.buffered = st.buffered[:0]
	}
	if err := r.input.Save(ctx, st.recs); err != nil {
		checkpointErrorsTotal.Inc()
		st.log.Error().Err(err).Msg("Checkpoint failed to save input statuses")
		return false
	}
	return true
}

// flush performs the end-of-run write.
func (r *Runner) flush(ctx context.Context, st *run) error {
	ctx = context.WithoutCancel(ctx)

	if !r.config.Resumable {
		if err := r.output.Replace(ctx, st.buffered); err != nil {
			checkpointErrorsTotal.Inc()
			return fmt.Errorf("write output: %w", err)
		}
		st.log.Info().Int("written", len(st.buffered)).Msg("Successfully written output")
		return nil
	}

	// Statuses are only saved once their output rows are on disk, otherwise a
	// resumed run would skip records whose addresses were never written.
	if len(st.buffered) > 0 {
		if err := r.output.Append(ctx, st.buffered); err != nil {
			checkpointErrorsTotal.Inc()
			return fmt.Errorf("append output: %w", err)
		}
		st.buffered = st.buffered[:0]
	}
	if err := r.input.Save(ctx, st.recs); err != nil {
		checkpointErrorsTotal.Inc()
		return fmt.Errorf("save input: %w", err)
	}
	st.log.Info().Msg("Successfully written output")
	return nil
}
