package lineage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seed-platform/seedctl/internal/model"
)

// Options configures a prune pass.
type Options struct {
	Scope model.Scope
	// Depth is the number of generations kept behind each entity's current
	// state. Zero selects DefaultDepth.
	Depth  int
	DryRun bool
}

// Result summarizes one prune pass over a scope.
type Result struct {
	Scope       model.Scope
	Depth       int
	DryRun      bool
	TotalStates int64
	Kept        int64
	Deleted     int64
	Keepers     *Keepers
	Duration    time.Duration
	// RunID identifies the recorded prune run, if a recorder is attached.
	RunID string
}

// RunRecorder persists the lifecycle of prune passes.
type RunRecorder interface {
	CreatePruneRun(ctx context.Context, run *model.PruneRun) error
	CompletePruneRun(ctx context.Context, runID string, outcome model.PruneOutcome) error
	FailPruneRun(ctx context.Context, runID string, errMsg string) error
}

// Pruner deletes states that fall outside the keeper set.
type Pruner struct {
	runInTx  TxFunc
	recorder RunRecorder
}

// NewPruner creates a Pruner that runs each pass through runInTx.
func NewPruner(runInTx TxFunc) *Pruner {
	return &Pruner{runInTx: runInTx}
}

// WithRecorder makes p record every pass through r.
func (p *Pruner) WithRecorder(r RunRecorder) *Pruner {
	p.recorder = r
	return p
}

// DeleteUnneededStates computes the complete keeper set for opts.Scope and
// then deletes every other state in one statement. Both phases share one
// transaction, so nothing is deleted unless the keeper computation finished
// for every entity. With DryRun the delete is skipped and Deleted reports
// how many states would have gone.
func (p *Pruner) DeleteUnneededStates(ctx context.Context, opts Options) (*Result, error) {
	depth := opts.Depth
	if depth == 0 {
		depth = DefaultDepth
	}
	if depth < 0 {
		return nil, eris.Errorf("lineage: invalid depth %d", depth)
	}
	if _, err := model.ParseEntityKind(string(opts.Scope.Kind)); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "lineage.pruner"),
		zap.String("kind", string(opts.Scope.Kind)),
		zap.Int64("organization_id", opts.Scope.OrganizationID),
		zap.Bool("dry_run", opts.DryRun),
	)

	start := time.Now()
	res := &Result{Scope: opts.Scope, Depth: depth, DryRun: opts.DryRun}

	if p.recorder != nil {
		run := &model.PruneRun{
			Kind:           opts.Scope.Kind,
			OrganizationID: opts.Scope.OrganizationID,
			Depth:          depth,
			DryRun:         opts.DryRun,
		}
		if err := p.recorder.CreatePruneRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "lineage: record prune run")
		}
		res.RunID = run.ID
		log = log.With(zap.String("run_id", run.ID))
	}

	err := p.runInTx(ctx, func(ctx context.Context, tx Tx) error {
		total, err := tx.CountStates(ctx, opts.Scope)
		if err != nil {
			return eris.Wrapf(err, "lineage: count %s states", opts.Scope.Kind)
		}
		res.TotalStates = total

		keepers, err := NewSelector(tx, opts.Scope, depth).ComputeKeeperStateIDs(ctx)
		if err != nil {
			return err
		}
		res.Keepers = keepers
		res.Kept = int64(keepers.IDs.Len())

		if opts.DryRun {
			res.Deleted = total - res.Kept
			return nil
		}

		deleted, err := tx.DeleteStates(ctx, opts.Scope, keepers.IDs.Sorted())
		if err != nil {
			return eris.Wrapf(err, "lineage: delete unneeded %s states", opts.Scope.Kind)
		}
		res.Deleted = deleted
		return nil
	})
	if err != nil {
		p.recordFailure(ctx, log, res.RunID, err)
		return nil, err
	}

	res.Duration = time.Since(start)
	p.recordSuccess(ctx, log, res)
	log.Info("prune complete",
		zap.Int64("total", res.TotalStates),
		zap.Int64("kept", res.Kept),
		zap.Int64("deleted", res.Deleted),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// The prune outcome is already final when these run, so recording errors
// are logged rather than returned. Recording outlives ctx cancellation.
func (p *Pruner) recordFailure(ctx context.Context, log *zap.Logger, runID string, cause error) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.FailPruneRun(context.WithoutCancel(ctx), runID, cause.Error()); err != nil {
		log.Warn("failed to record prune failure", zap.Error(err))
	}
}

func (p *Pruner) recordSuccess(ctx context.Context, log *zap.Logger, res *Result) {
	if p.recorder == nil {
		return
	}
	outcome := model.PruneOutcome{
		TotalStates:   res.TotalStates,
		KeptStates:    res.Kept,
		DeletedStates: res.Deleted,
	}
	if err := p.recorder.CompletePruneRun(context.WithoutCancel(ctx), res.RunID, outcome); err != nil {
		log.Warn("failed to record prune completion", zap.Error(err))
	}
}

// PruneKinds runs DeleteUnneededStates for each kind, at most concurrency at
// a time. Kinds share no tables, so each keeps its own keeper-then-delete
// ordering. Results are returned in the order of kinds; the first error
// cancels passes that have not started.
func (p *Pruner) PruneKinds(ctx context.Context, kinds []model.EntityKind, opts Options, concurrency int) ([]*Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*Result, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, kind := range kinds {
		kindOpts := opts
		kindOpts.Scope.Kind = kind
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := p.DeleteUnneededStates(gctx, kindOpts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
