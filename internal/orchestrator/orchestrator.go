// Package orchestrator executes coordination plans: DAGs of worker
// invocations run in topological order with bounded parallelism.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/worker"
)

var (
	// ErrInvalidPlan is returned when a plan is not a well-formed DAG.
	ErrInvalidPlan = errors.New("invalid coordination plan")
)

// Orchestrator runs plans against the worker pool. A failing step never
// stops independent branches; its transitive dependents are marked blocked
// and everything else continues.
type Orchestrator struct {
	cfg     config.PlanConfig
	invoker worker.Invoker
	logger  *slog.Logger
	sem     *semaphore.Weighted
}

// New creates an orchestrator with the configured concurrency bound.
func New(cfg config.PlanConfig, invoker worker.Invoker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		invoker: invoker,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

type stepDone struct {
	id     string
	result *domain.WorkerResult
	err    error
}

// Execute runs a plan to completion and aggregates the step outputs. The
// returned result accounts for every step: completed, failed, blocked, or
// cancelled. Cancelling ctx aborts the plan; steps not yet started become
// cancelled and in-flight results are discarded.
func (o *Orchestrator) Execute(ctx context.Context, plan *domain.CoordinationPlan) (*domain.AggregatedResult, error) {
	if err := validate(plan); err != nil {
		return nil, err
	}

	o.logger.Info("executing coordination plan",
		"plan_id", plan.ID, "session_id", plan.SessionID, "steps", len(plan.Steps))

	var mu sync.Mutex
	done := make(chan stepDone)
	running := 0
	aborted := false
	ctxDone := ctx.Done()

	for {
		mu.Lock()
		if !aborted {
			for _, step := range plan.Steps {
				if step.Status != domain.StepPending {
					continue
				}
				switch o.settle(plan, step) {
				case domain.StepPending:
					// Waiting on dependencies.
				case domain.StepRunning:
					step.Status = domain.StepRunning
					running++
					go o.runStep(ctx, step, done)
				}
			}
		}
		active := running
		mu.Unlock()

		if active == 0 {
			break
		}

		select {
		case d := <-done:
			mu.Lock()
			running--
			step := plan.Step(d.id)
			if !aborted && d.err != nil && ctx.Err() != nil && errors.Is(d.err, context.Canceled) {
				aborted = true
				ctxDone = nil
				for _, s := range plan.Steps {
					if s.Status == domain.StepPending {
						s.Status = domain.StepCancelled
						s.Reason = "plan aborted"
					}
				}
			}
			if aborted {
				step.Status = domain.StepCancelled
				step.Reason = "plan aborted"
			} else if d.err != nil {
				step.Status = domain.StepFailed
				step.Reason = failureReason(d.err)
				o.logger.Warn("plan step failed",
					"plan_id", plan.ID, "step_id", step.ID,
					"kind", step.WorkerKind, "reason", step.Reason)
				o.blockDependents(plan, step.ID)
			} else {
				step.Status = domain.StepDone
				step.Result = d.result
			}
			mu.Unlock()

		case <-ctxDone:
			// Disarm so the select does not spin while in-flight steps drain.
			ctxDone = nil
			mu.Lock()
			if !aborted {
				aborted = true
				for _, step := range plan.Steps {
					if step.Status == domain.StepPending {
						step.Status = domain.StepCancelled
						step.Reason = "plan aborted"
					}
				}
				o.logger.Info("coordination plan aborted",
					"plan_id", plan.ID, "reason", ctx.Err())
			}
			mu.Unlock()
		}
	}

	result := aggregate(plan)
	o.logger.Info("coordination plan finished",
		"plan_id", plan.ID, "completed", len(result.Completed),
		"failures", len(result.Failures), "escalated", len(result.Escalated))
	return result, nil
}

// settle decides what happens to a pending step given its dependencies.
// It marks the step blocked or cancelled in place when a dependency cannot
// deliver; returns StepRunning when all dependencies are done.
func (o *Orchestrator) settle(plan *domain.CoordinationPlan, step *domain.Step) domain.StepStatus {
	ready := true
	for _, depID := range step.DependsOn {
		dep := plan.Step(depID)
		switch dep.Status {
		case domain.StepDone:
			// Satisfied.
		case domain.StepFailed, domain.StepBlocked:
			step.Status = domain.StepBlocked
			step.Reason = fmt.Sprintf("dependency %s %s", depID, dep.Status)
			return domain.StepBlocked
		case domain.StepCancelled:
			step.Status = domain.StepCancelled
			step.Reason = fmt.Sprintf("dependency %s cancelled", depID)
			return domain.StepCancelled
		default:
			ready = false
		}
	}
	if ready {
		return domain.StepRunning
	}
	return domain.StepPending
}

// blockDependents marks every transitive dependent of a failed step blocked.
// Caller holds the plan mutex.
func (o *Orchestrator) blockDependents(plan *domain.CoordinationPlan, failedID string) {
	blocked := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for _, step := range plan.Steps {
			if step.Status != domain.StepPending {
				continue
			}
			for _, depID := range step.DependsOn {
				if blocked[depID] {
					step.Status = domain.StepBlocked
					step.Reason = fmt.Sprintf("dependency %s failed", depID)
					blocked[step.ID] = true
					changed = true
					break
				}
			}
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, step *domain.Step, done chan<- stepDone) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		done <- stepDone{id: step.ID, err: err}
		return
	}
	defer o.sem.Release(1)

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	started := time.Now()
	result, err := o.invoker.Invoke(stepCtx, step.WorkerKind, step.Input)
	if err == nil && result != nil && result.Elapsed == 0 {
		result.Elapsed = time.Since(started)
	}
	done <- stepDone{id: step.ID, result: result, err: err}
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// validate rejects plans with duplicate step IDs, unknown dependencies, or
// dependency cycles.
func validate(plan *domain.CoordinationPlan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	indegree := make(map[string]int, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, dup := indegree[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidPlan, step.ID)
		}
		indegree[step.ID] = 0
	}

	dependents := make(map[string][]string)
	for _, step := range plan.Steps {
		for _, depID := range step.DependsOn {
			if _, ok := indegree[depID]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidPlan, step.ID, depID)
			}
			indegree[step.ID]++
			dependents[depID] = append(dependents[depID], step.ID)
		}
	}

	// Kahn's algorithm; anything left over sits on a cycle.
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(plan.Steps) {
		return fmt.Errorf("%w: dependency cycle", ErrInvalidPlan)
	}
	return nil
}
