package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/worker"
)

func testPlanConfig() config.PlanConfig {
	return config.PlanConfig{
		StepTimeout:    time.Second,
		MaxConcurrency: 4,
	}
}

func step(id string, kind domain.WorkerKind, deps ...string) *domain.Step {
	return &domain.Step{
		ID:         id,
		WorkerKind: kind,
		Input:      &domain.OptimizedContext{WorkerKind: kind},
		DependsOn:  deps,
		Status:     domain.StepPending,
	}
}

func plan(steps ...*domain.Step) *domain.CoordinationPlan {
	return &domain.CoordinationPlan{ID: "plan-1", SessionID: "s1", Steps: steps}
}

func TestExecuteHonorsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		mu.Lock()
		order = append(order, string(kind))
		mu.Unlock()
		return &domain.WorkerResult{WorkerKind: kind}, nil
	})

	o := New(testPlanConfig(), invoker, nil)
	p := plan(
		step("a", domain.WorkerReview),
		step("b", domain.WorkerTests, "a"),
	)

	result, err := o.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Completed) != 2 {
		t.Fatalf("completed = %v, want 2 steps", result.Completed)
	}
	if result.Partial() {
		t.Errorf("result reported partial: %v", result.Failures)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "review" || order[1] != "tests" {
		t.Errorf("invocation order = %v, want [review tests]", order)
	}
}

func TestFailurePropagatesToDependentsOnly(t *testing.T) {
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		if kind == domain.WorkerReview {
			return nil, errors.New("worker crashed")
		}
		return &domain.WorkerResult{
			WorkerKind: kind,
			Outputs:    []domain.WorkerOutput{{Artifact: "docs.md", Kind: "doc_patch", Content: "patch"}},
		}, nil
	})

	o := New(testPlanConfig(), invoker, nil)
	p := plan(
		step("a", domain.WorkerReview),
		step("b", domain.WorkerTests, "a"),
		step("c", domain.WorkerDocs),
	)

	result, err := o.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := p.Step("a").Status; got != domain.StepFailed {
		t.Errorf("step a status = %s, want failed", got)
	}
	if got := p.Step("b").Status; got != domain.StepBlocked {
		t.Errorf("step b status = %s, want blocked", got)
	}
	if got := p.Step("c").Status; got != domain.StepDone {
		t.Errorf("step c status = %s, want done", got)
	}

	if len(result.Completed) != 1 || result.Completed[0] != "c" {
		t.Errorf("completed = %v, want [c]", result.Completed)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("failures = %v, want a failed and b blocked", result.Failures)
	}
	if !result.Partial() {
		t.Error("result should report partial")
	}
	if len(result.Merged) != 1 || result.Merged[0].Artifact != "docs.md" {
		t.Errorf("merged = %v, want docs.md patch", result.Merged)
	}
}

func TestStepTimeoutMarksFailed(t *testing.T) {
	cfg := testPlanConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	o := New(cfg, invoker, nil)
	p := plan(step("a", domain.WorkerReview))

	result, err := o.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := p.Step("a").Status; got != domain.StepFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if got := p.Step("a").Reason; got != "timeout" {
		t.Errorf("reason = %q, want timeout", got)
	}
	if len(result.Failures) != 1 {
		t.Errorf("failures = %v, want 1", result.Failures)
	}
}

func TestAbortCancelsRemainingSteps(t *testing.T) {
	started := make(chan struct{})
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	o := New(testPlanConfig(), invoker, nil)
	p := plan(
		step("a", domain.WorkerReview),
		step("b", domain.WorkerTests, "a"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := o.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := p.Step("a").Status; got != domain.StepCancelled {
		t.Errorf("step a status = %s, want cancelled", got)
	}
	if got := p.Step("b").Status; got != domain.StepCancelled {
		t.Errorf("step b status = %s, want cancelled", got)
	}
	if len(result.Completed) != 0 {
		t.Errorf("completed = %v, want none", result.Completed)
	}
}

func TestAggregateAdditiveKindsConcatenate(t *testing.T) {
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		content := "finding from " + string(kind)
		return &domain.WorkerResult{
			WorkerKind: kind,
			Outputs:    []domain.WorkerOutput{{Artifact: "main.go", Kind: "review_comment", Content: content}},
		}, nil
	})

	o := New(testPlanConfig(), invoker, nil)
	p := plan(
		step("a", domain.WorkerReview),
		step("b", domain.WorkerArchitecture),
	)

	result, err := o.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Merged) != 1 {
		t.Fatalf("merged = %v, want single combined output", result.Merged)
	}
	combined := result.Merged[0].Content
	want := "finding from review\n\nfinding from architecture"
	if combined != want {
		t.Errorf("combined content = %q, want %q", combined, want)
	}
	if len(result.Escalated) != 0 {
		t.Errorf("escalated = %v, want none", result.Escalated)
	}
}

func TestAggregateContradictoryOutputsEscalate(t *testing.T) {
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		return &domain.WorkerResult{
			WorkerKind: kind,
			Outputs:    []domain.WorkerOutput{{Artifact: "main.go", Kind: "file_patch", Content: "patch from " + string(kind)}},
		}, nil
	})

	o := New(testPlanConfig(), invoker, nil)
	p := plan(
		step("a", domain.WorkerReview),
		step("b", domain.WorkerArchitecture),
	)

	result, err := o.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Escalated) != 1 {
		t.Fatalf("escalated = %v, want 1 conflict", result.Escalated)
	}
	conflict := result.Escalated[0]
	if conflict.Artifact != "main.go" {
		t.Errorf("conflict artifact = %q", conflict.Artifact)
	}
	if conflict.StepIDs[0] != "a" || conflict.StepIDs[1] != "b" {
		t.Errorf("conflict steps = %v, want [a b]", conflict.StepIDs)
	}
	if len(result.Merged) != 0 {
		t.Errorf("merged = %v, want none", result.Merged)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	invoker := worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
		return &domain.WorkerResult{WorkerKind: kind}, nil
	})
	o := New(testPlanConfig(), invoker, nil)

	p := plan(
		step("a", domain.WorkerReview, "b"),
		step("b", domain.WorkerTests, "a"),
	)
	if _, err := o.Execute(context.Background(), p); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("cycle err = %v, want ErrInvalidPlan", err)
	}

	p = plan(step("a", domain.WorkerReview, "ghost"))
	if _, err := o.Execute(context.Background(), p); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("unknown dep err = %v, want ErrInvalidPlan", err)
	}
}
