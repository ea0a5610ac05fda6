package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tgpipeline/internal/config"
)

type fakeStage struct {
	name  string
	err   error
	calls *[]string
	mu    *sync.Mutex
	block chan struct{}
}

func (f fakeStage) Name() string { return f.name }

func (f fakeStage) Run(ctx context.Context) (Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	*f.calls = append(*f.calls, f.name)
	f.mu.Unlock()
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Counts: map[string]int{"rows": 1}}, nil
}

type harness struct {
	mu    sync.Mutex
	calls []string
}

func (h *harness) stage(name string, err error) fakeStage {
	return fakeStage{name: name, err: err, calls: &h.calls, mu: &h.mu}
}

func (h *harness) called() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func newTestOrchestrator(t *testing.T, h *harness, failing map[string]error) *Orchestrator {
	t.Helper()
	var stages []Stage
	for _, name := range []string{StageScrape, StageLoadRaw, StageEnrich, StageLoadDetections, StageTransform} {
		stages = append(stages, h.stage(name, failing[name]))
	}
	o, err := New(stages, Dependencies, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func statuses(run Run) map[string]Status {
	out := make(map[string]Status, len(run.Stages))
	for _, s := range run.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func TestRun_AllStagesInOrder(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, nil)

	run, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{StageScrape, StageLoadRaw, StageEnrich, StageLoadDetections, StageTransform}
	if got := h.called(); !reflect.DeepEqual(got, want) {
		t.Errorf("execution order = %v, want %v", got, want)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}
	if run.Trigger != "manual" || run.ID == "" || run.FinishedAt == nil {
		t.Errorf("run metadata = %+v", run)
	}
	for _, s := range run.Stages {
		if s.Status != StatusSucceeded || s.StartedAt == nil || s.Counts["rows"] != 1 {
			t.Errorf("stage %s = %+v", s.Name, s)
		}
	}
}

func TestRun_FailureSkipsDependentsOnly(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, map[string]error{StageEnrich: errors.New("model not loaded")})

	run, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]Status{
		StageScrape:         StatusSucceeded,
		StageLoadRaw:        StatusSucceeded,
		StageEnrich:         StatusFailed,
		StageLoadDetections: StatusSkipped,
		StageTransform:      StatusSkipped,
	}
	if got := statuses(run); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if got := h.called(); !reflect.DeepEqual(got, []string{StageScrape, StageLoadRaw, StageEnrich}) {
		t.Errorf("executed = %v", got)
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if !reflect.DeepEqual(run.Failed(), []string{StageEnrich}) {
		t.Errorf("Failed() = %v", run.Failed())
	}
	if run.Stages[2].Error != "model not loaded" {
		t.Errorf("enrich error = %q", run.Stages[2].Error)
	}
}

func TestRun_ScrapeFailureSkipsEverything(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, map[string]error{StageScrape: errors.New("session expired")})

	run, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.called(); !reflect.DeepEqual(got, []string{StageScrape}) {
		t.Errorf("executed = %v", got)
	}
	for _, s := range run.Stages[1:] {
		if s.Status != StatusSkipped {
			t.Errorf("stage %s = %s, want skipped", s.Name, s.Status)
		}
	}
}

func TestRun_StageSubset(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, nil)

	run, err := o.Run(context.Background(), Options{Stages: []string{StageTransform, StageLoadRaw}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{StageLoadRaw, StageTransform}
	if got := h.called(); !reflect.DeepEqual(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
	if len(run.Stages) != 2 || run.Status != StatusSucceeded {
		t.Errorf("run = %+v", run)
	}

	if _, err := o.Run(context.Background(), Options{Stages: []string{"publish"}}); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("unknown stage err = %v", err)
	}
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	h := &harness{}
	release := make(chan struct{})
	blocking := h.stage(StageScrape, nil)
	blocking.block = release

	o, err := New([]Stage{blocking, h.stage(StageLoadRaw, nil)}, map[string][]string{StageLoadRaw: {StageScrape}}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := o.Start(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Status != StatusRunning || first.Stages[0].Status != StatusPending {
		t.Errorf("initial state = %+v", first)
	}

	if _, err := o.Start(context.Background(), Options{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Start err = %v, want ErrRunInProgress", err)
	}
	if _, err := o.Run(context.Background(), Options{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("Run err = %v, want ErrRunInProgress", err)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, ok := o.Get(first.ID)
		if ok && r.Status == StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: %+v", r)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The lock is released once the run is done.
	deadline = time.Now().Add(5 * time.Second)
	for {
		_, err := o.Run(context.Background(), Options{Stages: []string{StageLoadRaw}})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRunInProgress) || time.Now().After(deadline) {
			t.Fatalf("Run after completion: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	runs := o.Runs()
	if len(runs) != 2 || runs[1].ID != first.ID {
		t.Errorf("history = %+v, want newest first", runs)
	}
}

func TestRun_CanceledContextSkipsStages(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.called()) != 0 {
		t.Errorf("stages ran after cancellation: %v", h.called())
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %s", run.Status)
	}
}

type recordingNotifier struct {
	runs []Run
}

func (n *recordingNotifier) NotifyRun(ctx context.Context, run Run) error {
	n.runs = append(n.runs, run)
	return errors.New("chat not found")
}

func TestRun_NotifiesEvenWhenNotifierFails(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, nil)
	n := &recordingNotifier{}
	o.SetNotifier(n)

	run, err := o.Run(context.Background(), Options{Trigger: "cli"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(n.runs) != 1 || n.runs[0].ID != run.ID || n.runs[0].Trigger != "cli" {
		t.Errorf("notified = %+v", n.runs)
	}
}

func TestNew_ValidatesGraph(t *testing.T) {
	h := &harness{}
	a, b := h.stage("a", nil), h.stage("b", nil)

	tests := []struct {
		name   string
		stages []Stage
		deps   map[string][]string
	}{
		{"cycle", []Stage{a, b}, map[string][]string{"a": {"b"}, "b": {"a"}}},
		{"unknown dependency", []Stage{a}, map[string][]string{"a": {"b"}}},
		{"unknown dependent", []Stage{a}, map[string][]string{"b": {"a"}}},
		{"duplicate stage", []Stage{a, a}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.stages, tt.deps, nil, zap.NewNop()); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNewDefault_Order(t *testing.T) {
	cfg := config.Default()
	o, err := NewDefault(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	want := []string{StageScrape, StageLoadRaw, StageEnrich, StageLoadDetections, StageTransform}
	if got := o.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
}
