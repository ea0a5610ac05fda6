// Package pipeline sequences the ETL stages as a fixed dependency graph.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgpipeline/internal/metrics"
)

// ErrRunInProgress is returned when a run is requested while another one
// is still executing in this process.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// ErrUnknownStage is returned for stage names that are not in the graph.
var ErrUnknownStage = errors.New("unknown stage")

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context) (Result, error)
}

// Result carries the counters a stage reports.
type Result struct {
	Counts map[string]int `json:"counts,omitempty"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StageRun is the outcome of one stage within a run.
type StageRun struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
}

// Duration is zero for stages that did not run.
func (s StageRun) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Run is one execution of the graph.
type Run struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stages     []StageRun `json:"stages"`
}

// Failed returns the names of the stages that failed.
func (r Run) Failed() []string {
	var names []string
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			names = append(names, s.Name)
		}
	}
	return names
}

// Options select what a run executes.
type Options struct {
	// Stages limits the run to these stages; empty means all of them.
	// Unselected dependencies are treated as satisfied.
	Stages  []string
	Trigger string
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, run Run) error
}

const historySize = 50

// Orchestrator runs stages one at a time in dependency order. A failed stage
// marks its transitive dependents as skipped; independent branches still run
// and nothing already done is rolled back.
type Orchestrator struct {
	stages   map[string]Stage
	deps     map[string][]string
	order    []string
	recorder metrics.Recorder
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	running sync.Mutex

	mu      sync.RWMutex
	history []Run
}

// New validates the graph and computes its execution order. deps maps a
// stage name to the stages it depends on.
func New(stages []Stage, deps map[string][]string, recorder metrics.Recorder, logger *zap.Logger) (*Orchestrator, error) {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	o := &Orchestrator{
		stages:   make(map[string]Stage, len(stages)),
		deps:     make(map[string][]string, len(stages)),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}

	var names []string
	for _, s := range stages {
		if _, dup := o.stages[s.Name()]; dup {
			return nil, fmt.Errorf("stage %q registered twice", s.Name())
		}
		o.stages[s.Name()] = s
		names = append(names, s.Name())
	}
	for name, ds := range deps {
		if _, ok := o.stages[name]; !ok {
			return nil, fmt.Errorf("dependencies of %q: %w", name, ErrUnknownStage)
		}
		for _, d := range ds {
			if _, ok := o.stages[d]; !ok {
				return nil, fmt.Errorf("%q depends on %q: %w", name, d, ErrUnknownStage)
			}
		}
		o.deps[name] = append([]string(nil), ds...)
	}

	order, err := topoSort(names, o.deps)
	if err != nil {
		return nil, err
	}
	o.order = order
	return o, nil
}

// topoSort orders names so that every stage follows its dependencies. Ties
// keep registration order, so the result is deterministic.
func topoSort(names []string, deps map[string][]string) ([]string, error) {
	rank := make(map[string]int, len(names))
	for i, n := range names {
		rank[n] = i
	}
	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, n := range names {
		for _, d := range deps[n] {
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return rank[ready[i]] < rank[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if len(order) != len(names) {
		return nil, errors.New("stage graph has a cycle")
	}
	return order, nil
}

// Order returns the execution order of all stages.
func (o *Orchestrator) Order() []string {
	return append([]string(nil), o.order...)
}

// Run executes a run synchronously.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Run, error) {
	run, err := o.begin(opts)
	if err != nil {
		return Run{}, err
	}
	defer o.running.Unlock()
	return o.execute(ctx, run), nil
}

// Start begins a run in the background and returns its initial state.
// ctx bounds the run itself, not the call.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (Run, error) {
	run, err := o.begin(opts)
	if err != nil {
		return Run{}, err
	}
	snapshot := run
	snapshot.Stages = append([]StageRun(nil), run.Stages...)
	go func() {
		defer o.running.Unlock()
		o.execute(ctx, run)
	}()
	return snapshot, nil
}

func (o *Orchestrator) begin(opts Options) (Run, error) {
	selected, err := o.selection(opts.Stages)
	if err != nil {
		return Run{}, err
	}
	if !o.running.TryLock() {
		return Run{}, ErrRunInProgress
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	run := Run{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: o.now().UTC(),
	}
	for _, name := range o.order {
		if selected[name] {
			run.Stages = append(run.Stages, StageRun{Name: name, Status: StatusPending})
		}
	}
	o.record(run)
	return run, nil
}

func (o *Orchestrator) selection(names []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(o.order))
	if len(names) == 0 {
		for _, n := range o.order {
			selected[n] = true
		}
		return selected, nil
	}
	for _, n := range names {
		if _, ok := o.stages[n]; !ok {
			return nil, fmt.Errorf("%q: %w", n, ErrUnknownStage)
		}
		selected[n] = true
	}
	return selected, nil
}

func (o *Orchestrator) execute(ctx context.Context, run Run) Run {
	log := o.logger.With(zap.String("run_id", run.ID))
	log.Info("Pipeline run started", zap.String("trigger", run.Trigger), zap.Int("stages", len(run.Stages)))

	status := make(map[string]Status, len(run.Stages))
	for i := range run.Stages {
		sr := &run.Stages[i]

		if blocker := o.blockedBy(sr.Name, status); blocker != "" {
			sr.Status = StatusSkipped
			sr.Error = fmt.Sprintf("upstream stage %s did not succeed", blocker)
			status[sr.Name] = StatusSkipped
			log.Warn("Stage skipped", zap.String("stage", sr.Name), zap.String("blocked_by", blocker))
			o.recorder.RecordStage(sr.Name, string(StatusSkipped), 0)
			o.record(run)
			continue
		}
		if err := ctx.Err(); err != nil {
			sr.Status = StatusSkipped
			sr.Error = err.Error()
			status[sr.Name] = StatusSkipped
			o.recorder.RecordStage(sr.Name, string(StatusSkipped), 0)
			o.record(run)
			continue
		}

		started := o.now().UTC()
		sr.StartedAt = &started
		sr.Status = StatusRunning
		o.record(run)
		log.Info("Stage started", zap.String("stage", sr.Name))

		result, err := o.stages[sr.Name].Run(ctx)

		finished := o.now().UTC()
		sr.FinishedAt = &finished
		sr.Counts = result.Counts
		if err != nil {
			sr.Status = StatusFailed
			sr.Error = err.Error()
			log.Error("Stage failed", zap.String("stage", sr.Name), zap.Duration("duration", sr.Duration()), zap.Error(err))
		} else {
			sr.Status = StatusSucceeded
			log.Info("Stage completed", zap.String("stage", sr.Name), zap.Duration("duration", sr.Duration()), zap.Any("counts", result.Counts))
		}
		status[sr.Name] = sr.Status
		o.recorder.RecordStage(sr.Name, string(sr.Status), sr.Duration())
		o.record(run)
	}

	finished := o.now().UTC()
	run.FinishedAt = &finished
	run.Status = StatusSucceeded
	for _, s := range run.Stages {
		if s.Status != StatusSucceeded {
			run.Status = StatusFailed
			break
		}
	}
	o.record(run)

	log.Info("Pipeline run finished", zap.String("status", string(run.Status)), zap.Strings("failed", run.Failed()))

	if o.notifier != nil {
		// The run context may already be canceled; the summary still goes out.
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := o.notifier.NotifyRun(nctx, run); err != nil {
			log.Warn("Failed to send run notification", zap.Error(err))
		}
		cancel()
	}
	return run
}

// blockedBy returns a direct dependency that ran in this run and did not
// succeed. Dependencies outside the run are assumed satisfied.
func (o *Orchestrator) blockedBy(name string, status map[string]Status) string {
	for _, d := range o.deps[name] {
		if s, ok := status[d]; ok && s != StatusSucceeded {
			return d
		}
	}
	return ""
}

// SetNotifier installs n; nil disables notifications.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

func (o *Orchestrator) record(run Run) {
	snapshot := run
	snapshot.Stages = append([]StageRun(nil), run.Stages...)

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.history {
		if o.history[i].ID == run.ID {
			o.history[i] = snapshot
			return
		}
	}
	o.history = append(o.history, snapshot)
	if len(o.history) > historySize {
		o.history = o.history[len(o.history)-historySize:]
	}
}

// Runs returns the recorded runs, newest first.
func (o *Orchestrator) Runs() []Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Run, 0, len(o.history))
	for i := len(o.history) - 1; i >= 0; i-- {
		out = append(out, o.history[i])
	}
	return out
}

// Get returns the run with the given id.
func (o *Orchestrator) Get(id string) (Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.history {
		if r.ID == id {
			return r, true
		}
	}
	return Run{}, false
}

// Schedule runs the whole graph every interval until ctx is canceled.
// A tick that finds a run in progress is dropped.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration) {
	o.logger.Info("Pipeline scheduler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Pipeline scheduler stopped")
			return
		case <-ticker.C:
			if _, err := o.Run(ctx, Options{Trigger: "schedule"}); err != nil {
				o.logger.Warn("Scheduled run not started", zap.Error(err))
			}
		}
	}
}
