package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"tgpipeline/internal/pipeline"
)

type fakeRunner struct {
	runs    []pipeline.Run
	err     error
	started []pipeline.Options
}

func (f *fakeRunner) Start(ctx context.Context, opts pipeline.Options) (pipeline.Run, error) {
	if f.err != nil {
		return pipeline.Run{}, f.err
	}
	f.started = append(f.started, opts)
	run := pipeline.Run{ID: "run-1", Trigger: opts.Trigger, Status: pipeline.StatusRunning}
	f.runs = append([]pipeline.Run{run}, f.runs...)
	return run, nil
}

func (f *fakeRunner) Runs() []pipeline.Run { return f.runs }

func (f *fakeRunner) Get(id string) (pipeline.Run, bool) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, true
		}
	}
	return pipeline.Run{}, false
}

func newPipelineRouter(runner *fakeRunner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewPipelineHandler(context.Background(), runner, zap.NewNop())
	r.POST("/api/pipeline/runs", h.TriggerRun)
	r.GET("/api/pipeline/runs", h.ListRuns)
	r.GET("/api/pipeline/runs/:id", h.GetRun)
	return r
}

func post(r http.Handler, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerRun_Accepted(t *testing.T) {
	runner := &fakeRunner{}
	r := newPipelineRouter(runner)

	w := post(r, "/api/pipeline/runs", `{"stages": ["load_raw", "transform"]}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, len(runner.started))
	assert.Equal(t, []string{"load_raw", "transform"}, runner.started[0].Stages)
	assert.Equal(t, "api", runner.started[0].Trigger)

	var run pipeline.Run
	decodeBody(t, w, &run)
	assert.Equal(t, "run-1", run.ID)
}

func TestTriggerRun_EmptyBodyRunsEverything(t *testing.T) {
	runner := &fakeRunner{}
	w := post(newPipelineRouter(runner), "/api/pipeline/runs", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 0, len(runner.started[0].Stages))
}

func TestTriggerRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		code int
	}{
		{"in progress", pipeline.ErrRunInProgress, "", http.StatusConflict},
		{"unknown stage", fmt.Errorf("%q: %w", "publish", pipeline.ErrUnknownStage), `{"stages":["publish"]}`, http.StatusBadRequest},
		{"bad body", nil, `{"stages":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(newPipelineRouter(&fakeRunner{err: tt.err}), "/api/pipeline/runs", tt.body)
			assert.Equal(t, tt.code, w.Code)

			var body map[string]string
			decodeBody(t, w, &body)
			assert.NotEqual(t, "", body["error"])
		})
	}
}

func TestListAndGetRuns(t *testing.T) {
	runner := &fakeRunner{runs: []pipeline.Run{
		{ID: "b", Status: pipeline.StatusSucceeded},
		{ID: "a", Status: pipeline.StatusFailed},
	}}
	r := newPipelineRouter(runner)

	w := serve(r, "GET", "/api/pipeline/runs")
	assert.Equal(t, http.StatusOK, w.Code)
	var runs []pipeline.Run
	decodeBody(t, w, &runs)
	assert.Equal(t, 2, len(runs))
	assert.Equal(t, "b", runs[0].ID)

	w = serve(r, "GET", "/api/pipeline/runs/a")
	assert.Equal(t, http.StatusOK, w.Code)
	var run pipeline.Run
	decodeBody(t, w, &run)
	assert.Equal(t, pipeline.StatusFailed, run.Status)

	w = serve(r, "GET", "/api/pipeline/runs/zzz")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
