package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

func TestLoggerLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LoggerOptions{Level: "info", Format: "json", Output: &buf})

	logger := WithStage(WithRun(ComponentLogger(base, "controller"), "run-1"), engine.StageSetup)
	logger.Debug().Msg("filtered out")
	logger.Info().Msg("stage apply starting")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "controller" || entry["run_id"] != "run-1" || entry["stage"] != "setup" {
		t.Errorf("entry = %v", entry)
	}
}

func TestMetricsRunFinished(t *testing.T) {
	m := NewMetrics()

	m.RunFinished(engine.StateSucceeded, 30*time.Second)
	m.RunFinished(engine.StateRolledBack, 2*time.Minute)

	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("succeeded runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("rolled_back")); got != 1 {
		t.Errorf("rolled back runs = %v", got)
	}
	if got := testutil.ToFloat64(m.rollbacks); got != 1 {
		t.Errorf("rollbacks = %v", got)
	}
}

func TestMetricsLockContention(t *testing.T) {
	m := NewMetrics()

	m.LockContention(engine.StageDeploy)
	m.LockContention(engine.StageDeploy)

	if got := testutil.ToFloat64(m.lockContentions.WithLabelValues("deploy")); got != 2 {
		t.Errorf("contentions = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RunFinished(engine.StateFailed, time.Second)
	m.LockContention(engine.StageSetup)
	m.PublishRetry()
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.PublishRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stagecoach_publish_retries_total 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestDisabledTracerHandsOutSpans(t *testing.T) {
	tracer, err := NewTracer(TracerOptions{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartRun(context.Background(), "run-1")
	_, stageSpan := tracer.StartStage(ctx, engine.StageSetup)
	EndSpan(stageSpan, nil)
	EndSpan(span, nil)
}
