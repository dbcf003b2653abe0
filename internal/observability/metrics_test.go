package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	// A second set on a fresh registry must not panic on duplicate registration.
	NewMetrics(prometheus.NewRegistry())
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordToolExecution("add", "success", 0.01)
	m.RecordToolExecution("add", "success", 0.02)
	m.RecordToolExecution("add", "failure", 0.03)

	expected := `
		# HELP clinagent_tool_executions_total Total number of tool executions by tool name and status
		# TYPE clinagent_tool_executions_total counter
		clinagent_tool_executions_total{status="failure",tool_name="add"} 1
		clinagent_tool_executions_total{status="success",tool_name="add"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.ToolExecutionDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordLLMRequest("anthropic", "claude", "success", 1.2, 100, 40)
	m.RecordLLMRequest("anthropic", "claude", "timeout", 120, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.CollectAndCount(m.LLMTokensUsed); got != 2 {
		t.Errorf("token series = %d, want 2", got)
	}
}

func TestRunLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RunStarted()
	m.RunStarted()
	m.RunFinished("done")

	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LoopRunCounter.WithLabelValues("done")); got != 1 {
		t.Errorf("done runs = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordToolExecution("add", "success", 1)
	m.RecordLLMRequest("p", "m", "success", 1, 1, 1)
	m.RunStarted()
	m.RunFinished("done")
	m.RecordHTTPRequest("GET", "/", "200", 1)
	m.RecordDatabaseQuery("select", "variants", "success", 1)
	m.RecordJob("succeeded")
}
