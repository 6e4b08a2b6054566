package jobbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventProgress(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"progress","step":"scoring","progress_percent":40,"message":"running model"}`))
	require.NoError(t, err)
	prog, ok := ev.(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "scoring", prog.Step)
	assert.Equal(t, 40, prog.ProgressPercent)
}

func TestParseEventComplete(t *testing.T) {
	raw := `{"type":"complete","analysis":{
		"analysisId":"an-1","compositeRiskScore":25.4,"riskLevel":"LOW",
		"recommendation":"APPROVE","reportHash":null,
		"processingTimeMs":812,"modelVersion":"risk-v2"}}`
	ev, err := ParseEvent([]byte(raw))
	require.NoError(t, err)
	comp, ok := ev.(CompleteEvent)
	require.True(t, ok)
	assert.Equal(t, "an-1", comp.Analysis.AnalysisID)
	assert.InDelta(t, 25.4, comp.Analysis.CompositeRiskScore, 1e-9)

	hash, err := comp.Analysis.ReportHashBytes()
	require.NoError(t, err)
	assert.Nil(t, hash)
}

func TestParseEventCompleteScoreOutOfRange(t *testing.T) {
	raw := `{"type":"complete","analysis":{
		"analysisId":"an-2","compositeRiskScore":140,"riskLevel":"CRITICAL",
		"recommendation":"REJECT","processingTimeMs":1,"modelVersion":"risk-v2"}}`
	_, err := ParseEvent([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestParseEventCompleteMissingAnalysis(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"complete"}`))
	require.Error(t, err)
}

func TestParseEventFailed(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"failed","error":{"code":"MODEL_TIMEOUT","message":"gave up"}}`))
	require.NoError(t, err)
	failed, ok := ev.(FailedEvent)
	require.True(t, ok)
	assert.Equal(t, "MODEL_TIMEOUT", failed.Code)
}

func TestParseEventUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"telemetry"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown analysis event type")
}

func TestReportHashBytes(t *testing.T) {
	good := "0x" + strings.Repeat("ab", 32)
	res := AnalysisResult{ReportHash: &good}
	hash, err := res.ReportHashBytes()
	require.NoError(t, err)
	assert.Len(t, hash, 32)

	bare := strings.Repeat("cd", 32)
	res.ReportHash = &bare
	hash, err = res.ReportHashBytes()
	require.NoError(t, err)
	assert.Len(t, hash, 32)

	short := "0x1234"
	res.ReportHash = &short
	_, err = res.ReportHashBytes()
	require.Error(t, err)
}
