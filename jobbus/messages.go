package jobbus

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// The analysis worker publishes string-tagged messages on the
// per-proposal events channel. They are parsed into a closed union at
// the channel boundary; messages with an unknown tag are logged and
// dropped by the consumer, never acted on.

// ResultEvent is one message from the analysis events channel.
type ResultEvent interface {
	resultEvent()
}

// ProgressEvent is a transient progress signal. It is never persisted.
type ProgressEvent struct {
	Step            string
	ProgressPercent int
	Message         string
}

// CompleteEvent carries the terminal analysis payload.
type CompleteEvent struct {
	Analysis AnalysisResult
}

// FailedEvent signals that the worker gave up on the job attempt.
type FailedEvent struct {
	Code    string
	Message string
}

func (ProgressEvent) resultEvent() {}
func (CompleteEvent) resultEvent() {}
func (FailedEvent) resultEvent()   {}

// AnalysisResult is the wire form of a completed analysis.
type AnalysisResult struct {
	AnalysisID         string  `json:"analysisId"`
	CompositeRiskScore float64 `json:"compositeRiskScore"`
	RiskLevel          string  `json:"riskLevel"`
	Recommendation     string  `json:"recommendation"`
	ReportHash         *string `json:"reportHash"`
	ProcessingTimeMs   int64   `json:"processingTimeMs"`
	ModelVersion       string  `json:"modelVersion"`
}

// ReportHashBytes decodes the optional report hash. Returns nil when
// the worker supplied none; errors on anything that is not 32 bytes.
func (r *AnalysisResult) ReportHashBytes() ([]byte, error) {
	if r.ReportHash == nil || *r.ReportHash == "" {
		return nil, nil
	}
	h := *r.ReportHash
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	raw, err := hexutil.Decode(h)
	if err != nil {
		return nil, errors.Wrap(err, "decode report hash")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("report hash is %d bytes, want 32", len(raw))
	}
	return raw, nil
}

type eventEnvelope struct {
	Type            string          `json:"type"`
	Step            string          `json:"step"`
	ProgressPercent int             `json:"progress_percent"`
	Message         string          `json:"message"`
	Analysis        *AnalysisResult `json:"analysis"`
	Error           *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseEvent decodes one pub/sub payload into the event union.
func ParseEvent(data []byte) (ResultEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode analysis event")
	}
	switch env.Type {
	case "progress":
		return ProgressEvent{
			Step:            env.Step,
			ProgressPercent: env.ProgressPercent,
			Message:         env.Message,
		}, nil
	case "complete":
		if env.Analysis == nil {
			return nil, errors.New("complete event without analysis payload")
		}
		if env.Analysis.CompositeRiskScore < 0 || env.Analysis.CompositeRiskScore > 100 {
			return nil, errors.Errorf("composite risk score %v out of range", env.Analysis.CompositeRiskScore)
		}
		return CompleteEvent{Analysis: *env.Analysis}, nil
	case "failed":
		if env.Error == nil {
			return nil, errors.New("failed event without error payload")
		}
		return FailedEvent{Code: env.Error.Code, Message: env.Error.Message}, nil
	default:
		return nil, errors.Errorf("unknown analysis event type %q", env.Type)
	}
}
