package executor

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"execution reverted: AlreadyVoted", CodeAlreadyVoted},
		{"execution reverted: user already voted on proposal", CodeAlreadyVoted},
		{"execution reverted: NotDelegated", CodeNotDelegated},
		{"execution reverted: insufficient voting power", CodeInsufficientPower},
		{"execution reverted: proposal not active", CodeProposalNotActive},
		{"execution reverted: risk exceeds threshold", CodeRiskExceedsThreshold},
		{"nonce too low", CodeNonceError},
		{"replacement transaction underpriced: gas price too low", CodeGasError},
		{"insufficient funds for transfer", CodeGasError},
	}
	for _, tc := range tests {
		code, detail := Classify(errors.New(tc.reason))
		assert.Equal(t, tc.want, code, tc.reason)
		assert.Empty(t, detail)
	}
}

func TestClassifyUnknownTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	code, detail := Classify(errors.New(long))
	assert.Equal(t, CodeUnknownError, code)
	assert.Len(t, detail, 200)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(CodeNonceError))
	assert.True(t, retryable(CodeGasError))
	assert.False(t, retryable(CodeAlreadyVoted))
	assert.False(t, retryable(CodeUnknownError))
}
