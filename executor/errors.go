package executor

import "strings"

// Vote failure codes recorded in audit entries. The set is fixed;
// anything unclassifiable becomes UNKNOWN_ERROR.
const (
	CodeAlreadyVoted         = "ALREADY_VOTED"
	CodeNotDelegated         = "NOT_DELEGATED"
	CodeInsufficientPower    = "INSUFFICIENT_POWER"
	CodeProposalNotActive    = "PROPOSAL_NOT_ACTIVE"
	CodeRiskExceedsThreshold = "RISK_EXCEEDS_THRESHOLD"
	CodeNonceError           = "NONCE_ERROR"
	CodeGasError             = "GAS_ERROR"
	CodeUnknownError         = "UNKNOWN_ERROR"
)

const unknownReasonLimit = 200

// Classify maps a revert reason or transport error to a fixed failure
// code by case-insensitive substring match. The second return value is
// the detail recorded alongside UNKNOWN_ERROR, truncated to 200
// characters.
func Classify(err error) (code, detail string) {
	if err == nil {
		return "", ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already voted") || strings.Contains(lower, "alreadyvoted"):
		return CodeAlreadyVoted, ""
	case strings.Contains(lower, "not delegated") || strings.Contains(lower, "notdelegated"):
		return CodeNotDelegated, ""
	case strings.Contains(lower, "insufficient power") || strings.Contains(lower, "insufficientpower") ||
		strings.Contains(lower, "insufficient voting power"):
		return CodeInsufficientPower, ""
	case strings.Contains(lower, "not active") || strings.Contains(lower, "notactive") ||
		strings.Contains(lower, "voting closed"):
		return CodeProposalNotActive, ""
	case strings.Contains(lower, "exceeds threshold") || strings.Contains(lower, "exceedsthreshold") ||
		strings.Contains(lower, "risk too high"):
		return CodeRiskExceedsThreshold, ""
	case strings.Contains(lower, "nonce"):
		return CodeNonceError, ""
	case strings.Contains(lower, "gas") || strings.Contains(lower, "insufficient funds"):
		return CodeGasError, ""
	default:
		if len(msg) > unknownReasonLimit {
			msg = msg[:unknownReasonLimit]
		}
		return CodeUnknownError, msg
	}
}

// retryable reports whether a failure code warrants one retry with
// refreshed signer state.
func retryable(code string) bool {
	return code == CodeNonceError || code == CodeGasError
}
