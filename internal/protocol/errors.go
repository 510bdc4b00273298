package protocol

import "fmt"

// Wire error codes. These are the only codes the relay emits; clients key
// their retry/backoff behavior on them.
const (
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeChannelNotFound     = "CHANNEL_NOT_FOUND"
	CodeNotInvited          = "NOT_INVITED"
	CodeInvalidMsg          = "INVALID_MSG"
	CodeRateLimited         = "RATE_LIMITED"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeChannelExists       = "CHANNEL_EXISTS"
	CodeInvalidName         = "INVALID_NAME"
	CodeProposalNotFound    = "PROPOSAL_NOT_FOUND"
	CodeProposalExpired     = "PROPOSAL_EXPIRED"
	CodeInvalidProposal     = "INVALID_PROPOSAL"
	CodeSignatureRequired   = "SIGNATURE_REQUIRED"
	CodeNotProposalParty    = "NOT_PROPOSAL_PARTY"
	CodeInsufficientRep     = "INSUFFICIENT_REPUTATION"
	CodeInvalidStake        = "INVALID_STAKE"
	CodeVerificationFailed  = "VERIFICATION_FAILED"
	CodeVerificationExpired = "VERIFICATION_EXPIRED"
	CodeNoPubkey            = "NO_PUBKEY"
	CodeNotAllowed          = "NOT_ALLOWED"

	CodeDisputeNotFound           = "DISPUTE_NOT_FOUND"
	CodeDisputeInvalidPhase       = "DISPUTE_INVALID_PHASE"
	CodeDisputeCommitmentMismatch = "DISPUTE_COMMITMENT_MISMATCH"
	CodeDisputeNotParty           = "DISPUTE_NOT_PARTY"
	CodeDisputeNotArbiter         = "DISPUTE_NOT_ARBITER"
	CodeDisputeDeadlinePassed     = "DISPUTE_DEADLINE_PASSED"
	CodeDisputeAlreadyExists      = "DISPUTE_ALREADY_EXISTS"
	CodeInsufficientArbiters      = "INSUFFICIENT_ARBITERS"
)

// WireError is a validation or business-logic failure surfaced to the client
// as an ERROR frame.
type WireError struct {
	Code   string
	Reason string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewWireError builds a WireError with a formatted reason.
func NewWireError(code, format string, args ...interface{}) *WireError {
	return &WireError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Invalid is shorthand for an INVALID_MSG error.
func Invalid(format string, args ...interface{}) *WireError {
	return NewWireError(CodeInvalidMsg, format, args...)
}
