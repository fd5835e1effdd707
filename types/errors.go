package types

// Reasons reported in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason. Clients match on these strings.
const (
	// -----------------------------
	// SCHEME / NETWORK
	// -----------------------------
	ReasonInvalidX402Version  = "invalid_x402_version"
	ReasonInvalidScheme       = "invalid_scheme"
	ReasonInvalidNetwork      = "invalid_network"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonInvalidRequirements = "invalid_payment_requirements"

	// -----------------------------
	// AUTHORIZATION CHECKS
	// -----------------------------
	ReasonInvalidSignature     = "invalid_exact_evm_payload_signature"
	ReasonRecipientMismatch    = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonAuthorizationValue   = "invalid_exact_evm_payload_authorization_value"
	ReasonValidAfter           = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonValidBefore          = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonWindowTooLong        = "invalid_exact_evm_payload_authorization_window_too_long"
	ReasonNonceAlreadyUsed     = "nonce_already_used"
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonTransactionSimulated = "invalid_transaction_state"

	// -----------------------------
	// SETTLEMENT
	// -----------------------------
	ReasonSettlementInProgress = "settlement_in_progress"
	ReasonSettlementFailed     = "settlement_failed"

	// -----------------------------
	// UNEXPECTED
	// -----------------------------
	ReasonUnexpectedVerifyError = "unexpected_verify_error"
	ReasonUnexpectedSettleError = "unexpected_settle_error"
)
