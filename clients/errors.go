package clients

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrTransferReverted means the token contract rejected the transfer.
	ErrTransferReverted = errors.New("transferWithAuthorization reverted")

	// ErrNoSigner means the client was built without a facilitator key.
	ErrNoSigner = errors.New("no facilitator signer configured")

	// ErrReceiptFailed means the transaction was mined with status 0.
	ErrReceiptFailed = errors.New("transaction mined with failed status")
)

// IsRetryable reports whether err looks like a transient RPC failure worth
// another attempt. Reverts and local configuration errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransferReverted) || errors.Is(err, ErrNoSigner) || errors.Is(err, ErrReceiptFailed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"too many requests",
		"429",
		"502",
		"503",
		"504",
		"nonce too low",
		"replacement transaction underpriced",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
