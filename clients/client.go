package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	x402types "github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils/eip712"
)

// ChainClient is the on-chain surface the verifier and settler need from an
// EIP-3009 token deployment.
type ChainClient interface {
	Network() x402types.Network
	ChainID(ctx context.Context) (*big.Int, error)

	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// AuthorizationState reports whether the nonce has already been used
	// (or cancelled) on the token contract.
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)

	// SimulateTransfer runs transferWithAuthorization as an eth_call. A
	// revert is returned as ErrTransferReverted.
	SimulateTransfer(ctx context.Context, token common.Address, t Transfer) error

	// SubmitTransfer broadcasts transferWithAuthorization from the
	// facilitator account and returns the transaction hash.
	SubmitTransfer(ctx context.Context, token common.Address, t Transfer) (common.Hash, error)

	WaitMined(ctx context.Context, tx common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// Transfer is a signed TransferWithAuthorization ready to be submitted.
type Transfer struct {
	Authorization eip712.Authorization
	Signature     []byte
}
