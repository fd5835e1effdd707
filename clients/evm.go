package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	x402types "github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils"
	"github.com/vitwit/x402-a2a/utils/eip712"
)

var _ ChainClient = (*EVMClient)(nil)

const eip3009ABI = `
[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "account", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]
`

var tokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		panic(fmt.Sprintf("parse eip3009 abi: %v", err))
	}
	return parsed
}()

const (
	defaultPollInterval = 2 * time.Second

	// gas estimate is padded by this percentage
	gasHeadroomPercent = 20
)

// backend is the subset of *ethclient.Client used by EVMClient.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// EVMClient talks to an EIP-3009 token over JSON-RPC.
type EVMClient struct {
	network x402types.Network
	eth     backend

	signer *ecdsa.PrivateKey
	from   common.Address

	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int

	// serializes account nonce assignment and broadcast
	sendMu sync.Mutex
}

// EVMOption customizes an EVMClient.
type EVMOption func(*EVMClient)

// WithPollInterval sets how often WaitMined polls for a receipt.
func WithPollInterval(d time.Duration) EVMOption {
	return func(c *EVMClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewEVMClient dials the RPC endpoint in cfg and checks that it serves the
// chain id expected for network. cfg.PrivateKey, when set, is the
// facilitator account used to submit settlements.
func NewEVMClient(ctx context.Context, network x402types.Network, cfg x402types.ClientConfig, opts ...EVMOption) (*EVMClient, error) {
	if !network.IsEVM() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", network),
		}
	}
	if cfg.RPCUrl == "" {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrConfigError,
			Message: fmt.Sprintf("rpc url for %s is empty", network),
		}
	}

	var key *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		k, err := utils.PrivateKeyFromHex(cfg.PrivateKey)
		if err != nil {
			return nil, &x402types.X402Error{
				Code:    x402types.ErrConfigError,
				Message: fmt.Sprintf("facilitator key for %s: %v", network, err),
			}
		}
		key = k
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	c := newEVMClient(network, eth, key, opts...)

	id, err := c.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("query chain id for %s: %w", network, err)
	}
	if want := network.ChainID(); want != nil && id.Cmp(want) != 0 {
		eth.Close()
		return nil, &x402types.X402Error{
			Code:    x402types.ErrConfigError,
			Message: fmt.Sprintf("rpc for %s serves chain %s, expected %s", network, id, want),
		}
	}

	return c, nil
}

func newEVMClient(network x402types.Network, eth backend, key *ecdsa.PrivateKey, opts ...EVMOption) *EVMClient {
	c := &EVMClient{
		network:      network,
		eth:          eth,
		signer:       key,
		pollInterval: defaultPollInterval,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EVMClient) Network() x402types.Network { return c.network }

// FacilitatorAddress is the account that pays gas for settlements.
func (c *EVMClient) FacilitatorAddress() (common.Address, bool) {
	return c.from, c.signer != nil
}

// ChainID returns the chain id reported by the node, cached after the first call.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

func (c *EVMClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected return type %T", out[0])
	}
	return bal, nil
}

func (c *EVMClient) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := c.call(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected return type %T", out[0])
	}
	return used, nil
}

func (c *EVMClient) SimulateTransfer(ctx context.Context, token common.Address, t Transfer) error {
	data, err := packTransfer(t)
	if err != nil {
		return err
	}

	from := t.Authorization.From
	if c.signer != nil {
		from = c.from
	}

	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{From: from, To: &token, Data: data}, nil)
	return classifyCallError(err)
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, token common.Address, t Transfer) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}

	data, err := packTransfer(t)
	if err != nil {
		return common.Hash{}, err
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}

	msg := ethereum.CallMsg{From: c.from, To: &token, Data: data}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", classifyCallError(err))
	}
	gas += gas * gasHeadroomPercent / 100

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	tx, err := c.buildTx(ctx, chainID, nonce, token, gas, data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", classifyCallError(err))
	}

	return signed.Hash(), nil
}

// buildTx prefers an EIP-1559 transaction when the chain reports a base fee.
func (c *EVMClient) buildTx(ctx context.Context, chainID *big.Int, nonce uint64, to common.Address, gas uint64, data []byte) (*gethtypes.Transaction, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee != nil {
		tip, err := c.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		}), nil
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	}), nil
}

// WaitMined polls for the receipt of tx until it is mined or ctx ends.
func (c *EVMClient) WaitMined(ctx context.Context, tx common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, tx)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, ErrReceiptFailed
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !IsRetryable(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) Close() {
	c.eth.Close()
}

func (c *EVMClient) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	out, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func packTransfer(t Transfer) ([]byte, error) {
	v, r, s, err := eip712.SplitSignature(t.Signature)
	if err != nil {
		return nil, err
	}

	a := t.Authorization
	data, err := tokenABI.Pack(
		"transferWithAuthorization",
		a.From,
		a.To,
		a.Value,
		a.ValidAfter,
		a.ValidBefore,
		a.Nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	return data, nil
}

func classifyCallError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%w: %v", ErrTransferReverted, err)
	}
	return err
}
