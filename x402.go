// Package x402 provides the facilitator side of the x402 payment protocol
// for EVM networks: verification and idempotent settlement of EIP-3009
// TransferWithAuthorization payments backed by a payment ledger.
package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-a2a/clients"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/metrics"
	"github.com/vitwit/x402-a2a/settlement"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/verification"
)

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService
	config              *types.X402Config

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	ledger  ledger.Store
	now     func() time.Time

	mu        sync.RWMutex
	supported map[types.Network]types.SupportedItem
}

// New creates a new X402 instance with the given configuration
func New(config *types.X402Config, opts ...Option) (*X402, error) {
	if config == nil {
		config = DefaultConfig()
	}

	x := &X402{
		config:    config,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		timeout:   verification.DefaultTimeout,
		now:       time.Now,
		supported: make(map[types.Network]types.SupportedItem),
	}
	if config.DefaultTimeout > 0 {
		x.timeout = time.Duration(config.DefaultTimeout)
	}
	for _, opt := range opts {
		opt(x)
	}

	if x.ledger == nil {
		if config.LedgerDSN != "" {
			store, err := ledger.OpenSQLite(context.Background(), config.LedgerDSN)
			if err != nil {
				return nil, fmt.Errorf("open ledger: %w", err)
			}
			x.ledger = store
		} else {
			x.ledger = ledger.NewMemoryStore()
		}
	}

	x.verificationService = verification.NewVerificationService(verification.Config{
		Timeout: x.timeout,
		Policy: verification.Policy{
			ValidityBuffer:      time.Duration(config.ValidityBuffer),
			ClockSkew:           time.Duration(config.ClockSkew),
			EnforceWindowLength: config.EnforceWindowLength,
			StrictAmount:        config.StrictAmount,
			SimulateTransfer:    config.SimulateTransfer,
		},
		Ledger:  x.ledger,
		Logger:  x.logger,
		Metrics: x.metrics,
		Now:     x.now,
	})
	x.settlementService = settlement.NewSettlementService(x.verificationService, settlement.Config{
		Timeout:        2 * x.timeout,
		RetryCount:     config.RetryCount,
		RetryDelay:     time.Duration(config.RetryDelay),
		WaitForReceipt: config.WaitForReceipt,
		Logger:         x.logger,
		Metrics:        x.metrics,
	})

	return x, nil
}

// DefaultConfig is the configuration used by NewWithDefaults.
func DefaultConfig() *types.X402Config {
	return &types.X402Config{
		DefaultTimeout: types.Duration(30 * time.Second),
		RetryCount:     3,
		RetryDelay:     types.Duration(500 * time.Millisecond),
		LogLevel:       "info",
		ValidityBuffer: types.Duration(verification.DefaultValidityBuffer),
	}
}

// NewWithDefaults creates a new X402 instance with default configuration
// and an in-memory ledger.
func NewWithDefaults(opts ...Option) *X402 {
	x, err := New(DefaultConfig(), opts...)
	if err != nil {
		// only a LedgerDSN can fail and the defaults have none
		panic(err)
	}
	return x
}

// AddNetwork adds support for a network. An empty RPCUrl registers the
// network in simulated mode: payments are verified offline and settlement
// returns deterministic transaction hashes.
func (x *X402) AddNetwork(ctx context.Context, network types.Network, config types.ClientConfig) error {
	if !network.IsEVM() {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	if config.RPCUrl != "" {
		client, err := clients.NewEVMClient(ctx, network, config)
		if err != nil {
			return fmt.Errorf("failed to create EVM client for %s: %w", network, err)
		}
		if err := x.AddChainClient(network, client); err != nil {
			client.Close()
			return err
		}
	} else {
		x.logger.Warn("network running in simulated mode", logger.Fields{"network": network.String()})
	}

	x.markSupported(network)
	return nil
}

// AddChainClient registers an already constructed chain client.
func (x *X402) AddChainClient(network types.Network, client clients.ChainClient) error {
	if err := x.verificationService.AddEVMClient(network, client); err != nil {
		return err
	}
	if err := x.settlementService.AddEVMClient(network, client); err != nil {
		return err
	}
	x.markSupported(network)
	return nil
}

// AddNetworksFromConfig adds every network listed in the configuration.
func (x *X402) AddNetworksFromConfig(ctx context.Context) error {
	networks := make([]types.Network, 0, len(x.config.Clients))
	for n := range x.config.Clients {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })

	for _, n := range networks {
		if err := x.AddNetwork(ctx, n, x.config.Clients[n]); err != nil {
			return err
		}
	}
	return nil
}

func (x *X402) markSupported(network types.Network) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.supported[network] = types.SupportedItem{
		X402Version: types.ProtocolVersion,
		Scheme:      types.SchemeExact.String(),
		Network:     network.String(),
	}
}

// Verify verifies a payment against requirements
func (x *X402) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	if reason := x.unsupported(req); reason != "" {
		return &types.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	return x.verificationService.Verify(ctx, req)
}

// Settle settles a payment transaction
func (x *X402) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	if reason := x.unsupported(req); reason != "" {
		res := &types.SettleResponse{Success: false, ErrorReason: reason}
		if req != nil {
			res.Network = req.PaymentRequirements.Network
		}
		return res, nil
	}
	return x.settlementService.Settle(ctx, req)
}

func (x *X402) unsupported(req *types.VerifyRequest) string {
	if req == nil {
		return types.ReasonInvalidPayload
	}
	if !x.IsNetworkSupported(types.Network(req.PaymentRequirements.Network)) {
		return types.ReasonInvalidNetwork
	}
	return ""
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerifyResponse, error) {
	if len(reqs) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "no payments to verify",
		}
	}
	return x.verificationService.BatchVerify(ctx, reqs)
}

// BatchSettle settles multiple payments concurrently
func (x *X402) BatchSettle(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.SettleResponse, error) {
	if len(reqs) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "no payments to settle",
		}
	}
	return x.settlementService.BatchSettle(ctx, reqs)
}

// Supported lists the scheme/network pairs this instance accepts.
func (x *X402) Supported() *types.SupportedResponse {
	x.mu.RLock()
	kinds := make([]types.SupportedItem, 0, len(x.supported))
	for _, item := range x.supported {
		kinds = append(kinds, item)
	}
	x.mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return &types.SupportedResponse{Kinds: kinds}
}

// IsNetworkSupported checks if a network is supported
func (x *X402) IsNetworkSupported(network types.Network) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.supported[network]
	return ok
}

// Simulated reports whether settlement on network runs without a chain
// client.
func (x *X402) Simulated(network types.Network) bool {
	return x.IsNetworkSupported(network) && !x.settlementService.IsNetworkSupported(network)
}

// QuickVerify performs basic validation without ledger or chain queries
func (x *X402) QuickVerify(req *types.VerifyRequest) (*types.VerifyResponse, error) {
	return x.verificationService.QuickVerify(req)
}

// Payment returns a ledger entry by id.
func (x *X402) Payment(ctx context.Context, id string) (*ledger.Payment, error) {
	return x.ledger.Get(ctx, id)
}

// Payments lists ledger entries.
func (x *X402) Payments(ctx context.Context, f ledger.Filter) ([]*ledger.Payment, error) {
	return x.ledger.List(ctx, f)
}

// ExpireStale expires unsettled payments whose window has closed.
func (x *X402) ExpireStale(ctx context.Context) (int, error) {
	n, err := x.ledger.ExpireBefore(ctx, x.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		x.logger.Info("expired stale payments", logger.Fields{"count": n})
	}
	return n, nil
}

// Ledger returns the payment store.
func (x *X402) Ledger() ledger.Store {
	return x.ledger
}

// Close closes all client connections and the ledger.
func (x *X402) Close() error {
	x.verificationService.Close()
	x.settlementService.Close()
	return x.ledger.Close()
}

// Version information
const (
	Version         = "1.1.0"
	ProtocolVersion = types.ProtocolVersion
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0, len(types.KnownNetworks()))
	for _, n := range types.KnownNetworks() {
		networks = append(networks, n.String())
	}
	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    ProtocolVersion,
		"supported_networks":  networks,
		"supported_schemes":   []string{types.SchemeExact.String()},
		"supported_standards": []string{"eip3009"},
	}
}

// DecimalFromString helper function
func DecimalFromString(s string) *decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return &d
}
