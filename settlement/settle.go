package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-a2a/clients"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/metrics"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/verification"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond

	batchConcurrency = 4
)

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error)
}

// Config configures a SettlementService.
type Config struct {
	Timeout time.Duration

	// RetryCount is the number of extra submission attempts on transient
	// RPC errors. Delays double from RetryDelay.
	RetryCount int
	RetryDelay time.Duration

	// WaitForReceipt blocks until the transaction is mined.
	WaitForReceipt bool

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// SettlementService submits verified payments exactly once.
type SettlementService struct {
	mu      sync.RWMutex
	clients map[types.Network]clients.ChainClient

	verifier *verification.VerificationService
	ledger   ledger.Store

	timeout        time.Duration
	retryCount     int
	retryDelay     time.Duration
	waitForReceipt bool

	log     logger.Logger
	metrics metrics.Recorder
}

// NewSettlementService creates a settlement service that verifies through v
// and shares its ledger.
func NewSettlementService(v *verification.VerificationService, cfg Config) *SettlementService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}

	return &SettlementService{
		clients:        make(map[types.Network]clients.ChainClient),
		verifier:       v,
		ledger:         v.Ledger(),
		timeout:        cfg.Timeout,
		retryCount:     cfg.RetryCount,
		retryDelay:     cfg.RetryDelay,
		waitForReceipt: cfg.WaitForReceipt,
		log:            logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "settlement"}),
		metrics:        metrics.OrNoop(cfg.Metrics),
	}
}

// AddEVMClient adds an EVM client for a specific network
func (s *SettlementService) AddEVMClient(network types.Network, client clients.ChainClient) error {
	if !network.IsEVM() {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", network),
		}
	}

	s.mu.Lock()
	s.clients[network] = client
	s.mu.Unlock()
	return nil
}

func (s *SettlementService) client(network types.Network) (clients.ChainClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[network]
	return c, ok
}

// Settle settles a payment. Settling an authorization that is already
// settled returns the stored receipt without touching the chain.
func (s *SettlementService) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	network := ""
	if req != nil {
		network = req.PaymentRequirements.Network
	}

	resp, err := s.settle(settleCtx, req)

	s.metrics.ObserveLatency(metrics.SettleLatency, time.Since(start), map[string]string{"network": network})
	s.metrics.IncCounter(metrics.SettleTotal, map[string]string{"network": network})
	if err != nil {
		s.log.Error("settlement error", logger.Fields{"network": network, "error": err})
		return nil, err
	}
	if !resp.Success {
		s.metrics.IncCounter(metrics.SettleFailed, map[string]string{"network": network, "reason": resp.ErrorReason})
	}
	return resp, nil
}

func (s *SettlementService) settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	if req == nil {
		return failure("", "", types.ReasonInvalidPayload), nil
	}
	network := req.PaymentRequirements.Network

	if replay, err := s.replay(ctx, req); err != nil || replay != nil {
		return replay, err
	}

	res, err := s.verifier.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Valid() {
		return failure(network, res.Response.Payer, res.Response.InvalidReason), nil
	}

	payment, err := ledger.Reserve(ctx, s.ledger, res.Payment.ID)
	switch {
	case errors.Is(err, ledger.ErrAlreadySettled):
		return replayed(payment), nil
	case errors.Is(err, ledger.ErrAlreadySettling):
		return failure(network, res.Response.Payer, types.ReasonSettlementInProgress), nil
	case errors.Is(err, ledger.ErrInvalidTransition):
		return failure(network, res.Response.Payer, types.ReasonNonceAlreadyUsed), nil
	case err != nil:
		return nil, fmt.Errorf("reserve payment: %w", err)
	}

	// the ledger must learn the outcome even if the caller gives up
	persistCtx := context.WithoutCancel(ctx)
	log := s.log.With(logger.Fields{"paymentId": payment.ID, "network": network, "payer": res.Response.Payer})

	tx, err := s.submit(ctx, types.Network(network), res)
	if err != nil {
		log.Warn("settlement failed", logger.Fields{"error": err})
		if _, mErr := ledger.MarkFailed(persistCtx, s.ledger, payment.ID, types.ReasonSettlementFailed); mErr != nil {
			log.Error("mark failed", logger.Fields{"error": mErr})
		}
		return withID(failure(network, res.Response.Payer, types.ReasonSettlementFailed), payment.ID), nil
	}

	settled, err := ledger.MarkSettled(persistCtx, s.ledger, payment.ID, tx.Hex())
	if err != nil {
		return nil, fmt.Errorf("mark settled %s: %w", payment.ID, err)
	}
	log.Info("payment settled", logger.Fields{"transaction": tx.Hex()})
	return receipt(settled), nil
}

// replay answers for authorizations the ledger already holds in a state
// that verification would reject. A stored receipt is only handed back when
// req asks for what the payment was verified against.
func (s *SettlementService) replay(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	key, err := verification.PaymentKey(req)
	if err != nil {
		return nil, nil
	}
	existing, err := s.ledger.GetByKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if !strings.EqualFold(existing.Signature, req.PaymentPayload.Payload.Signature) {
		return nil, nil
	}

	payer := common.HexToAddress(existing.Payer).Hex()
	if reason := s.verifier.MatchRecord(existing, req); reason != "" {
		return failure(req.PaymentRequirements.Network, payer, reason), nil
	}
	switch existing.State {
	case ledger.StateSettled:
		s.metrics.IncCounter(metrics.SettleIdempotent, map[string]string{"network": existing.Network})
		return replayed(existing), nil
	case ledger.StateSettling:
		return withID(failure(existing.Network, payer, types.ReasonSettlementInProgress), existing.ID), nil
	case ledger.StateFailed:
		reason := existing.ErrorReason
		if reason == "" {
			reason = types.ReasonSettlementFailed
		}
		return withID(failure(existing.Network, payer, reason), existing.ID), nil
	case ledger.StateExpired:
		return withID(failure(existing.Network, payer, types.ReasonValidBefore), existing.ID), nil
	}
	return nil, nil
}

func (s *SettlementService) submit(ctx context.Context, network types.Network, res *verification.Result) (common.Hash, error) {
	client, ok := s.client(network)
	if !ok {
		return SimulatedTxHash(res.Transfer), nil
	}

	var (
		tx  common.Hash
		err error
	)
	delay := s.retryDelay
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying settlement", logger.Fields{"attempt": attempt, "error": err})
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		tx, err = client.SubmitTransfer(ctx, res.Token, res.Transfer)
		if err == nil || !clients.IsRetryable(err) {
			break
		}
	}
	if err != nil {
		return common.Hash{}, err
	}

	if s.waitForReceipt {
		if _, err := client.WaitMined(ctx, tx); err != nil {
			return common.Hash{}, fmt.Errorf("wait for %s: %w", tx.Hex(), err)
		}
	}
	return tx, nil
}

// SimulatedTxHash is the deterministic transaction hash used when no chain
// client is configured for a network.
func SimulatedTxHash(t clients.Transfer) common.Hash {
	return crypto.Keccak256Hash(t.Signature, t.Authorization.Nonce[:])
}

// BatchSettle settles multiple payments concurrently. Each item is
// independent; dependency errors become unexpected_settle_error results.
func (s *SettlementService) BatchSettle(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.SettleResponse, error) {
	results := make([]*types.SettleResponse, len(reqs))

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Settle(ctx, req)
			if err != nil {
				network := ""
				if req != nil {
					network = req.PaymentRequirements.Network
				}
				res = failure(network, "", types.ReasonUnexpectedSettleError)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// IsNetworkSupported checks if a network is supported for settlement
func (s *SettlementService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.client(network)
	return ok
}

// Close closes all client connections
func (s *SettlementService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for network, client := range s.clients {
		client.Close()
		delete(s.clients, network)
	}
}

func failure(network, payer, reason string) *types.SettleResponse {
	return &types.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Network:     network,
		Payer:       payer,
	}
}

func withID(r *types.SettleResponse, id string) *types.SettleResponse {
	r.PaymentID = id
	return r
}

func replayed(p *ledger.Payment) *types.SettleResponse {
	r := receipt(p)
	r.Replayed = true
	return r
}

func receipt(p *ledger.Payment) *types.SettleResponse {
	return &types.SettleResponse{
		Success:     true,
		Transaction: p.TxHash,
		Network:     p.Network,
		Payer:       common.HexToAddress(p.Payer).Hex(),
		PaymentID:   p.ID,
	}
}
