package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-a2a/clients"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/metrics"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils/eip712"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultValidityBuffer = 6 * time.Second

	batchConcurrency = 8
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
}

// Policy tunes the authorization checks.
type Policy struct {
	// ValidityBuffer is the minimum time left before validBefore.
	ValidityBuffer time.Duration

	// ClockSkew is tolerated on validAfter and the window length.
	ClockSkew time.Duration

	// EnforceWindowLength rejects authorizations that stay redeemable for
	// longer than maxTimeoutSeconds from now.
	EnforceWindowLength bool

	// StrictAmount requires value == maxAmountRequired.
	StrictAmount bool

	// SimulateTransfer runs transferWithAuthorization as an eth_call.
	SimulateTransfer bool
}

// Config configures a VerificationService.
type Config struct {
	Timeout time.Duration
	Policy  Policy
	Ledger  ledger.Store
	Logger  logger.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

// VerificationService checks payments against requirements and records the
// ones that pass in the ledger.
type VerificationService struct {
	mu      sync.RWMutex
	clients map[types.Network]clients.ChainClient

	timeout time.Duration
	policy  Policy
	ledger  ledger.Store
	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// NewVerificationService creates a new verification service
func NewVerificationService(cfg Config) *VerificationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy.ValidityBuffer <= 0 {
		cfg.Policy.ValidityBuffer = DefaultValidityBuffer
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &VerificationService{
		clients: make(map[types.Network]clients.ChainClient),
		timeout: cfg.Timeout,
		policy:  cfg.Policy,
		ledger:  cfg.Ledger,
		log:     logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "verification"}),
		metrics: metrics.OrNoop(cfg.Metrics),
		now:     cfg.Now,
	}
}

// AddEVMClient adds an EVM client for a specific network
func (s *VerificationService) AddEVMClient(network types.Network, client clients.ChainClient) error {
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

// Client returns the chain client configured for network.
func (s *VerificationService) Client(network types.Network) (clients.ChainClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[network]
	return c, ok
}

// Ledger returns the store verified payments are recorded in.
func (s *VerificationService) Ledger() ledger.Store {
	return s.ledger
}

// Result is a verification outcome together with the decoded authorization.
type Result struct {
	Response *types.VerifyResponse
	Transfer clients.Transfer
	Key      ledger.Key
	Token    common.Address
	Payment  *ledger.Payment
}

// Valid reports whether every check passed.
func (r *Result) Valid() bool {
	return r != nil && r.Response != nil && r.Response.IsValid
}

// Verify verifies a payment against requirements
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	res, err := s.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Check runs every verification step and, on success, records the payment
// as verified. A non-nil error means a dependency (chain or ledger) failed;
// rejected payments come back as a Result with IsValid=false.
func (s *VerificationService) Check(ctx context.Context, req *types.VerifyRequest) (*Result, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	network := networkOf(req)

	res, err := s.check(verifyCtx, req)

	s.metrics.ObserveLatency(metrics.VerifyLatency, time.Since(start), map[string]string{"network": network})
	s.metrics.IncCounter(metrics.VerifyTotal, map[string]string{"network": network})

	switch {
	case err != nil:
		s.log.Error("verification error", logger.Fields{"network": network, "error": err})
	case !res.Valid():
		s.metrics.IncCounter(metrics.VerifyInvalid, map[string]string{"network": network, "reason": res.Response.InvalidReason})
		s.log.Info("payment rejected", logger.Fields{
			"network": network,
			"payer":   res.Response.Payer,
			"reason":  res.Response.InvalidReason,
		})
	default:
		s.log.Debug("payment verified", logger.Fields{
			"network":   network,
			"payer":     res.Response.Payer,
			"paymentId": res.Response.PaymentID,
		})
	}
	return res, err
}

func (s *VerificationService) check(ctx context.Context, req *types.VerifyRequest) (*Result, error) {
	res := s.inspect(req)
	if !res.Valid() {
		return res, nil
	}

	if reason, err := s.checkLedger(ctx, res, req); err != nil || reason != "" {
		if err != nil {
			return nil, err
		}
		return invalid(res, reason), nil
	}

	if client, ok := s.Client(types.Network(req.PaymentRequirements.Network)); ok {
		reason, err := s.checkChain(ctx, client, res)
		if err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrNetworkError,
				Message: fmt.Sprintf("chain check failed: %v", err),
			}
		}
		if reason != "" {
			return invalid(res, reason), nil
		}
	}

	payment, err := s.record(ctx, res, req)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return invalid(res, types.ReasonNonceAlreadyUsed), nil
	}

	res.Payment = payment
	res.Response.PaymentID = payment.ID
	return res, nil
}

// QuickVerify performs a basic verification without ledger or chain queries.
// It covers the protocol, recipient, amount, window and signature checks.
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) (*types.VerifyResponse, error) {
	return s.inspect(req).Response, nil
}

// inspect runs the checks that need nothing but the request and the clock.
func (s *VerificationService) inspect(req *types.VerifyRequest) *Result {
	res := &Result{Response: &types.VerifyResponse{}}

	if req == nil {
		return invalid(res, types.ReasonInvalidPayload)
	}
	payload, reqs := &req.PaymentPayload, &req.PaymentRequirements

	// 1. protocol, scheme, network
	if payload.X402Version != types.ProtocolVersion ||
		(req.X402Version != 0 && req.X402Version != types.ProtocolVersion) {
		return invalid(res, types.ReasonInvalidX402Version)
	}
	if payload.Scheme != types.SchemeExact.String() || reqs.Scheme != types.SchemeExact.String() {
		return invalid(res, types.ReasonInvalidScheme)
	}
	network := types.Network(reqs.Network)
	if payload.Network != reqs.Network || !network.IsEVM() {
		return invalid(res, types.ReasonInvalidNetwork)
	}
	if err := reqs.Validate(); err != nil {
		return invalid(res, types.ReasonInvalidRequirements)
	}

	auth, err := eip712.ParseAuthorization(payload.Payload.Authorization)
	if err != nil {
		return invalid(res, types.ReasonInvalidPayload)
	}
	res.Response.Payer = auth.From.Hex()

	sig, err := eip712.DecodeSignature(payload.Payload.Signature)
	if err != nil {
		return invalid(res, types.ReasonInvalidSignature)
	}

	res.Token = common.HexToAddress(reqs.Asset)
	res.Transfer = clients.Transfer{Authorization: auth, Signature: sig}
	res.Key = ledger.NewKey(reqs.Network, reqs.Asset, auth.From.Hex(), hexNonce(auth.Nonce))

	// 2. recipient and domain
	if auth.To != common.HexToAddress(reqs.PayTo) {
		return invalid(res, types.ReasonRecipientMismatch)
	}
	name, version := reqs.DomainInfo()
	if name == "" || version == "" {
		return invalid(res, types.ReasonInvalidRequirements)
	}

	// 3. amount
	required, _ := reqs.Amount()
	if s.policy.StrictAmount {
		if auth.Value.Cmp(required) != 0 {
			return invalid(res, types.ReasonAuthorizationValue)
		}
	} else if auth.Value.Cmp(required) < 0 {
		return invalid(res, types.ReasonAuthorizationValue)
	}

	// 4. window
	if reason := s.checkWindow(auth, reqs.MaxTimeoutSeconds); reason != "" {
		return invalid(res, reason)
	}

	// 5. signature
	digest, err := auth.Digest(eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           network.ChainID(),
		VerifyingContract: res.Token,
	})
	if err != nil {
		return invalid(res, types.ReasonInvalidRequirements)
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil || signer != auth.From {
		return invalid(res, types.ReasonInvalidSignature)
	}

	res.Response.IsValid = true
	return res
}

func (s *VerificationService) checkWindow(auth eip712.Authorization, maxTimeoutSeconds int) string {
	now := s.now().Unix()
	skew := int64(s.policy.ClockSkew / time.Second)
	buffer := int64(s.policy.ValidityBuffer / time.Second)

	if !auth.ValidAfter.IsInt64() || auth.ValidAfter.Int64() > now+skew {
		return types.ReasonValidAfter
	}
	if !auth.ValidBefore.IsInt64() {
		if s.policy.EnforceWindowLength {
			return types.ReasonWindowTooLong
		}
		return ""
	}
	if auth.ValidBefore.Int64() <= now+buffer {
		return types.ReasonValidBefore
	}
	if s.policy.EnforceWindowLength {
		from := auth.ValidAfter.Int64()
		if from < now {
			from = now
		}
		if auth.ValidBefore.Int64()-from > int64(maxTimeoutSeconds)+skew {
			return types.ReasonWindowTooLong
		}
	}
	return ""
}

// checkLedger rejects nonces the ledger has already seen with another
// signature or already settled, failed or expired.
func (s *VerificationService) checkLedger(ctx context.Context, res *Result, req *types.VerifyRequest) (string, error) {
	existing, err := s.ledger.GetByKey(ctx, res.Key)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	return reuseReason(existing, req.PaymentPayload.Payload.Signature), nil
}

func reuseReason(existing *ledger.Payment, signature string) string {
	if !strings.EqualFold(existing.Signature, signature) {
		return types.ReasonNonceAlreadyUsed
	}
	switch existing.State {
	case ledger.StatePending, ledger.StateVerified:
		return ""
	case ledger.StateSettling:
		return types.ReasonSettlementInProgress
	default:
		return types.ReasonNonceAlreadyUsed
	}
}

func (s *VerificationService) checkChain(ctx context.Context, client clients.ChainClient, res *Result) (string, error) {
	auth := res.Transfer.Authorization

	used, err := client.AuthorizationState(ctx, res.Token, auth.From, auth.Nonce)
	if err != nil {
		return "", err
	}
	if used {
		return types.ReasonNonceAlreadyUsed, nil
	}

	balance, err := client.BalanceOf(ctx, res.Token, auth.From)
	if err != nil {
		return "", err
	}
	if balance.Cmp(auth.Value) < 0 {
		return types.ReasonInsufficientFunds, nil
	}

	if s.policy.SimulateTransfer {
		if err := client.SimulateTransfer(ctx, res.Token, res.Transfer); err != nil {
			if errors.Is(err, clients.ErrTransferReverted) {
				return types.ReasonTransactionSimulated, nil
			}
			return "", err
		}
	}
	return "", nil
}

// record stores the payment as verified. It returns nil when another
// signature claimed the nonce first.
func (s *VerificationService) record(ctx context.Context, res *Result, req *types.VerifyRequest) (*ledger.Payment, error) {
	auth := res.Transfer.Authorization
	stored, created, err := s.ledger.Record(ctx, &ledger.Payment{
		Key:         res.Key,
		PayTo:       auth.To.Hex(),
		Value:       auth.Value.String(),
		Signature:   req.PaymentPayload.Payload.Signature,
		Resource:    req.PaymentRequirements.Resource,
		ValidAfter:  unixTime(auth.ValidAfter),
		ValidBefore: unixTime(auth.ValidBefore),
		State:       ledger.StateVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger record: %w", err)
	}
	if created {
		return stored, nil
	}
	if reuseReason(stored, req.PaymentPayload.Payload.Signature) != "" {
		return nil, nil
	}

	updated, err := s.ledger.Transition(ctx, stored.ID, ledger.StateVerified, ledger.Update{})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger transition: %w", err)
	}
	return updated, nil
}

// MatchRecord reports why req cannot stand for the stored payment p, or ""
// when req carries the recipient and amount p was verified with and its
// requirements still accept them.
func (s *VerificationService) MatchRecord(p *ledger.Payment, req *types.VerifyRequest) string {
	payload, reqs := &req.PaymentPayload, &req.PaymentRequirements
	if payload.Network != reqs.Network || p.Network != reqs.Network {
		return types.ReasonInvalidNetwork
	}

	auth := payload.Payload.Authorization
	payTo := common.HexToAddress(p.PayTo)
	if !common.IsHexAddress(auth.To) || !common.IsHexAddress(reqs.PayTo) ||
		common.HexToAddress(auth.To) != payTo || common.HexToAddress(reqs.PayTo) != payTo {
		return types.ReasonRecipientMismatch
	}

	stored, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return types.ReasonAuthorizationValue
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(auth.Value), 10)
	if !ok || value.Cmp(stored) != 0 {
		return types.ReasonAuthorizationValue
	}
	required, ok := reqs.Amount()
	if !ok {
		return types.ReasonInvalidRequirements
	}
	if s.policy.StrictAmount {
		if stored.Cmp(required) != 0 {
			return types.ReasonAuthorizationValue
		}
	} else if stored.Cmp(required) < 0 {
		return types.ReasonAuthorizationValue
	}
	return ""
}

// BatchVerify verifies multiple payments concurrently. Results keep the
// order of reqs.
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerifyResponse, error) {
	results := make([]*types.VerifyResponse, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Verify(gctx, req)
			if err != nil {
				return fmt.Errorf("verify item %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Close closes all client connections
func (s *VerificationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for network, client := range s.clients {
		client.Close()
		delete(s.clients, network)
	}
}

// PaymentKey derives the ledger key of the authorization in req.
func PaymentKey(req *types.VerifyRequest) (ledger.Key, error) {
	if req == nil {
		return ledger.Key{}, fmt.Errorf("nil request")
	}
	auth := req.PaymentPayload.Payload.Authorization
	if !common.IsHexAddress(auth.From) {
		return ledger.Key{}, fmt.Errorf("authorization.from is not an address")
	}
	nonce, err := eip712.HexToBytes32(auth.Nonce)
	if err != nil {
		return ledger.Key{}, fmt.Errorf("authorization.nonce: %w", err)
	}
	return ledger.NewKey(
		req.PaymentRequirements.Network,
		req.PaymentRequirements.Asset,
		common.HexToAddress(auth.From).Hex(),
		hexNonce(nonce),
	), nil
}

func invalid(res *Result, reason string) *Result {
	res.Response.IsValid = false
	res.Response.InvalidReason = reason
	return res
}

func networkOf(req *types.VerifyRequest) string {
	if req == nil {
		return ""
	}
	return req.PaymentRequirements.Network
}

func hexNonce(n [32]byte) string {
	return common.Hash(n).Hex()
}

func unixTime(n *big.Int) time.Time {
	if n == nil || !n.IsInt64() || n.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(n.Int64(), 0).UTC()
}
