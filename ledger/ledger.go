// Package ledger records every payment authorization a facilitator has seen
// and drives it through verification and settlement exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State of a payment in the ledger.
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateSettling State = "settling"
	StateSettled  State = "settled"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
)

var transitions = map[State][]State{
	StatePending:  {StateVerified, StateFailed, StateExpired},
	StateVerified: {StateVerified, StateSettling, StateFailed, StateExpired},
	StateSettling: {StateSettled, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateExpired
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateVerified, StateSettling, StateSettled, StateFailed, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("ledger: payment not found")
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
	ErrAlreadySettling   = errors.New("ledger: payment is already being settled")
	ErrAlreadySettled    = errors.New("ledger: payment is already settled")
)

func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	if to == StateSettling {
		switch from {
		case StateSettling:
			return ErrAlreadySettling
		case StateSettled:
			return ErrAlreadySettled
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Key identifies an authorization. EIP-3009 nonces are unique per
// (token, authorizer), so the same nonce on another token or chain is a
// different payment.
type Key struct {
	Network string
	Asset   string
	Payer   string
	Nonce   string
}

// NewKey normalizes the hex parts so lookups are case insensitive.
func NewKey(network, asset, payer, nonce string) Key {
	return Key{
		Network: strings.TrimSpace(network),
		Asset:   strings.ToLower(strings.TrimSpace(asset)),
		Payer:   strings.ToLower(strings.TrimSpace(payer)),
		Nonce:   strings.ToLower(strings.TrimSpace(nonce)),
	}
}

func (k Key) String() string {
	return k.Network + "/" + k.Asset + "/" + k.Payer + "/" + k.Nonce
}

// Payment is one authorization and its settlement outcome.
type Payment struct {
	ID          string    `json:"id"`
	Key         Key       `json:"-"`
	Network     string    `json:"network"`
	Asset       string    `json:"asset"`
	Payer       string    `json:"payer"`
	Nonce       string    `json:"nonce"`
	PayTo       string    `json:"payTo"`
	Value       string    `json:"value"`
	Signature   string    `json:"signature"`
	Resource    string    `json:"resource,omitempty"`
	ValidAfter  time.Time `json:"validAfter"`
	ValidBefore time.Time `json:"validBefore"`
	State       State     `json:"state"`
	TxHash      string    `json:"transaction,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (p *Payment) clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// syncKey keeps the flattened key columns and Key in step.
func (p *Payment) syncKey() {
	if (p.Key == Key{}) {
		p.Key = NewKey(p.Network, p.Asset, p.Payer, p.Nonce)
	}
	p.Key = NewKey(p.Key.Network, p.Key.Asset, p.Key.Payer, p.Key.Nonce)
	p.Network, p.Asset, p.Payer, p.Nonce = p.Key.Network, p.Key.Asset, p.Key.Payer, p.Key.Nonce
}

// Update carries the fields a transition may set.
type Update struct {
	TxHash      string
	ErrorReason string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State   State
	Network string
	Payer   string
	Limit   int
}

func (f Filter) matches(p *Payment) bool {
	if f.State != "" && p.State != f.State {
		return false
	}
	if f.Network != "" && p.Network != f.Network {
		return false
	}
	if f.Payer != "" && !strings.EqualFold(p.Payer, f.Payer) {
		return false
	}
	return true
}

// Store persists payments. Implementations are safe for concurrent use and
// apply Transition atomically against the current state.
type Store interface {
	// Record inserts p when its key is new. When the key already exists the
	// stored payment is returned with created=false and p is ignored.
	Record(ctx context.Context, p *Payment) (stored *Payment, created bool, err error)

	Get(ctx context.Context, id string) (*Payment, error)
	GetByKey(ctx context.Context, key Key) (*Payment, error)

	// Transition moves payment id to state to, failing with
	// ErrInvalidTransition (or ErrAlreadySettling/ErrAlreadySettled when
	// to is StateSettling) if the current state does not allow it. The
	// current payment is returned alongside a transition error.
	Transition(ctx context.Context, id string, to State, u Update) (*Payment, error)

	List(ctx context.Context, f Filter) ([]*Payment, error)

	// ExpireBefore moves pending and verified payments whose ValidBefore
	// is before t to StateExpired and returns how many moved.
	ExpireBefore(ctx context.Context, t time.Time) (int, error)

	Close() error
}

// Reserve claims a verified payment for settlement. Only one caller can win.
func Reserve(ctx context.Context, s Store, id string) (*Payment, error) {
	return s.Transition(ctx, id, StateSettling, Update{})
}

// MarkSettled records the settlement transaction of a reserved payment.
func MarkSettled(ctx context.Context, s Store, id, txHash string) (*Payment, error) {
	return s.Transition(ctx, id, StateSettled, Update{TxHash: txHash})
}

// MarkFailed records why a payment could not be verified or settled.
func MarkFailed(ctx context.Context, s Store, id, reason string) (*Payment, error) {
	return s.Transition(ctx, id, StateFailed, Update{ErrorReason: reason})
}
