package snapshot

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/merkle"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
	"github.com/whha111/meme-perp-dex-sub000/internal/sign"
)

var (
	ErrNoSnapshot         = errors.New("no snapshot available")
	ErrInsufficientEquity = errors.New("insufficient equity")
	ErrInvalidProof       = errors.New("invalid merkle proof")
	ErrInvalidNonce       = errors.New("invalid nonce")
	ErrDeadlineExpired    = errors.New("deadline expired")
)

// Authorization is a signed withdrawal the on-chain contract can verify
// and pay without trusting the backend's live balance.
type Authorization struct {
	User       common.Address `json:"user"`
	Amount     int64          `json:"amount"`
	Nonce      uint64         `json:"nonce"`
	Deadline   int64          `json:"deadline"`
	MerkleRoot common.Hash    `json:"merkleRoot"`
	Signature  []byte         `json:"signature"`
	Proof      merkle.Proof   `json:"proof"`
}

// Authorizer issues withdrawal authorizations against the current
// snapshot. Nonces are monotonic per user and advance only on chain
// confirmation, so an unconfirmed authorization stays re-issuable with the
// same nonce until it expires.
type Authorizer struct {
	snapshots *Snapshotter
	signer    *sign.Signer
	log       zerolog.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	nonces map[common.Address]uint64 // next expected nonce per user
}

func NewAuthorizer(snapshots *Snapshotter, signer *sign.Signer, log zerolog.Logger, metrics *observability.Metrics) *Authorizer {
	return &Authorizer{
		snapshots: snapshots,
		signer:    signer,
		log:       log,
		metrics:   metrics,
		nonces:    make(map[common.Address]uint64),
	}
}

// GetUserProof returns the user's inclusion proof against the current
// snapshot, or ErrNoSnapshot / ErrInvalidProof when absent.
func (a *Authorizer) GetUserProof(user common.Address) (merkle.Proof, error) {
	current := a.snapshots.Current()
	if current == nil {
		return merkle.Proof{}, ErrNoSnapshot
	}
	proof, ok := current.Tree.ProofFor(user)
	if !ok {
		return merkle.Proof{}, ErrInvalidProof
	}
	return proof, nil
}

// NextNonce returns the user's next expected nonce.
func (a *Authorizer) NextNonce(user common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[user]
}

// RequestWithdrawal validates and signs a withdrawal request. No state
// changes on failure; the specific error names the reason.
func (a *Authorizer) RequestWithdrawal(user common.Address, amount int64, nonce uint64, deadline int64) (*Authorization, error) {
	reject := func(reason string, err error) (*Authorization, error) {
		if a.metrics != nil {
			a.metrics.WithdrawalsRejected.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	current := a.snapshots.Current()
	if current == nil {
		return reject("no_snapshot", ErrNoSnapshot)
	}
	proof, ok := current.Tree.ProofFor(user)
	if !ok {
		return reject("no_leaf", ErrInvalidProof)
	}
	if proof.Leaf.Equity < amount || amount <= 0 {
		return reject("insufficient_equity", ErrInsufficientEquity)
	}
	// Never trust a proof without verifying it at use time.
	if !merkle.Verify(proof) {
		return reject("bad_proof", ErrInvalidProof)
	}

	a.mu.Lock()
	expected := a.nonces[user]
	a.mu.Unlock()
	if nonce != expected {
		return reject("nonce", ErrInvalidNonce)
	}
	if deadline <= time.Now().Unix() {
		return reject("deadline", ErrDeadlineExpired)
	}

	w := sign.Withdrawal{
		User:       user,
		Amount:     amount,
		Nonce:      nonce,
		Deadline:   deadline,
		MerkleRoot: current.Root,
	}
	sig, err := a.signer.Sign(w)
	if err != nil {
		return reject("sign", err)
	}

	if a.metrics != nil {
		a.metrics.WithdrawalsIssued.Inc()
	}
	a.log.Info().Str("user", user.Hex()).Int64("amount", amount).
		Uint64("nonce", nonce).Str("root", current.Root.Hex()).
		Msg("withdrawal authorization issued")

	return &Authorization{
		User:       user,
		Amount:     amount,
		Nonce:      nonce,
		Deadline:   deadline,
		MerkleRoot: current.Root,
		Signature:  sig,
		Proof:      proof,
	}, nil
}

// MarkWithdrawalCompleted advances the user's nonce after the chain
// confirms consumption. A backward nonce is an invariant violation.
func (a *Authorizer) MarkWithdrawalCompleted(user common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	expected := a.nonces[user]
	if nonce != expected {
		a.log.Error().Str("user", user.Hex()).
			Uint64("confirmed", nonce).Uint64("expected", expected).
			Msg("INVARIANT VIOLATION: withdrawal nonce out of sequence")
		return ErrInvalidNonce
	}
	a.nonces[user] = nonce + 1
	return nil
}

// RestoreNonces seeds the nonce map on warm restart.
func (a *Authorizer) RestoreNonces(nonces map[common.Address]uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for user, n := range nonces {
		a.nonces[user] = n
	}
}

// Nonces returns a copy of the nonce map for persistence.
func (a *Authorizer) Nonces() map[common.Address]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[common.Address]uint64, len(a.nonces))
	for user, n := range a.nonces {
		out[user] = n
	}
	return out
}
