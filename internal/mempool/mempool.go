// Package mempool holds the set of transactions this node has validated
// for the current and recent epochs, and the accept_tx state machine that
// feeds it (spec.md §4.4).
package mempool

import (
	"errors"
	"sync"
	"time"

	"github.com/staeon/node/internal/clock"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/txcodec"
	"github.com/staeon/node/internal/walletcrypto"
	"github.com/staeon/node/pkg/models"
)

// MinFee is the minimum fee (Σinputs − Σoutputs) a transaction must leave
// for the network, per spec.md §3.
const MinFee = models.Amount(1_000_000) // 0.01 in 1e-8 units

// Error kinds from spec.md §7. Invalid transactions are never recorded;
// rejected ones are recorded with a self-Rejection attached.
var (
	ErrInvalidAmounts   = errors.New("mempool: invalid amounts")
	ErrInvalidAddress   = errors.New("mempool: invalid address class")
	ErrInvalidSignature = errors.New("mempool: signature does not recover to input address")
	ErrInvalidFee       = errors.New("mempool: fee below minimum")
	ErrExpiredTimestamp = clock.ErrExpiredTimestamp
)

// RejectedTransaction wraps the state-validation failure that causes a
// transaction to be recorded with a self-Rejection rather than discarded.
type RejectedTransaction struct {
	Reason string
}

func (e *RejectedTransaction) Error() string { return "mempool: rejected — " + e.Reason }

// Gossiper fans an object out to this node's assigned peers. Implemented
// by internal/gossip; declared here as an interface so mempool has no
// import-time dependency on the gossip worker pool.
type Gossiper interface {
	Propagate(objType string, obj interface{})
}

// Signer is the subset of walletcrypto.Key mempool needs to authenticate
// this node's own self-Rejections, mirroring consensus.Signer.
type Signer interface {
	Sign(msg []byte) (string, error)
}

// RejectionMessage is the canonical bytes a Rejection's signature must
// cover: proof that the rejecting domain itself attests the transaction
// is state-invalid, by analogy with peerset's registrationMessage and
// consensus.BuildPush's hashes||to_domain convention. spec.md's glossary
// defines a Rejection as "a signed attestation that a transaction is
// state-invalid" — this is the payload that signature is over.
func RejectionMessage(txid, rejectingDomain string) []byte {
	return []byte(txid + "|" + rejectingDomain)
}

// PeerReputations is the subset of PeerSet mempool needs to compute a
// transaction's rejected-reputation-percent.
type PeerReputations interface {
	RepPercent(domain string) float64
	TotalReputation() float64
}

// record is one accepted-or-rejected transaction held in the pool.
type record struct {
	tx         models.Transaction
	txid       string
	timestamp  time.Time
	applied    bool
	rejections map[string]models.Rejection // by rejecting domain — distinct peers only
}

// Mempool is safe for concurrent use. A single mutex protects the record
// map; per spec.md §5 the heavier serialization requirement (close_epoch
// vs. concurrent accept_tx for the same epoch) is handled by EpochLock.
type Mempool struct {
	mu       sync.RWMutex
	byTxID   map[string]*record
	EpochLock EpochLock
}

// EpochLock exclusively locks a single epoch number at a time, so
// close_epoch(n) can run against a stable snapshot while concurrent
// accept_tx calls for epoch n either finish first or are turned away.
type EpochLock struct {
	mu      sync.Mutex
	closing map[int64]bool
}

func (l *EpochLock) isClosing(epoch int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing == nil {
		return false
	}
	return l.closing[epoch]
}

// BeginClose marks epoch as closing for the duration of fn, excluding new
// accept_tx calls targeting it.
func (l *EpochLock) BeginClose(epoch int64, fn func()) {
	l.mu.Lock()
	if l.closing == nil {
		l.closing = make(map[int64]bool)
	}
	l.closing[epoch] = true
	l.mu.Unlock()

	fn()

	l.mu.Lock()
	delete(l.closing, epoch)
	l.mu.Unlock()
}

func New() *Mempool {
	return &Mempool{byTxID: make(map[string]*record)}
}

// Has reports whether a txid is already known, for the at-most-once check
// in step 1 of accept_tx.
func (m *Mempool) Has(txid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byTxID[txid]
	return ok
}

// AcceptTx runs the four-stage validation pipeline from spec.md §4.4 and
// gossips the outcome. localDomain is this node's own domain, used to
// attribute a self-Rejection when state validation fails; signer
// authenticates that self-Rejection under localDomain's payout-address
// key so other nodes can verify it came from this node.
func (m *Mempool) AcceptTx(tx models.Transaction, now time.Time, localDomain string, led *ledger.Ledger, signer Signer, gossip Gossiper) error {
	txid := tx.TxID
	if txid == "" {
		txid = txcodec.MakeTxID(tx)
	}

	if m.Has(txid) {
		return nil // at-most-once
	}

	epoch := clock.EpochOf(tx.Timestamp.Time)
	if m.EpochLock.isClosing(epoch) {
		return ErrExpiredTimestamp
	}

	if err := validateSyntax(tx); err != nil {
		return err
	}

	if err := clock.ValidateTimestamp(tx.Timestamp.Time, now); err != nil {
		return err
	}

	if reason := m.validateState(tx, led); reason != "" {
		rejection, err := m.recordRejected(txid, tx, localDomain, signer)
		if err != nil {
			return err
		}
		if gossip != nil {
			gossip.Propagate("rejection", rejection)
		}
		return &RejectedTransaction{Reason: reason}
	}

	m.recordValidated(txid, tx)
	if gossip != nil {
		gossip.Propagate("transaction", tx)
	}
	return nil
}

// validateSyntax is the cryptographic/syntactic check from spec.md §4.4
// step 2: every output positive and class-1, every input signature
// recovers to its claimed address, and the fee clears the minimum.
func validateSyntax(tx models.Transaction) error {
	for _, out := range tx.Outputs {
		if out.Amount <= 0 {
			return ErrInvalidAmounts
		}
		if !walletcrypto.IsClass1Address(out.Address) {
			return ErrInvalidAddress
		}
	}

	for i, in := range tx.Inputs {
		if in.Amount <= 0 {
			return ErrInvalidAmounts
		}
		msg := txcodec.MessageForInput(tx, i)
		if !walletcrypto.RecoverAndVerifyAddress(msg, in.Signature, in.Address) {
			return ErrInvalidSignature
		}
	}

	if tx.TotalIn() < tx.TotalOut() {
		return ErrInvalidAmounts
	}
	if tx.Fee() < MinFee {
		return ErrInvalidFee
	}
	return nil
}

// validateState is spec.md §4.4 step 4: every input address must have
// enough balance, and must not have been spent more recently than this
// transaction's own timestamp (the double-spend-within-epoch guard).
// Returns a human-readable reason, or "" if state validation passed.
func (m *Mempool) validateState(tx models.Transaction, led *ledger.Ledger) string {
	epoch := clock.EpochOf(tx.Timestamp.Time)
	movements := m.MovementsForEpoch(epoch)

	for _, in := range tx.Inputs {
		balance, lastUsed := led.BalanceAt(in.Address, tx.Timestamp.Time, movements, clock.PropagationWindow)
		if balance < in.Amount {
			return "insufficient balance"
		}
		if !lastUsed.Before(tx.Timestamp.Time) {
			return "input already spent this epoch"
		}
	}
	return ""
}

func (m *Mempool) recordValidated(txid string, tx models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTxID[txid] = &record{tx: tx, txid: txid, timestamp: tx.Timestamp.Time}
}

// recordRejected attaches a genuinely signed self-Rejection, so a peer
// receiving it from this node over gossip can verify it the same way
// RecordRejectionFrom's callers verify one arriving from a remote peer.
func (m *Mempool) recordRejected(txid string, tx models.Transaction, localDomain string, signer Signer) (models.Rejection, error) {
	sig, err := signer.Sign(RejectionMessage(txid, localDomain))
	if err != nil {
		return models.Rejection{}, err
	}
	rejection := models.Rejection{TxID: txid, RejectingDomain: localDomain, Signature: sig}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTxID[txid] = &record{
		tx:         tx,
		txid:       txid,
		timestamp:  tx.Timestamp.Time,
		rejections: map[string]models.Rejection{localDomain: rejection},
	}
	return rejection, nil
}

// RecordRejectionFrom attaches a remote peer's gossiped Rejection to an
// already-known transaction. At-most-once per distinct rejecting domain.
func (m *Mempool) RecordRejectionFrom(r models.Rejection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byTxID[r.TxID]
	if !ok {
		return
	}
	if rec.rejections == nil {
		rec.rejections = make(map[string]models.Rejection)
	}
	rec.rejections[r.RejectingDomain] = r
}

// RejectedReputationPercent sums rep_percent across every distinct peer
// that has rejected txid, per spec.md §3.
func (m *Mempool) RejectedReputationPercent(txid string, peers PeerReputations) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byTxID[txid]
	if !ok {
		return 0
	}
	var total float64
	for domain := range rec.rejections {
		total += peers.RepPercent(domain)
	}
	return total
}

// FilterForEpoch returns every record whose timestamp falls within epoch's
// range, ordered by txid, matching the original node's
// `ValidatedTransaction.filter_for_epoch`.
func (m *Mempool) FilterForEpoch(epoch int64) []models.Transaction {
	start, end := clock.RangeOf(epoch)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []models.Transaction
	for _, rec := range m.byTxID {
		if !rec.timestamp.Before(start) && rec.timestamp.Before(end) {
			txs = append(txs, rec.tx)
		}
	}
	sortByTxID(txs)
	return txs
}

func sortByTxID(txs []models.Transaction) {
	for i := 1; i < len(txs); i++ {
		j := i
		for j > 0 && txs[j].TxID < txs[j-1].TxID {
			txs[j], txs[j-1] = txs[j-1], txs[j]
			j--
		}
	}
}

// MovementsForEpoch implements ledger.EpochMovements: every movement of
// every record (validated or rejected) whose timestamp falls in epoch,
// used for double-spend detection during validation. apply_epoch uses
// MovementsForApply instead, which also drops rejection-dominated records.
func (m *Mempool) MovementsForEpoch(epoch int64) []ledger.TimedMovement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.movementsForEpochLocked(epoch)
}

func (m *Mempool) movementsForEpochLocked(epoch int64) []ledger.TimedMovement {
	start, end := clock.RangeOf(epoch)
	var out []ledger.TimedMovement
	for _, rec := range m.byTxID {
		if rec.timestamp.Before(start) || !rec.timestamp.Before(end) {
			continue
		}
		for _, mv := range models.MovementsFor(rec.txid, rec.tx) {
			out = append(out, ledger.TimedMovement{Movement: mv, Timestamp: rec.timestamp})
		}
	}
	return out
}

// RejectionDominationThreshold is the rejected-reputation-percent above
// which a recorded transaction is excluded from apply_epoch — an
// undefined term in spec.md §4.3, resolved here as a simple majority,
// consistent with the penalty-vote quorum decision in DESIGN.md.
const RejectionDominationThreshold = 50.0

// MovementsForApply returns the movements that should actually be folded
// into the ledger at epoch close: every record in the epoch window except
// those a majority of reputation has rejected.
func (m *Mempool) MovementsForApply(epoch int64, peers PeerReputations) []ledger.TimedMovement {
	start, end := clock.RangeOf(epoch)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.TimedMovement
	for _, rec := range m.byTxID {
		if rec.timestamp.Before(start) || !rec.timestamp.Before(end) {
			continue
		}
		if m.rejectedPercentLocked(rec, peers) > RejectionDominationThreshold {
			continue
		}
		for _, mv := range models.MovementsFor(rec.txid, rec.tx) {
			out = append(out, ledger.TimedMovement{Movement: mv, Timestamp: rec.timestamp})
		}
	}
	return out
}

// ApplicableForEpoch returns every transaction in epoch's window that
// survives rejection-domination — the same filter MovementsForApply
// applies, but returning the transactions themselves rather than their
// movements, so a caller computing a derived quantity over applied
// transactions (e.g. the fee pool) doesn't have to re-derive tx from
// movements.
func (m *Mempool) ApplicableForEpoch(epoch int64, peers PeerReputations) []models.Transaction {
	start, end := clock.RangeOf(epoch)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []models.Transaction
	for _, rec := range m.byTxID {
		if rec.timestamp.Before(start) || !rec.timestamp.Before(end) {
			continue
		}
		if m.rejectedPercentLocked(rec, peers) > RejectionDominationThreshold {
			continue
		}
		txs = append(txs, rec.tx)
	}
	sortByTxID(txs)
	return txs
}

func (m *Mempool) rejectedPercentLocked(rec *record, peers PeerReputations) float64 {
	var total float64
	for domain := range rec.rejections {
		total += peers.RepPercent(domain)
	}
	return total
}
