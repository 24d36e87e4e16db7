// Package epochsummary implements close_epoch (spec.md §4.7): folding a
// mempool's validated transactions into the ledger, computing the epoch
// seed the whole network should agree on, and deriving the mini-hashes
// ConsensusRound exchanges to prove that agreement.
package epochsummary

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/staeon/node/internal/clock"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/mempool"
	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

// DefaultMiniHashCount is spec.md §4.7's `limit=5` — a count of derived
// mini-hashes, not their width (DESIGN.md open-question decision e fixes
// the width at 8 hex characters).
const DefaultMiniHashCount = 5

var ErrAlreadyClosed = errors.New("epochsummary: epoch already closed")

// LedgerApplier is the subset of mempool.Mempool close_epoch needs: the
// in-epoch transaction set and the movements that survive rejection
// domination.
type LedgerApplier interface {
	FilterForEpoch(epoch int64) []models.Transaction
	MovementsForApply(epoch int64, peers mempool.PeerReputations) []ledger.TimedMovement
	ApplicableForEpoch(epoch int64, peers mempool.PeerReputations) []models.Transaction
}

// Closer runs close_epoch and caches each epoch's shuffle matrix, per
// spec.md §4.7 step 4 ("cache the shuffle matrix keyed by epoch").
type Closer struct {
	mu       sync.Mutex
	closed   map[int64]models.EpochSummary
	matrices map[int64]shuffle.Matrix
	seeds    map[int64][32]byte
}

func New() *Closer {
	return &Closer{
		closed:   make(map[int64]models.EpochSummary),
		matrices: make(map[int64]shuffle.Matrix),
		seeds:    make(map[int64][32]byte),
	}
}

// Summary returns the cached result of a prior close_epoch, if any.
func (c *Closer) Summary(epoch int64) (models.EpochSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.closed[epoch]
	return s, ok
}

// Matrix returns the cached shuffle matrix for an already-closed epoch.
func (c *Closer) Matrix(epoch int64) (shuffle.Matrix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matrices[epoch]
	return m, ok
}

// CloseEpoch implements spec.md §4.7. It is idempotent: a repeat call for
// an already-closed epoch returns ErrAlreadyClosed rather than redoing
// the work (ledger.ApplyEpoch is itself idempotent, but the seed/matrix
// computation is not free, so close_epoch short-circuits before it).
func (c *Closer) CloseEpoch(epoch int64, led *ledger.Ledger, mp LedgerApplier, peers *peerset.PeerSet) (models.EpochSummary, error) {
	c.mu.Lock()
	if _, ok := c.closed[epoch]; ok {
		c.mu.Unlock()
		return models.EpochSummary{}, ErrAlreadyClosed
	}
	c.mu.Unlock()

	txs := mp.FilterForEpoch(epoch)
	movements := mp.MovementsForApply(epoch, peers)
	applicable := mp.ApplicableForEpoch(epoch, peers)
	movements = append(movements, feeMovements(epoch, applicable, peers)...)
	led.ApplyEpoch(epoch, movements)

	entries := led.Snapshot()
	seed := MakeEpochSeed(len(txs), len(entries), entries)
	matrix := shuffle.MakeMatrix(peers.Ordered(), SeedHex(seed))

	summary := models.EpochSummary{
		Epoch:            epoch,
		EpochSeed:        SeedHex(seed),
		TransactionCount: len(txs),
		LedgerSize:       len(entries),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.closed[epoch]; ok {
		return models.EpochSummary{}, ErrAlreadyClosed
	}
	c.closed[epoch] = summary
	c.matrices[epoch] = matrix
	c.seeds[epoch] = seed
	return summary, nil
}

// feeMovements implements DESIGN.md open-question decision (b): the
// combined fee left over by txs is split across every registered peer's
// payout address in proportion to rep_percent at epoch-close time, as
// ordinary ledger movements dated at the epoch's end. txs must already be
// filtered to the same rejection-domination-excluded set CloseEpoch folds
// into the ledger (mempool.ApplicableForEpoch) — a dominated tx's inputs
// and outputs are never applied, so its fee was never actually collected
// and must not be summed into the pool spec.md §8 conserves.
func feeMovements(epoch int64, txs []models.Transaction, peers *peerset.PeerSet) []ledger.TimedMovement {
	var totalFee models.Amount
	for _, tx := range txs {
		totalFee += tx.Fee()
	}
	if totalFee <= 0 {
		return nil
	}

	_, end := clock.RangeOf(epoch)
	var out []ledger.TimedMovement
	for _, p := range peers.Ordered() {
		share := models.AmountFromFloat(totalFee.Float64() * peers.RepPercent(p.Domain) / 100)
		if share <= 0 {
			continue
		}
		out = append(out, ledger.TimedMovement{
			Movement: models.Movement{
				TxID:    "fee:" + strconv.FormatInt(epoch, 10) + ":" + p.Domain,
				Address: p.PayoutAddress,
				Amount:  share,
			},
			Timestamp: end,
		})
	}
	return out
}

// sortedEntries returns entries ordered by balance descending, address
// ascending, per spec.md §4.7's `make_epoch_seed` input order.
func sortedEntries(entries []ledger.Entry) []ledger.Entry {
	out := make([]ledger.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance != out[j].Balance {
			return out[i].Balance > out[j].Balance
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// MakeEpochSeed computes spec.md §4.7's epoch_seed: SHA-256 over
// str(tx_count) || str(ledger_size) followed by fixed8(balance) ||
// address for every ledger entry in balance-desc/address-asc order.
func MakeEpochSeed(txCount, ledgerSize int, entries []ledger.Entry) [32]byte {
	var sb []byte
	sb = append(sb, strconv.Itoa(txCount)...)
	sb = append(sb, strconv.Itoa(ledgerSize)...)
	for _, e := range sortedEntries(entries) {
		sb = append(sb, e.Balance.Fixed8()...)
		sb = append(sb, e.Address...)
	}
	return sha256.Sum256(sb)
}

// SeedHex renders an epoch seed as the hex string used both for
// persistence and as the shuffle matrix's seed input.
func SeedHex(seed [32]byte) string {
	return hex.EncodeToString(seed[:])
}

// MiniHashes implements spec.md §4.7's `mini_hashes(limit)`: h0 = seed,
// hᵢ = SHA-256(hᵢ₋₁), miniHashᵢ = hex(hᵢ)[:8].
func MiniHashes(seed [32]byte, limit int) []string {
	out := make([]string, limit)
	h := seed
	for i := 0; i < limit; i++ {
		h = sha256.Sum256(h[:])
		out[i] = hex.EncodeToString(h[:])[:8]
	}
	return out
}

// MiniHashesForEpoch looks up an already-closed epoch's seed and derives
// its mini-hashes, for use by the consensus push step.
func (c *Closer) MiniHashesForEpoch(epoch int64, limit int) ([]string, bool) {
	c.mu.Lock()
	seed, ok := c.seeds[epoch]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return MiniHashes(seed, limit), true
}
