package epochsummary

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/staeon/node/internal/clock"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/mempool"
	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/txcodec"
	"github.com/staeon/node/internal/walletcrypto"
	"github.com/staeon/node/pkg/models"
)

func TestMakeEpochSeedOrdersByBalanceDescAddressAsc(t *testing.T) {
	entries := []ledger.Entry{
		{Address: "zzz", Balance: models.AmountFromFloat(1.0)},
		{Address: "aaa", Balance: models.AmountFromFloat(5.0)},
		{Address: "bbb", Balance: models.AmountFromFloat(5.0)},
	}
	a := MakeEpochSeed(2, 3, entries)

	// Reordering the input slice must not change the seed: the function
	// sorts internally.
	reordered := []ledger.Entry{entries[1], entries[0], entries[2]}
	b := MakeEpochSeed(2, 3, reordered)

	if a != b {
		t.Errorf("epoch seed should be independent of input order")
	}
}

func TestMakeEpochSeedChangesWithTxCount(t *testing.T) {
	entries := []ledger.Entry{{Address: "aaa", Balance: models.AmountFromFloat(5.0)}}
	a := MakeEpochSeed(1, 1, entries)
	b := MakeEpochSeed(2, 1, entries)
	if a == b {
		t.Errorf("different tx_count should change the seed")
	}
}

func TestMiniHashesDeterministicAndWidthEight(t *testing.T) {
	entries := []ledger.Entry{{Address: "aaa", Balance: models.AmountFromFloat(5.0)}}
	seed := MakeEpochSeed(1, 1, entries)

	a := MiniHashes(seed, DefaultMiniHashCount)
	b := MiniHashes(seed, DefaultMiniHashCount)

	if len(a) != DefaultMiniHashCount {
		t.Fatalf("expected %d mini-hashes, got %d", DefaultMiniHashCount, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("mini-hash %d not deterministic", i)
		}
		if len(a[i]) != 8 {
			t.Errorf("mini-hash %d should be 8 hex chars, got %d (%q)", i, len(a[i]), a[i])
		}
	}
	if a[0] == a[1] {
		t.Errorf("successive mini-hashes should differ")
	}
}

func TestCloseEpochIsIdempotent(t *testing.T) {
	led := ledger.New()
	base := time.Date(2019, 2, 14, 9, 0, 0, 0, time.UTC)
	led.Seed("alice", models.AmountFromFloat(5.0), base)

	mp := mempool.New()
	peers := peerset.New()
	peers.Seed(models.Peer{Domain: "node.example", Reputation: 100, FirstRegistered: models.NewTimestamp(base)})

	c := New()
	epoch := int64(3000)

	summary, err := c.CloseEpoch(epoch, led, mp, peers)
	if err != nil {
		t.Fatalf("first close should succeed, got %v", err)
	}
	if summary.Epoch != epoch {
		t.Errorf("summary epoch mismatch: %d", summary.Epoch)
	}

	if _, err := c.CloseEpoch(epoch, led, mp, peers); err != ErrAlreadyClosed {
		t.Errorf("second close should report ErrAlreadyClosed, got %v", err)
	}

	if _, ok := c.Matrix(epoch); !ok {
		t.Errorf("matrix should be cached for a closed epoch")
	}
}

// TestCloseEpochExcludesRejectionDominatedTxFee guards spec.md §8's
// ledger-conservation invariant: a transaction that a reputation majority
// rejected is never applied to the ledger, so CloseEpoch must not credit
// any peer a share of that transaction's fee either — doing so would
// manufacture balance never backed by an applied debit.
func TestCloseEpochExcludesRejectionDominatedTxFee(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	from, err := walletcrypto.PubKeyToAddress(priv.PubKey(), true)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	led := ledger.New()
	base := time.Date(2019, 2, 14, 9, 0, 0, 0, time.UTC)
	led.Seed(from, models.AmountFromFloat(5.0), base)

	peers := peerset.New()
	peers.Seed(models.Peer{Domain: "majority.example", PayoutAddress: "majority-payout", Reputation: 60, FirstRegistered: models.NewTimestamp(base)})
	peers.Seed(models.Peer{Domain: "minority.example", PayoutAddress: "minority-payout", Reputation: 40, FirstRegistered: models.NewTimestamp(base)})

	mp := mempool.New()
	g := &noopGossip{}

	txTime := time.Date(2019, 2, 14, 10, 5, 0, 0, time.UTC)
	tx := models.Transaction{
		Timestamp: models.NewTimestamp(txTime),
		Inputs:    []models.TxInput{{Address: from, Amount: models.AmountFromFloat(2.21)}},
		Outputs:   []models.TxOutput{{Address: "16ViwyAVeKtz4vbTXWRSYgadT5w3Rj3yuq", Amount: models.AmountFromFloat(2.2)}},
	}
	msg := txcodec.MessageForInput(tx, 0)
	sig, err := walletcrypto.Sign(msg, priv, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.Inputs[0].Signature = sig
	tx.TxID = txcodec.MakeTxID(tx)

	if err := mp.AcceptTx(tx, txTime, "node.example", led, testSigner{priv}, g); err != nil {
		t.Fatalf("tx should validate, got %v", err)
	}
	mp.RecordRejectionFrom(models.Rejection{TxID: tx.TxID, RejectingDomain: "majority.example"})

	c := New()
	epoch := clock.EpochOf(txTime)
	if _, err := c.CloseEpoch(epoch, led, mp, peers); err != nil {
		t.Fatalf("CloseEpoch should succeed, got %v", err)
	}

	if bal, _ := led.StoredBalance("majority-payout"); bal != 0 {
		t.Errorf("majority payout address should not receive a fee share for a dominated tx, got %v", bal)
	}
	if bal, _ := led.StoredBalance("minority-payout"); bal != 0 {
		t.Errorf("minority payout address should not receive a fee share for a dominated tx, got %v", bal)
	}
	if bal, _ := led.StoredBalance(from); bal != models.AmountFromFloat(5.0) {
		t.Errorf("sender balance should be untouched since the tx was never applied, got %v", bal)
	}
}

type noopGossip struct{}

func (noopGossip) Propagate(objType string, obj interface{}) {}

// testSigner adapts a raw private key to mempool.Signer, mirroring
// mempool_test.go's helper of the same name.
type testSigner struct {
	priv *btcec.PrivateKey
}

func (s testSigner) Sign(msg []byte) (string, error) {
	return walletcrypto.Sign(msg, s.priv, true)
}
