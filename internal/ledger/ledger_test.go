package ledger

import (
	"testing"
	"time"

	"github.com/staeon/node/pkg/models"
)

func TestBalanceAtRespectsPropagationWindow(t *testing.T) {
	l := New()
	base := time.Date(2019, 2, 14, 9, 0, 0, 0, time.UTC)
	l.Seed("addr1", models.AmountFromFloat(3.2), base)

	spendAt := base.Add(time.Hour)
	movements := []TimedMovement{
		{Movement: models.Movement{TxID: "tx1", Address: "addr1", Amount: -models.AmountFromFloat(1.0)}, Timestamp: spendAt},
	}

	// Asking for the balance right at the spend, within the propagation
	// window, must not yet see the movement applied.
	balance, _ := l.BalanceAt("addr1", spendAt.Add(5*time.Second), movements, 10*time.Second)
	if balance != models.AmountFromFloat(3.2) {
		t.Errorf("movement inside propagation window should not be visible yet, got %v", balance)
	}

	// Once enough time has passed, it becomes visible.
	balance, _ = l.BalanceAt("addr1", spendAt.Add(20*time.Second), movements, 10*time.Second)
	if balance != models.AmountFromFloat(2.2) {
		t.Errorf("movement should be visible after propagation window, got %v", balance)
	}
}

func TestApplyEpochConservesTotal(t *testing.T) {
	l := New()
	base := time.Date(2019, 2, 14, 9, 0, 0, 0, time.UTC)
	l.Seed("alice", models.AmountFromFloat(5.0), base)

	before := l.TotalIssued()

	spendAt := base.Add(time.Hour)
	movements := []TimedMovement{
		{Movement: models.Movement{TxID: "tx1", Address: "alice", Amount: -models.AmountFromFloat(2.21)}, Timestamp: spendAt},
		{Movement: models.Movement{TxID: "tx1", Address: "bob", Amount: models.AmountFromFloat(2.2)}, Timestamp: spendAt},
	}

	l.ApplyEpoch(100, movements)

	after := l.TotalIssued()
	feeDestroyed := models.AmountFromFloat(0.01)
	if before-after != feeDestroyed {
		t.Errorf("ledger conservation broken: before=%v after=%v fee=%v", before, after, feeDestroyed)
	}
}

func TestApplyEpochIdempotent(t *testing.T) {
	l := New()
	base := time.Date(2019, 2, 14, 9, 0, 0, 0, time.UTC)
	l.Seed("alice", models.AmountFromFloat(5.0), base)

	movements := []TimedMovement{
		{Movement: models.Movement{TxID: "tx1", Address: "alice", Amount: -models.AmountFromFloat(1.0)}, Timestamp: base.Add(time.Hour)},
	}

	l.ApplyEpoch(1, movements)
	first, _ := l.StoredBalance("alice")

	l.ApplyEpoch(1, movements)
	second, _ := l.StoredBalance("alice")

	if first != second {
		t.Errorf("ApplyEpoch should be idempotent per epoch, got %v then %v", first, second)
	}
	if !l.AlreadyApplied(1) {
		t.Errorf("AlreadyApplied should report true after ApplyEpoch")
	}
}
