package txcodec

import (
	"strings"
	"testing"

	"github.com/staeon/node/pkg/models"
)

func sampleTx() models.Transaction {
	ts, _ := models.ParseTimestamp("2019-02-14T10:05:00.000000")
	return models.Transaction{
		Timestamp: ts,
		Inputs: []models.TxInput{
			{Address: "18pvhMkv1MZbZZEncKucAmVDLXZsD9Dhk6", Amount: models.AmountFromFloat(3.2), Signature: "sig"},
		},
		Outputs: []models.TxOutput{
			{Address: "18pPTxvTc9rJZfD2tM1bNYHFhAcZjgqEdQ", Amount: models.AmountFromFloat(0.99)},
			{Address: "16ViwyAVeKtz4vbTXWRSYgadT5w3Rj3yuq", Amount: models.AmountFromFloat(2.2)},
		},
	}
}

func TestMakeTxIDDeterministic(t *testing.T) {
	tx := sampleTx()
	id1 := MakeTxID(tx)
	id2 := MakeTxID(tx)
	if id1 != id2 {
		t.Fatalf("MakeTxID not stable across calls: %s != %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Fatalf("txid should be 64 hex chars, got %d", len(id1))
	}
}

func TestMakeTxIDOutputOrderIndependent(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.Outputs[0], b.Outputs[1] = b.Outputs[1], b.Outputs[0]

	if MakeTxID(a) != MakeTxID(b) {
		t.Fatalf("txid should not depend on input slice order of outputs (canonical sort should fix it)")
	}
}

func TestMakeTxIDChangesWithInputOrder(t *testing.T) {
	tx := sampleTx()
	tx.Inputs = append(tx.Inputs, models.TxInput{
		Address: "14ZiHtrmT6Mi4RT2Liz51WKZMeyq2n5tgG", Amount: models.AmountFromFloat(0.5), Signature: "sig2",
	})
	withOrder := MakeTxID(tx)

	reordered := tx
	reordered.Inputs = []models.TxInput{tx.Inputs[1], tx.Inputs[0]}
	if MakeTxID(reordered) == withOrder {
		t.Fatalf("input order is locked once signed — reordering inputs must change the txid")
	}
}

func TestInputSigningMessageIncludesTimestampAndOutputs(t *testing.T) {
	tx := sampleTx()
	msg := MessageForInput(tx, 0)
	s := string(msg)
	if !strings.Contains(s, tx.Timestamp.ISO()) {
		t.Errorf("signing message missing timestamp")
	}
	for _, out := range tx.Outputs {
		if !strings.Contains(s, out.Address) {
			t.Errorf("signing message missing output address %s", out.Address)
		}
	}
}
