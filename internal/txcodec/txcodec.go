// Package txcodec implements the canonical encoding used to derive
// transaction ids and the messages each input signature must cover. Every
// honest node must produce byte-identical output for the same transaction,
// so the encoding intentionally fixes an order for outputs (sorted by
// address) while leaving input order exactly as the maker supplied it —
// locked in once signed.
package txcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/staeon/node/pkg/models"
)

// sortedOutputs returns a copy of outputs sorted ascending by address,
// matching the original node's `sorted(outputs, key=lambda x: x[0])`.
func sortedOutputs(outputs []models.TxOutput) []models.TxOutput {
	out := make([]models.TxOutput, len(outputs))
	copy(out, outputs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

// MakeTxID computes the SHA-256 txid over the canonical encoding from
// spec.md §4.2: timestamp, then every output (address||fixed8(amount)) in
// address-ascending order, then every input (address||fixed8(amount)) in
// maker-supplied order.
func MakeTxID(tx models.Transaction) string {
	var sb strings.Builder
	sb.WriteString(tx.Timestamp.ISO())

	for _, out := range sortedOutputs(tx.Outputs) {
		sb.WriteString(out.Address)
		sb.WriteString(out.Amount.Fixed8())
	}

	for _, in := range tx.Inputs {
		sb.WriteString(in.Address)
		sb.WriteString(in.Amount.Fixed8())
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// outputsSigningSegment renders the `";".join(address,amount)` segment
// shared by every input's signing message, followed by the timestamp, per
// spec.md §4.2.
func outputsSigningSegment(outputs []models.TxOutput, timestamp string) string {
	parts := make([]string, 0, len(outputs))
	for _, out := range sortedOutputs(outputs) {
		parts = append(parts, out.Address+","+out.Amount.Fixed8())
	}
	return strings.Join(parts, ";") + timestamp
}

// InputSigningMessage builds the message a single input's signature must
// cover: `address || fixed8(amount) || ";".join(outputs) || timestamp`.
func InputSigningMessage(address string, amount models.Amount, outputs []models.TxOutput, timestamp string) []byte {
	var sb strings.Builder
	sb.WriteString(address)
	sb.WriteString(amount.Fixed8())
	sb.WriteString(outputsSigningSegment(outputs, timestamp))
	return []byte(sb.String())
}

// MessageForInput is a convenience wrapper that builds the signing message
// for tx.Inputs[i].
func MessageForInput(tx models.Transaction, i int) []byte {
	in := tx.Inputs[i]
	return InputSigningMessage(in.Address, in.Amount, tx.Outputs, tx.Timestamp.ISO())
}
