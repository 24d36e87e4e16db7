package models

import (
	"encoding/json"
	"fmt"
)

// TxInput spends amount from address, authorized by signature. On the wire
// it is a 3-tuple `[address, amount, signature]`, not an object — the
// format inherited from the original node's JSON encoding.
type TxInput struct {
	Address   string
	Amount    Amount
	Signature string
}

func (in TxInput) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{in.Address, in.Amount.Float64(), in.Signature})
}

func (in *TxInput) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tx input: expected [address, amount, signature]: %w", err)
	}
	if err := json.Unmarshal(raw[0], &in.Address); err != nil {
		return err
	}
	var f float64
	if err := json.Unmarshal(raw[1], &f); err != nil {
		return err
	}
	in.Amount = AmountFromFloat(f)
	return json.Unmarshal(raw[2], &in.Signature)
}

// TxOutput credits amount to address. On the wire: `[address, amount]`.
type TxOutput struct {
	Address string
	Amount  Amount
}

func (out TxOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{out.Address, out.Amount.Float64()})
}

func (out *TxOutput) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tx output: expected [address, amount]: %w", err)
	}
	if err := json.Unmarshal(raw[0], &out.Address); err != nil {
		return err
	}
	var f float64
	if err := json.Unmarshal(raw[1], &f); err != nil {
		return err
	}
	out.Amount = AmountFromFloat(f)
	return nil
}

// Transaction is a proposed transfer of value between addresses, as
// submitted by a wallet to POST /staeon/transaction/. TxID is computed by
// txcodec.MakeTxID and is optional on the wire — a submitter may omit it
// and let the receiving node derive it.
type Transaction struct {
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
	Timestamp Timestamp  `json:"timestamp"`
	TxID      string     `json:"txid,omitempty"`
}

// TotalIn sums the input amounts.
func (tx Transaction) TotalIn() Amount {
	var total Amount
	for _, in := range tx.Inputs {
		total += in.Amount
	}
	return total
}

// TotalOut sums the output amounts.
func (tx Transaction) TotalOut() Amount {
	var total Amount
	for _, out := range tx.Outputs {
		total += out.Amount
	}
	return total
}

// Fee is the positive remainder left for the network once outputs are
// covered by inputs.
func (tx Transaction) Fee() Amount {
	return tx.TotalIn() - tx.TotalOut()
}

// Movement is one signed balance change caused by a validated transaction:
// negative for a spent input, positive for a credited output.
type Movement struct {
	TxID    string `json:"txid"`
	Address string `json:"address"`
	Amount  Amount `json:"amount"`
}

// MovementsFor derives the movement multiset for a transaction: one
// negative movement per input, one positive movement per output. Fees are
// implicit — they are whatever is left unaccounted for by Σmovements.
func MovementsFor(txid string, tx Transaction) []Movement {
	movements := make([]Movement, 0, len(tx.Inputs)+len(tx.Outputs))
	for _, in := range tx.Inputs {
		movements = append(movements, Movement{TxID: txid, Address: in.Address, Amount: -in.Amount})
	}
	for _, out := range tx.Outputs {
		movements = append(movements, Movement{TxID: txid, Address: out.Address, Amount: out.Amount})
	}
	return movements
}
