package supplysim

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ZeroParentHash is the parent link carried by the first generated record.
var ZeroParentHash = common.Hash{}

// RecordShape selects one of the two wire shapes the generator can emit.
type RecordShape int

const (
	// ShapeIssuance emits records with nested issuance and burn objects,
	// matching the per-block supply traces emitted by an execution client.
	ShapeIssuance RecordShape = iota

	// ShapeFlat emits records with flat delta/reward/withdrawals/burn
	// quantities on every record.
	ShapeFlat
)

func (s RecordShape) String() string {
	switch s {
	case ShapeIssuance:
		return "issuance"
	case ShapeFlat:
		return "flat"
	default:
		return fmt.Sprintf("RecordShape(%d)", int(s))
	}
}

// ParseRecordShape parses the string form used by CLI flags.
func ParseRecordShape(raw string) (RecordShape, error) {
	switch raw {
	case "issuance", "":
		return ShapeIssuance, nil
	case "flat":
		return ShapeFlat, nil
	default:
		return 0, fmt.Errorf("unknown record shape %q", raw)
	}
}

// Issuance holds the supply a block adds. GenesisAlloc is only ever set on
// the genesis record, Reward and Withdrawals on every other record.
type Issuance struct {
	GenesisAlloc *big.Int
	Reward       *big.Int
	Withdrawals  *big.Int
}

type issuanceJSON struct {
	GenesisAlloc *hexutil.Big `json:"genesisAlloc,omitempty"`
	Reward       *hexutil.Big `json:"reward,omitempty"`
	Withdrawals  *hexutil.Big `json:"withdrawals,omitempty"`
}

func (i Issuance) MarshalJSON() ([]byte, error) {
	return json.Marshal(issuanceJSON{
		GenesisAlloc: (*hexutil.Big)(i.GenesisAlloc),
		Reward:       (*hexutil.Big)(i.Reward),
		Withdrawals:  (*hexutil.Big)(i.Withdrawals),
	})
}

func (i *Issuance) UnmarshalJSON(input []byte) error {
	var dec issuanceJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	i.GenesisAlloc = (*big.Int)(dec.GenesisAlloc)
	i.Reward = (*big.Int)(dec.Reward)
	i.Withdrawals = (*big.Int)(dec.Withdrawals)
	return nil
}

// Sum returns the total issued supply across all set fields.
func (i *Issuance) Sum() *big.Int {
	total := new(big.Int)
	if i == nil {
		return total
	}
	for _, v := range []*big.Int{i.GenesisAlloc, i.Reward, i.Withdrawals} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Burn holds the supply a block destroys.
type Burn struct {
	EIP1559 *big.Int
	Blob    *big.Int
	Misc    *big.Int
}

type burnJSON struct {
	EIP1559 *hexutil.Big `json:"eip1559,omitempty"`
	Blob    *hexutil.Big `json:"blob,omitempty"`
	Misc    *hexutil.Big `json:"misc,omitempty"`
}

func (b Burn) MarshalJSON() ([]byte, error) {
	return json.Marshal(burnJSON{
		EIP1559: (*hexutil.Big)(b.EIP1559),
		Blob:    (*hexutil.Big)(b.Blob),
		Misc:    (*hexutil.Big)(b.Misc),
	})
}

func (b *Burn) UnmarshalJSON(input []byte) error {
	var dec burnJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	b.EIP1559 = (*big.Int)(dec.EIP1559)
	b.Blob = (*big.Int)(dec.Blob)
	b.Misc = (*big.Int)(dec.Misc)
	return nil
}

// Sum returns the total burned supply across all set fields.
func (b *Burn) Sum() *big.Int {
	total := new(big.Int)
	if b == nil {
		return total
	}
	for _, v := range []*big.Int{b.EIP1559, b.Blob, b.Misc} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Record is a single per-block supply trace in the issuance shape. Records
// form a singly-linked chain: ParentHash equals the Hash of the previous
// record, with ZeroParentHash as the genesis sentinel.
type Record struct {
	BlockNumber uint64      `json:"blockNumber"`
	Hash        common.Hash `json:"hash"`
	ParentHash  common.Hash `json:"parentHash"`

	Issuance *Issuance `json:"issuance,omitempty"`
	Burn     *Burn     `json:"burn,omitempty"`
}

// CalculatedDelta returns issued minus burned supply for this record.
func (r *Record) CalculatedDelta() *big.Int {
	delta := r.Issuance.Sum()
	return delta.Sub(delta, r.Burn.Sum())
}

// FlatRecord is the flat wire shape: the same chain link fields, with all
// quantities as scalar hex values on every record.
type FlatRecord struct {
	BlockNumber uint64      `json:"blockNumber"`
	Hash        common.Hash `json:"hash"`
	ParentHash  common.Hash `json:"parentHash"`

	Delta       *hexutil.Big `json:"delta"`
	Reward      *hexutil.Big `json:"reward"`
	Withdrawals *hexutil.Big `json:"withdrawals"`
	Burn        *hexutil.Big `json:"burn"`
}

// Flatten converts an issuance-shaped record to the flat shape. Reward and
// withdrawals carry over directly (zero on genesis, where the allocation is
// accounted in delta), burn collapses to a single total.
func Flatten(rec *Record) *FlatRecord {
	reward := new(big.Int)
	withdrawals := new(big.Int)
	if rec.Issuance != nil {
		if rec.Issuance.Reward != nil {
			reward.Set(rec.Issuance.Reward)
		}
		if rec.Issuance.Withdrawals != nil {
			withdrawals.Set(rec.Issuance.Withdrawals)
		}
	}

	return &FlatRecord{
		BlockNumber: rec.BlockNumber,
		Hash:        rec.Hash,
		ParentHash:  rec.ParentHash,
		Delta:       (*hexutil.Big)(rec.CalculatedDelta()),
		Reward:      (*hexutil.Big)(reward),
		Withdrawals: (*hexutil.Big)(withdrawals),
		Burn:        (*hexutil.Big)(rec.Burn.Sum()),
	}
}
