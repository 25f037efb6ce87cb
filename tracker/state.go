// Package tracker folds a stream of per-block supply records into a running
// total-supply state, following chain reorgs through a bounded hash history.
package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ethsupply/supplysim"
)

// DefaultHistoryLimit is the maximum number of blocks kept in history for
// reorg handling.
const DefaultHistoryLimit = 1024

// TotalSupply is the aggregate supply at the current head.
type TotalSupply struct {
	BlockNumber uint64      `json:"blockNumber"` // Head block number
	Hash        common.Hash `json:"hash"`        // Head block hash
	ParentHash  common.Hash `json:"parentHash"`  // Head parent hash

	Delta    *big.Int            `json:"delta"`
	Issuance *supplysim.Issuance `json:"issuance,omitempty"`
	Burn     *supplysim.Burn     `json:"burn,omitempty"`
}

// Delta can go negative, which a hex quantity cannot express, so it is
// encoded as an absolute value plus an explicit sign field.
func (t TotalSupply) MarshalJSON() ([]byte, error) {
	type alias TotalSupply
	enc := struct {
		alias
		Delta     *hexutil.Big `json:"delta"`
		DeltaSign string       `json:"deltaSign"`
	}{
		alias: (alias)(t),
	}

	delta := t.Delta
	if delta == nil {
		delta = new(big.Int)
	}

	if delta.Sign() < 0 {
		enc.DeltaSign = "-"
	} else {
		enc.DeltaSign = "+"
	}

	abs := new(big.Int).Abs(delta)
	enc.Delta = (*hexutil.Big)(abs)

	return json.Marshal(&enc)
}

func (t *TotalSupply) UnmarshalJSON(input []byte) error {
	type alias TotalSupply
	dec := struct {
		*alias
		Delta     *hexutil.Big `json:"delta"`
		DeltaSign string       `json:"deltaSign"`
	}{
		alias: (*alias)(t),
	}
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}

	if dec.Delta != nil {
		delta := (*big.Int)(dec.Delta)
		if dec.DeltaSign == "-" {
			delta = delta.Neg(delta)
		}
		t.Delta = delta
	}

	return nil
}

// State is the latest tracked supply state. It keeps the canonical chain
// mapping and a bounded per-number hash history so it can rewind and
// re-forward across reorgs.
type State struct {
	TotalSupply

	sync.RWMutex

	historyLimit int
	canonical    map[uint64]common.Hash
	history      *orderedmap.OrderedMap[uint64, map[common.Hash]supplysim.Record]
}

func NewState() *State {
	state := &State{
		historyLimit: DefaultHistoryLimit,
	}

	state.Delta = big.NewInt(0)
	state.Issuance = &supplysim.Issuance{
		GenesisAlloc: big.NewInt(0),
		Reward:       big.NewInt(0),
		Withdrawals:  big.NewInt(0),
	}
	state.Burn = &supplysim.Burn{
		EIP1559: big.NewInt(0),
		Blob:    big.NewInt(0),
		Misc:    big.NewInt(0),
	}

	state.canonical = make(map[uint64]common.Hash)
	state.history = orderedmap.New[uint64, map[common.Hash]supplysim.Record](DefaultHistoryLimit)

	return state
}

// Apply folds one record into the state. When the record does not extend the
// current head it first forwards or rewinds through history; a record whose
// parent link still cannot be satisfied is rejected.
func (s *State) Apply(rec supplysim.Record) error {
	isInitialBlock := s.BlockNumber == 0 && s.Hash == (common.Hash{})

	if !isInitialBlock {
		if rec.BlockNumber-1 > s.BlockNumber {
			// State is behind, forward to the record's parent.
			if err := s.forwardTo(rec.BlockNumber-1, rec.ParentHash); err != nil {
				return err
			}
		} else if rec.BlockNumber <= s.BlockNumber || rec.ParentHash != s.Hash {
			// State is ahead or on a different branch, rewind to the parent.
			numberHint := rec.BlockNumber - 1

			// If the parent does not match the head, rewind by hash only.
			if rec.ParentHash != s.Hash {
				numberHint = 0
			}

			if err := s.rewindTo(rec.ParentHash, numberHint); err != nil {
				return err
			}
		}

		if rec.BlockNumber-1 != s.BlockNumber || rec.ParentHash != s.Hash {
			return fmt.Errorf("skipping block %d: parent hash check failed, record parent %s, head %d %s",
				rec.BlockNumber, rec.ParentHash, s.BlockNumber, s.Hash)
		}
	}

	s.setHead(&rec)
	s.add(&rec)

	// Keep the block around for potential future rewinds.
	s.addToHistory(rec)
	s.trimHistory()

	return nil
}

// setHead sets the record as the state head.
func (s *State) setHead(rec *supplysim.Record) {
	s.Lock()
	defer s.Unlock()

	s.BlockNumber = rec.BlockNumber
	s.Hash = rec.Hash
	s.ParentHash = rec.ParentHash

	s.canonical[rec.BlockNumber] = rec.Hash
}

func addTo(dst, v *big.Int) {
	if v != nil {
		dst.Add(dst, v)
	}
}

func subFrom(dst, v *big.Int) {
	if v != nil {
		dst.Sub(dst, v)
	}
}

// add accumulates the record's supply into the totals.
func (s *State) add(rec *supplysim.Record) {
	s.Lock()
	defer s.Unlock()

	if rec.Issuance != nil {
		addTo(s.Issuance.GenesisAlloc, rec.Issuance.GenesisAlloc)
		addTo(s.Issuance.Reward, rec.Issuance.Reward)
		addTo(s.Issuance.Withdrawals, rec.Issuance.Withdrawals)
	}
	if rec.Burn != nil {
		addTo(s.Burn.EIP1559, rec.Burn.EIP1559)
		addTo(s.Burn.Blob, rec.Burn.Blob)
		addTo(s.Burn.Misc, rec.Burn.Misc)
	}

	s.Delta.Add(s.Delta, rec.CalculatedDelta())
}

// sub reverses the record's supply out of the totals.
func (s *State) sub(rec *supplysim.Record) {
	s.Lock()
	defer s.Unlock()

	if rec.Issuance != nil {
		subFrom(s.Issuance.GenesisAlloc, rec.Issuance.GenesisAlloc)
		subFrom(s.Issuance.Reward, rec.Issuance.Reward)
		subFrom(s.Issuance.Withdrawals, rec.Issuance.Withdrawals)
	}
	if rec.Burn != nil {
		subFrom(s.Burn.EIP1559, rec.Burn.EIP1559)
		subFrom(s.Burn.Blob, rec.Burn.Blob)
		subFrom(s.Burn.Misc, rec.Burn.Misc)
	}

	s.Delta.Sub(s.Delta, rec.CalculatedDelta())
}

func (s *State) addToHistory(rec supplysim.Record) {
	s.Lock()
	defer s.Unlock()

	hashes, exists := s.history.Get(rec.BlockNumber)
	if !exists {
		hashes = make(map[common.Hash]supplysim.Record)
	}
	hashes[rec.Hash] = rec

	s.history.Set(rec.BlockNumber, hashes)
}

// lookup returns the record for the given block number and hash.
func (s *State) lookup(hash common.Hash, number uint64) (*supplysim.Record, bool) {
	s.RLock()
	defer s.RUnlock()

	hashes, exists := s.history.Get(number)
	if !exists {
		return nil, false
	}

	if rec, ok := hashes[hash]; ok {
		return &rec, true
	}
	return nil, false
}

// lookupByHash scans the history newest-first for the given hash. A linear
// scan is fine at this history size and keeps the reverse index out.
func (s *State) lookupByHash(hash common.Hash) (*supplysim.Record, bool) {
	s.RLock()
	defer s.RUnlock()

	for pair := s.history.Newest(); pair != nil; pair = pair.Prev() {
		if rec, ok := pair.Value[hash]; ok {
			return &rec, true
		}
	}

	return nil, false
}

// trimHistory drops the oldest entries beyond the history limit.
func (s *State) trimHistory() {
	s.Lock()
	defer s.Unlock()

	for s.history.Len() > s.historyLimit {
		oldest := s.history.Oldest()
		if oldest == nil {
			return
		}
		s.history.Delete(oldest.Key)
	}
}

// rewindTo rewinds the state along the canonical chain down to the given
// block, reversing each abandoned block's totals. When the target replaces
// the current head at the same number, the state first rewinds to the shared
// parent and then forwards onto the new branch.
func (s *State) rewindTo(hash common.Hash, numberHint uint64) error {
	fromBlock := s.BlockNumber

	newest := s.history.Newest()
	oldest := s.history.Oldest()
	if newest == nil || oldest == nil {
		return fmt.Errorf("cannot rewind to block hash %s: history is empty", hash)
	}

	var number uint64

	if numberHint == 0 {
		rec, found := s.lookupByHash(hash)
		if !found {
			return fmt.Errorf("cannot rewind to block hash %s: not in history", hash)
		}
		number = rec.BlockNumber
	} else {
		number = numberHint

		if newest.Key < number || oldest.Key > number {
			return fmt.Errorf("cannot rewind to block %d: not in history (oldest %d, newest %d)",
				number, oldest.Key, newest.Key)
		}
	}

	// Head replacement at the same number: rewind to the parent, then
	// forward onto the replacement hash.
	var forwardToNumber uint64
	var forwardToHash common.Hash

	if number == s.BlockNumber {
		forwardToNumber = number
		forwardToHash = hash
		number -= 1
	}

	depth := 0
	var hNumber uint64

	for hNumber = s.BlockNumber; hNumber >= number; hNumber-- {
		hHash, found := s.canonical[hNumber]
		if !found {
			return fmt.Errorf("cannot find canonical hash for block %d", hNumber)
		}

		rec, found := s.lookup(hHash, hNumber)
		if !found {
			return fmt.Errorf("cannot find supply record for block %d (%s)", hNumber, hHash)
		}

		s.setHead(rec)

		// Reached the rewind target, keep its totals.
		if hNumber == number {
			break
		}

		s.sub(rec)
		depth++
	}

	if depth > 3 {
		slog.Info("Rewound chain", "to", hNumber, "from", fromBlock, "depth", depth)
	}

	if forwardToNumber > 0 && forwardToHash != (common.Hash{}) {
		return s.forwardTo(forwardToNumber, forwardToHash)
	}

	return nil
}

// forwardTo walks the history from the target hash back to the current head
// and replays the connecting blocks in order.
func (s *State) forwardTo(number uint64, hash common.Hash) error {
	newest := s.history.Newest()
	oldest := s.history.Oldest()
	if newest == nil || oldest == nil {
		return fmt.Errorf("cannot forward to block %d: history is empty", number)
	}

	if newest.Key < number || oldest.Key >= number {
		return fmt.Errorf("cannot forward to block %d: not in history (oldest %d, newest %d)",
			number, oldest.Key, newest.Key)
	}

	lookupHash := hash
	stopAfter := false

	var chain []supplysim.Record

	// Collect the branch by following parent links backwards.
	for pair := s.history.Newest(); pair != nil; pair = pair.Prev() {
		hNumber, hashes := pair.Key, pair.Value

		// History can hold newer blocks than the target, skip them.
		if hNumber > number {
			continue
		}

		rec, found := hashes[lookupHash]
		if !found {
			return fmt.Errorf("cannot find hash %s in history for block %d", lookupHash, hNumber)
		}

		// Stop once the branch connects below the current head.
		if hNumber < number && s.BlockNumber > hNumber {
			stopAfter = true
		}

		lookupHash = rec.ParentHash

		if stopAfter {
			break
		}

		chain = append([]supplysim.Record{rec}, chain...)
	}

	for _, rec := range chain {
		if s.BlockNumber >= rec.BlockNumber {
			if err := s.rewindTo(rec.ParentHash, rec.BlockNumber-1); err != nil {
				return err
			}
		}

		rec := rec
		s.setHead(&rec)
		s.add(&rec)
	}

	if s.BlockNumber != number {
		return fmt.Errorf("cannot forward to block: want %d, have %d", number, s.BlockNumber)
	}

	if len(chain) > 3 {
		slog.Info("Forwarded chain", "to", number, "from", chain[0].BlockNumber, "depth", len(chain))
	}

	return nil
}

// PersistedState is the on-disk snapshot: the totals plus the last fully
// parsed supply file, the resume point for subsequent runs.
type PersistedState struct {
	TotalSupply
	File string `json:"file"`
}

// The embedded TotalSupply has its own MarshalJSON, which would swallow the
// file field, so the two are marshaled separately and merged.
func (ps PersistedState) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(ps.TotalSupply)
	if err != nil {
		return nil, err
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	merged["file"] = ps.File

	return json.Marshal(merged)
}

func (ps *PersistedState) UnmarshalJSON(input []byte) error {
	if err := json.Unmarshal(input, &ps.TotalSupply); err != nil {
		return err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(input, &fields); err != nil {
		return err
	}
	if file, ok := fields["file"].(string); ok {
		ps.File = file
	}

	return nil
}

// normalizeTotals backfills zero values for totals missing from a persisted
// snapshot so accumulation never hits a nil big.Int. Callers hold the lock.
func (s *State) normalizeTotals() {
	if s.Delta == nil {
		s.Delta = big.NewInt(0)
	}
	if s.Issuance == nil {
		s.Issuance = &supplysim.Issuance{}
	}
	if s.Issuance.GenesisAlloc == nil {
		s.Issuance.GenesisAlloc = big.NewInt(0)
	}
	if s.Issuance.Reward == nil {
		s.Issuance.Reward = big.NewInt(0)
	}
	if s.Issuance.Withdrawals == nil {
		s.Issuance.Withdrawals = big.NewInt(0)
	}
	if s.Burn == nil {
		s.Burn = &supplysim.Burn{}
	}
	if s.Burn.EIP1559 == nil {
		s.Burn.EIP1559 = big.NewInt(0)
	}
	if s.Burn.Blob == nil {
		s.Burn.Blob = big.NewInt(0)
	}
	if s.Burn.Misc == nil {
		s.Burn.Misc = big.NewInt(0)
	}
}

// Save writes the current state and resume point to path.
func (s *State) Save(path, lastParsedFile string) error {
	s.RLock()
	ps := PersistedState{
		TotalSupply: s.TotalSupply,
		File:        lastParsedFile,
	}
	data, err := json.Marshal(&ps)
	s.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Load restores the state from path and returns the last fully parsed supply
// file recorded in it.
func (s *State) Load(path string) (lastParsedFile string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read state file: %w", err)
	}

	var ps PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return "", fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	s.Lock()
	s.TotalSupply = ps.TotalSupply
	s.normalizeTotals()
	s.Unlock()

	slog.Info("Loaded state", "file", path, "lastParsedFile", ps.File, "headBlock", s.BlockNumber)

	return ps.File, nil
}
