package supplysim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrLimitReached is returned once the generator has emitted its configured
// maximum block number.
var ErrLimitReached = errors.New("supplysim: block limit reached")

var (
	defaultPlaceholderAmount = big.NewInt(1)

	// Bounds the original randomized amounts were drawn from (1 ETH to
	// 1000 ETH in wei), used when RandomAmounts is enabled.
	defaultRandomAmountMin = new(big.Int).SetUint64(1_000_000_000_000_000_000)
	defaultRandomAmountMax = new(big.Int).Mul(big.NewInt(1000), defaultRandomAmountMin)
)

type chainRef struct {
	num  uint64
	hash common.Hash
}

// MockSupplyGenerator produces a chain of synthetic per-block supply records
// and writes them as newline-delimited JSON to its sink.
type MockSupplyGenerator struct {
	mu sync.Mutex

	config MockSupplyGeneratorConfig

	out io.Writer

	// The running parent link is an explicit accumulator: each sealed
	// record's hash becomes the parent of the next one.
	parentHash common.Hash
	nextNum    uint64

	history []chainRef // recent chain refs retained as reorg fork points

	running atomic.Bool
	done    chan struct{}
	stop    sync.Once
}

type MockSupplyGeneratorConfig struct {
	Shape RecordShape // Wire shape to emit

	StartBlockNum uint64 // First block number to emit
	MaxBlockNum   uint64 // Generation stops before this block number, 0 means unbounded

	// Numeric filler fields are stubbed to PlaceholderAmount unless
	// RandomAmounts is set, in which case they are drawn uniformly from
	// [RandomAmountMin, RandomAmountMax].
	PlaceholderAmount *big.Int
	RandomAmounts     bool
	RandomAmountMin   *big.Int
	RandomAmountMax   *big.Int

	AutoEmit       bool          // Whether Run emits records on its own ticker
	EmitRate       time.Duration // How often Run emits a batch
	RecordsPerTick int           // Batch size per tick

	ReorgProbability float64 // Probability of a reorg occurring per batch
	ReorgDepthMin    int     // Minimum depth of an injected reorg
	ReorgDepthMax    int     // Maximum depth of an injected reorg

	HistoryLimit int // How many recent chain refs to retain as fork points
}

// NewMockSupplyGenerator creates a generator writing to out with the given
// configuration.
func NewMockSupplyGenerator(config *MockSupplyGeneratorConfig, out io.Writer) (*MockSupplyGenerator, error) {
	if out == nil {
		return nil, fmt.Errorf("output writer cannot be nil")
	}
	if config == nil {
		config = &MockSupplyGeneratorConfig{}
	}

	if config.PlaceholderAmount == nil {
		config.PlaceholderAmount = defaultPlaceholderAmount
	}
	if config.RandomAmountMin == nil {
		config.RandomAmountMin = defaultRandomAmountMin
	}
	if config.RandomAmountMax == nil {
		config.RandomAmountMax = defaultRandomAmountMax
	}

	if config.EmitRate == 0 {
		config.EmitRate = 1 * time.Second // Default emit rate
	}
	if config.RecordsPerTick <= 0 {
		config.RecordsPerTick = 1
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 128
	}

	if config.ReorgProbability < 0 || config.ReorgProbability > 1 {
		return nil, fmt.Errorf("reorg probability must be in [0, 1], got %f", config.ReorgProbability)
	}
	if config.ReorgDepthMin <= 0 {
		config.ReorgDepthMin = 3
	}
	if config.ReorgDepthMax < config.ReorgDepthMin {
		config.ReorgDepthMax = config.ReorgDepthMin + 3
	}

	if config.MaxBlockNum > 0 && config.StartBlockNum >= config.MaxBlockNum {
		return nil, fmt.Errorf("start block %d is not below max block %d", config.StartBlockNum, config.MaxBlockNum)
	}

	return &MockSupplyGenerator{
		config:     *config,
		out:        out,
		parentHash: ZeroParentHash,
		nextNum:    config.StartBlockNum,
		done:       make(chan struct{}),
	}, nil
}

// GenRecords generates and writes n records, invoking modify on each one
// before it is sealed. It returns the sealed records in chain order. When the
// configured block limit cuts the batch short, the records emitted so far are
// returned together with ErrLimitReached.
func (g *MockSupplyGenerator) GenRecords(n int, modify func(int, *RecordGen)) ([]*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeReorgLocked()

	records := make([]*Record, 0, n)

	parent := g.parentHash
	for i := 0; i < n; i++ {
		if g.config.MaxBlockNum > 0 && g.nextNum >= g.config.MaxBlockNum {
			g.parentHash = parent
			return records, ErrLimitReached
		}

		gen := &RecordGen{
			num:        g.nextNum,
			parentHash: parent,
			hash:       RandomDigest(),
		}
		g.fillAmounts(gen)

		if modify != nil {
			modify(i, gen)
		}

		rec := gen.seal()
		if err := g.writeRecord(rec); err != nil {
			g.parentHash = parent
			return records, fmt.Errorf("failed to write record %d: %w", rec.BlockNumber, err)
		}

		records = append(records, rec)
		g.appendHistory(chainRef{num: rec.BlockNumber, hash: rec.Hash})

		parent = rec.Hash
		g.nextNum++
	}

	g.parentHash = parent
	return records, nil
}

// Reorg rewinds the generator by depth blocks so that the next batch re-emits
// those block numbers under fresh hashes, forking from the retained ancestor.
func (g *MockSupplyGenerator) Reorg(depth int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reorgLocked(depth)
}

func (g *MockSupplyGenerator) reorgLocked(depth int) error {
	if depth < 1 {
		return fmt.Errorf("reorg depth must be at least 1, got %d", depth)
	}
	// The fork point itself must stay in history.
	if depth >= len(g.history) {
		return fmt.Errorf("reorg depth %d exceeds retained history of %d blocks", depth, len(g.history))
	}

	anchor := g.history[len(g.history)-depth-1]
	g.history = g.history[:len(g.history)-depth]
	g.parentHash = anchor.hash
	g.nextNum = anchor.num + 1

	slog.Info("Injecting reorg", "depth", depth, "forkBlock", anchor.num, "forkHash", anchor.hash.Hex())
	return nil
}

func (g *MockSupplyGenerator) maybeReorgLocked() {
	if g.config.ReorgProbability <= 0 {
		return
	}
	if rand.Float64() >= g.config.ReorgProbability {
		return
	}

	depth := g.config.ReorgDepthMin
	if g.config.ReorgDepthMax > g.config.ReorgDepthMin {
		depth += rand.Intn(g.config.ReorgDepthMax - g.config.ReorgDepthMin + 1)
	}

	if err := g.reorgLocked(depth); err != nil {
		slog.Debug("Skipping reorg injection", "error", err)
	}
}

func (g *MockSupplyGenerator) fillAmounts(gen *RecordGen) {
	if gen.num == 0 {
		gen.SetGenesisAlloc(g.amount())
		return
	}
	gen.SetReward(g.amount())
	gen.SetWithdrawals(g.amount())
	gen.SetBurn(g.amount(), g.amount(), g.amount())
}

func (g *MockSupplyGenerator) amount() *big.Int {
	if g.config.RandomAmounts {
		return PickRandomAmount(g.config.RandomAmountMin, g.config.RandomAmountMax)
	}
	return new(big.Int).Set(g.config.PlaceholderAmount)
}

func (g *MockSupplyGenerator) writeRecord(rec *Record) error {
	var (
		data []byte
		err  error
	)

	switch g.config.Shape {
	case ShapeFlat:
		data, err = json.Marshal(Flatten(rec))
	default:
		data, err = json.Marshal(rec)
	}
	if err != nil {
		return err
	}

	// One write per line so the sink can rotate on record boundaries.
	_, err = g.out.Write(append(data, '\n'))
	return err
}

func (g *MockSupplyGenerator) appendHistory(ref chainRef) {
	g.history = append(g.history, ref)
	if len(g.history) > g.config.HistoryLimit {
		g.history = g.history[len(g.history)-g.config.HistoryLimit:]
	}
}

// Head returns the number and hash of the most recently emitted record.
func (g *MockSupplyGenerator) Head() (uint64, common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.history) == 0 {
		return 0, ZeroParentHash
	}
	head := g.history[len(g.history)-1]
	return head.num, head.hash
}

// Run starts the generator's own emit loop when AutoEmit is enabled. It
// returns immediately; emission continues until the context is canceled,
// Stop is called, or the block limit is reached.
func (g *MockSupplyGenerator) Run(ctx context.Context) error {
	if g.running.Load() {
		return fmt.Errorf("MockSupplyGenerator is already running")
	}
	g.running.Store(true)

	go func() {
		if !g.config.AutoEmit {
			slog.Info("AutoEmit is disabled, skipping record generation")
			return
		}

		ticker := time.NewTicker(g.config.EmitRate)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Stopping record generation due to context cancellation")
				g.running.Store(false)
				return
			case <-g.done:
				return
			case <-ticker.C:
				_, err := g.GenRecords(g.config.RecordsPerTick, nil)
				if errors.Is(err, ErrLimitReached) {
					slog.Info("Reached configured block limit, stopping", "maxBlockNum", g.config.MaxBlockNum)
					g.running.Store(false)
					return
				}
				if err != nil {
					slog.Error("Failed to generate records", "error", err)
				}
			}
		}
	}()

	return nil
}

func (g *MockSupplyGenerator) IsRunning() bool {
	if g == nil {
		return false
	}
	return g.running.Load()
}

func (g *MockSupplyGenerator) Stop(ctx context.Context) error {
	g.running.Store(false)
	g.stop.Do(func() { close(g.done) })
	return nil
}

// PrintStatus logs the current head of the generated chain.
func (g *MockSupplyGenerator) PrintStatus() {
	num, hash := g.Head()
	slog.Info("MockSupplyGenerator Status",
		"headBlock", num,
		"headHash", hash.Hex(),
	)
}

// RecordGen gives per-record control to GenRecords callers before a record
// is sealed, mirroring how block generation hooks mutate a pending block.
type RecordGen struct {
	num        uint64
	parentHash common.Hash
	hash       common.Hash

	genesisAlloc *big.Int
	reward       *big.Int
	withdrawals  *big.Int
	burnEIP1559  *big.Int
	burnBlob     *big.Int
	burnMisc     *big.Int
}

func (r *RecordGen) Number() uint64 {
	return r.num
}

func (r *RecordGen) Hash() common.Hash {
	return r.hash
}

func (r *RecordGen) ParentHash() common.Hash {
	return r.parentHash
}

// SetHash overrides the generated digest, for deterministic fixtures.
func (r *RecordGen) SetHash(hash common.Hash) {
	r.hash = hash
}

func (r *RecordGen) SetGenesisAlloc(v *big.Int) {
	r.genesisAlloc = v
}

func (r *RecordGen) SetReward(v *big.Int) {
	r.reward = v
}

func (r *RecordGen) SetWithdrawals(v *big.Int) {
	r.withdrawals = v
}

func (r *RecordGen) SetBurn(eip1559, blob, misc *big.Int) {
	r.burnEIP1559 = eip1559
	r.burnBlob = blob
	r.burnMisc = misc
}

// seal freezes the pending record into its wire form. The genesis record
// carries only the allocation; every other record carries reward,
// withdrawals and the burn breakdown.
func (r *RecordGen) seal() *Record {
	rec := &Record{
		BlockNumber: r.num,
		Hash:        r.hash,
		ParentHash:  r.parentHash,
	}

	if r.num == 0 {
		rec.Issuance = &Issuance{GenesisAlloc: r.genesisAlloc}
		return rec
	}

	rec.Issuance = &Issuance{
		Reward:      r.reward,
		Withdrawals: r.withdrawals,
	}
	rec.Burn = &Burn{
		EIP1559: r.burnEIP1559,
		Blob:    r.burnBlob,
		Misc:    r.burnMisc,
	}
	return rec
}
