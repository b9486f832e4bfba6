package blockchain

import (
	"testing"
	"time"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// Coinbase outputs are decomposed into fixed denominations so later blocks
// can assemble rings of repeated amounts.
const (
	smallDenomination = 1_000_000
	largeDenomination = 100_000_000
)

var testPayoutKey = crypto.PublicKey{0x5a, 0x01}

// stubPow accepts every hash unless reject is set, so tests drive chains
// without mining.
type stubPow struct {
	reject bool
}

func (p *stubPow) CheckProofOfWork(_ crypto.Hash, difficulty uint64) bool {
	return !p.reject && difficulty > 0
}

// fakeClock is a fixed time source tests move by hand.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type poolAdd struct {
	tx   *wire.Transaction
	kept bool
}

type tipEvent struct {
	increased bool
	height    uint32
	hash      crypto.Hash
}

// fakePool is a TransactionPool that records every interaction the chain
// engine has with it.
type fakePool struct {
	txs    map[crypto.Hash]*wire.Transaction
	taken  []crypto.Hash
	adds   []poolAdd
	events []tipEvent
}

func newFakePool() *fakePool {
	return &fakePool{txs: make(map[crypto.Hash]*wire.Transaction)}
}

func (p *fakePool) add(tx *wire.Transaction) {
	p.txs[tx.TxHash()] = tx
}

func (p *fakePool) TakeTransaction(hash crypto.Hash) *wire.Transaction {
	tx, ok := p.txs[hash]
	if !ok {
		return nil
	}
	delete(p.txs, hash)
	p.taken = append(p.taken, hash)
	return tx
}

func (p *fakePool) AddTransaction(tx *wire.Transaction, keptByBlock bool) error {
	p.txs[tx.TxHash()] = tx
	p.adds = append(p.adds, poolAdd{tx: tx, kept: keptByBlock})
	return nil
}

func (p *fakePool) OnBlockchainInc(tipHeight uint32, tipHash crypto.Hash) {
	p.events = append(p.events, tipEvent{increased: true, height: tipHeight, hash: tipHash})
}

func (p *fakePool) OnBlockchainDec(tipHeight uint32, tipHash crypto.Hash) {
	p.events = append(p.events, tipEvent{increased: false, height: tipHeight, hash: tipHash})
}

// testCurrency returns a fresh test network rule table. Tests get their own
// instance so they can tweak checkpoints or upgrade parameters without
// touching the shared package variables.
func testCurrency() *currency.Currency {
	return &currency.Currency{
		Name:                "testnet",
		MoneySupply:         10_000_000_000_000_000,
		EmissionSpeedFactor: 18,
		DifficultyTarget:    120,

		MinedMoneyUnlockWindow: 10,
		RewardBlocksWindow:     100,

		BlockGrantedFullRewardZoneV1: 20_000,
		BlockGrantedFullRewardZone:   100_000,

		MaxBlockSizeInitial:                1_000_000,
		MaxBlockSizeGrowthSpeedNumerator:   100 * 1024,
		MaxBlockSizeGrowthSpeedDenominator: 365 * 24 * 60 * 60 / 120,

		MaxTxSize: 1_000_000,

		DifficultyWindowLegacy: 720,
		DifficultyCut:          60,
		DifficultyLag:          15,
		DifficultyWindowLWMA:   60,

		BlockFutureTimeLimitLegacy: 7200,
		BlockFutureTimeLimitLWMA:   360,
		TimestampCheckWindowLegacy: 60,
		TimestampCheckWindowLWMA:   11,

		MinimumFeeV1:       1000,
		MinimumFeeV2:       100,
		MinimumFeeV2Height: 20,

		MinimumMixinV3: 2,

		DepositMinAmount:       100_000_000,
		DepositMinTerm:         21_900,
		DepositMaxTerm:         262_800,
		DepositRateBasisPoints: 500,
		DepositRateV2Height:    1_000_000,
		DepositRateV2:          300,
		BlocksPerYear:          262_800,

		UpgradeHeights: map[uint8]uint32{
			currency.BlockMajorVersion2: 1,
			currency.BlockMajorVersion3: 2,
			currency.BlockMajorVersion4: 3,
			currency.BlockMajorVersion5: 4,
			currency.BlockMajorVersion6: 5,
			currency.BlockMajorVersion7: 6,
			currency.BlockMajorVersion8: 7,
		},
		UpgradeVotingWindow:    720,
		UpgradeVotingThreshold: 90,

		GenesisTimestamp:   1673183142,
		GenesisNonce:       7000,
		GenesisCoinbaseKey: testPayoutKey,
	}
}

// parentInfo is the chain context a new block builds on.
type parentInfo struct {
	hash      crypto.Hash
	height    uint32
	generated uint64
}

// chainHarness wires a chain engine to stub oracles, a fixed clock and a
// recording pool over a temporary data directory.
type chainHarness struct {
	t     *testing.T
	chain *Blockchain
	cur   *currency.Currency
	clock *fakeClock
	pow   *stubPow
	pool  *fakePool
	dir   string

	// minor is stamped into every built block as its upgrade vote.
	minor uint8
}

func newTestChain(t *testing.T) *chainHarness {
	return newTestChainWith(t, testCurrency(), t.TempDir())
}

func newTestChainWith(t *testing.T, cur *currency.Currency, dir string) *chainHarness {
	return newTestChainConfig(t, cur, dir, false)
}

func newTestChainConfig(t *testing.T, cur *currency.Currency, dir string, explorer bool) *chainHarness {
	return newTestChainOpts(t, cur, dir, func(cfg *Config) {
		cfg.EnableExplorerIndices = explorer
	})
}

func newTestChainOpts(t *testing.T, cur *currency.Currency, dir string, tweak func(*Config)) *chainHarness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(int64(cur.GenesisTimestamp)+1_000_000, 0)}
	pow := &stubPow{}
	pool := newFakePool()
	cfg := &Config{
		DataDir:    dir,
		Currency:   cur,
		Oracles:    crypto.Oracles{Pow: pow, Sig: crypto.AssumeValidVerifier{}},
		TimeSource: clock,
	}
	if tweak != nil {
		tweak(cfg)
	}
	chain, err := New(cfg)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	chain.AttachTransactionPool(pool)
	t.Cleanup(func() { _ = chain.Close() })
	return &chainHarness{
		t:     t,
		chain: chain,
		cur:   cur,
		clock: clock,
		pow:   pow,
		pool:  pool,
		dir:   dir,
	}
}

// tipParent returns the current main-chain tip as a build parent.
func (h *chainHarness) tipParent() parentInfo {
	h.t.Helper()
	rec, ok := h.chain.BlockByHeight(h.chain.Height())
	if !ok {
		h.t.Fatal("tip record is missing")
	}
	return parentInfo{
		hash:      rec.Block.BlockHash(),
		height:    rec.Height,
		generated: rec.AlreadyGeneratedCoins,
	}
}

// buildBlock assembles a valid block on top of parent: correct major
// version, a monotonic timestamp, and a coinbase minting exactly the reward
// plus any deposit interest the transactions release. The second return is
// the parent context for the next block of the same branch.
func (h *chainHarness) buildBlock(parent parentInfo, nonce uint32, txs ...*wire.Transaction) (*wire.Block, parentInfo) {
	h.t.Helper()
	height := parent.height + 1
	version := h.chain.expectedMajorVersion(height)

	var totalFee, totalInterest uint64
	hashes := make([]crypto.Hash, 0, len(txs))
	for _, tx := range txs {
		fee, err := h.cur.GetTransactionFee(tx, height)
		if err != nil {
			h.t.Fatalf("GetTransactionFee: unexpected error: %v", err)
		}
		interest, err := h.cur.CalculateTotalTransactionInterest(tx, height)
		if err != nil {
			h.t.Fatalf("CalculateTotalTransactionInterest: unexpected error: %v", err)
		}
		totalFee += fee
		totalInterest += interest
		hashes = append(hashes, tx.TxHash())
	}

	// Test blocks never exceed the penalty-free zone, so zero sizes yield
	// the same reward the engine recomputes at connect time.
	reward, emissionChange, err := h.cur.GetBlockReward(version, 0, 0, parent.generated, totalFee)
	if err != nil {
		h.t.Fatalf("GetBlockReward: unexpected error: %v", err)
	}
	minted := reward + totalInterest

	block := &wire.Block{
		MajorVersion:      version,
		MinorVersion:      h.minor,
		Timestamp:         h.cur.GenesisTimestamp + uint64(height),
		PreviousBlockHash: parent.hash,
		Nonce:             nonce,
		BaseTransaction:   h.coinbase(height, minted),
		TransactionHashes: hashes,
	}
	next := parentInfo{
		hash:      block.BlockHash(),
		height:    height,
		generated: parent.generated + emissionChange + totalInterest,
	}
	return block, next
}

// coinbase mints the given amount: three small and three large denomination
// outputs plus the remainder, so every block replenishes ring material.
func (h *chainHarness) coinbase(height uint32, minted uint64) wire.Transaction {
	h.t.Helper()
	const carved = 3*smallDenomination + 3*largeDenomination
	if minted <= carved {
		h.t.Fatalf("reward %d cannot carry the test denominations", minted)
	}
	outputs := make([]wire.TxOutput, 0, 7)
	for i := 0; i < 3; i++ {
		outputs = append(outputs, wire.TxOutput{
			Amount: smallDenomination,
			Target: &wire.KeyOutput{Key: testPayoutKey},
		})
	}
	for i := 0; i < 3; i++ {
		outputs = append(outputs, wire.TxOutput{
			Amount: largeDenomination,
			Target: &wire.KeyOutput{Key: testPayoutKey},
		})
	}
	outputs = append(outputs, wire.TxOutput{
		Amount: minted - carved,
		Target: &wire.KeyOutput{Key: testPayoutKey},
	})
	return wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version:    wire.TxVersion1,
			UnlockTime: wire.UnlockTimeFromHeight(height + h.cur.MinedMoneyUnlockWindow),
			Inputs:     []wire.TxInput{&wire.BaseInput{BlockHeight: height}},
			Outputs:    outputs,
			Extra:      wire.AppendPublicKeyToExtra(nil, testPayoutKey),
		},
	}
}

// extendMain mines n empty blocks onto the main chain and returns the new
// tip context.
func (h *chainHarness) extendMain(n int) parentInfo {
	h.t.Helper()
	parent := h.tipParent()
	for i := 0; i < n; i++ {
		var block *wire.Block
		block, parent = h.buildBlock(parent, 0)
		h.acceptBlock(block)
	}
	return parent
}

// acceptBlock processes a block and requires a main-chain extension.
func (h *chainHarness) acceptBlock(block *wire.Block) {
	h.t.Helper()
	verdict, err := h.chain.ProcessBlock(block)
	if err != nil {
		h.t.Fatalf("ProcessBlock(%s): unexpected error: %v", block.BlockHash(), err)
	}
	if verdict != VerdictAcceptedMain {
		h.t.Fatalf("ProcessBlock(%s): verdict %v, expected AcceptedMain", block.BlockHash(), verdict)
	}
}

// keySpendTx builds a ring spend of one denominated output. ring holds
// absolute global output indexes for the amount; the signature vector is
// shaped to match and verified by the stub oracle.
func keySpendTx(keyImage byte, amount uint64, ring []uint32, outAmount uint64) *wire.Transaction {
	var ki crypto.KeyImage
	ki[0] = keyImage
	sigs := make([]crypto.Signature, len(ring))
	return &wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version: wire.TxVersion1,
			Inputs: []wire.TxInput{&wire.KeyInput{
				Amount:        amount,
				OutputIndexes: append([]uint32(nil), ring...),
				KeyImage:      ki,
			}},
			Outputs: []wire.TxOutput{{
				Amount: outAmount,
				Target: &wire.KeyOutput{Key: testPayoutKey},
			}},
			Extra: wire.AppendPublicKeyToExtra(nil, testPayoutKey),
		},
		Signatures: [][]crypto.Signature{sigs},
	}
}

// assertRuleError fails the test unless err is a RuleError carrying the
// expected code.
func assertRuleError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rule error %v, got nil", code)
	}
	rerr, ok := err.(RuleError)
	if !ok {
		t.Fatalf("expected RuleError, got %T: %v", err, err)
	}
	if rerr.ErrorCode != code {
		t.Fatalf("rule error code %v, expected %v", rerr.ErrorCode, code)
	}
}
