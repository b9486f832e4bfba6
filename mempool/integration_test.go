package mempool

import (
	"testing"
	"time"

	"github.com/syfer-network/syferd/blockchain"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// These tests wire the real chain engine to the real pool, the way the
// daemon does, and drive full block flows across the boundary.

const (
	ringDenomination = 1_000_000
	bulkDenomination = 100_000_000
	nodeFeeFloor     = 1000
)

var nodePayoutKey = crypto.PublicKey{0x5a, 0x01}

type acceptAllPow struct{}

func (acceptAllPow) CheckProofOfWork(_ crypto.Hash, difficulty uint64) bool {
	return difficulty > 0
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// nodeCurrency is a rule table with no version upgrades, so every block is
// major version 1 and the ring-size floor stays at zero.
func nodeCurrency() *currency.Currency {
	return &currency.Currency{
		Name:                "integration",
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

		MinimumFeeV1:       nodeFeeFloor,
		MinimumFeeV2:       100,
		MinimumFeeV2Height: 1 << 30,

		MinimumMixinV3: 2,

		DepositMinAmount:       100_000_000,
		DepositMinTerm:         21_900,
		DepositMaxTerm:         262_800,
		DepositRateBasisPoints: 500,
		DepositRateV2Height:    1_000_000,
		DepositRateV2:          300,
		BlocksPerYear:          262_800,

		GenesisTimestamp:   1673183142,
		GenesisNonce:       7000,
		GenesisCoinbaseKey: nodePayoutKey,
	}
}

// chainPoint is the chain context a test block builds on.
type chainPoint struct {
	hash      crypto.Hash
	height    uint32
	generated uint64
}

// nodeHarness is a real Blockchain wired to a real TxPool over a temporary
// data directory.
type nodeHarness struct {
	t     *testing.T
	chain *blockchain.Blockchain
	pool  *TxPool
	cur   *currency.Currency
}

func newNodeHarness(t *testing.T) *nodeHarness {
	t.Helper()
	cur := nodeCurrency()
	clock := &fixedClock{now: time.Unix(int64(cur.GenesisTimestamp)+1_000_000, 0)}

	chain, err := blockchain.New(&blockchain.Config{
		DataDir:    t.TempDir(),
		Currency:   cur,
		Oracles:    crypto.Oracles{Pow: acceptAllPow{}, Sig: crypto.AssumeValidVerifier{}},
		TimeSource: clock,
	})
	if err != nil {
		t.Fatalf("blockchain.New: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = chain.Close() })

	pool, err := New(&Config{
		Currency:   cur,
		Chain:      chain,
		TimeSource: clock,
	})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	chain.AttachTransactionPool(pool)

	return &nodeHarness{t: t, chain: chain, pool: pool, cur: cur}
}

func (h *nodeHarness) tipPoint() chainPoint {
	h.t.Helper()
	rec, ok := h.chain.BlockByHeight(h.chain.Height())
	if !ok {
		h.t.Fatal("tip record is missing")
	}
	return chainPoint{
		hash:      rec.Block.BlockHash(),
		height:    rec.Height,
		generated: rec.AlreadyGeneratedCoins,
	}
}

// buildBlock assembles a valid version-1 block on top of parent. The
// coinbase mints the exact reward, decomposed so later blocks have ring
// material of repeated amounts.
func (h *nodeHarness) buildBlock(parent chainPoint, nonce uint32, txs ...*wire.Transaction) (*wire.Block, chainPoint) {
	h.t.Helper()
	height := parent.height + 1

	var totalFee uint64
	hashes := make([]crypto.Hash, 0, len(txs))
	for _, tx := range txs {
		fee, err := h.cur.GetTransactionFee(tx, height)
		if err != nil {
			h.t.Fatalf("GetTransactionFee: unexpected error: %v", err)
		}
		totalFee += fee
		hashes = append(hashes, tx.TxHash())
	}

	reward, emissionChange, err := h.cur.GetBlockReward(
		currency.BlockMajorVersion1, 0, 0, parent.generated, totalFee)
	if err != nil {
		h.t.Fatalf("GetBlockReward: unexpected error: %v", err)
	}

	const carved = 3*ringDenomination + 3*bulkDenomination
	if reward <= carved {
		h.t.Fatalf("reward %d cannot carry the test denominations", reward)
	}
	outputs := make([]wire.TxOutput, 0, 7)
	for i := 0; i < 3; i++ {
		outputs = append(outputs, wire.TxOutput{
			Amount: ringDenomination,
			Target: &wire.KeyOutput{Key: nodePayoutKey},
		})
	}
	for i := 0; i < 3; i++ {
		outputs = append(outputs, wire.TxOutput{
			Amount: bulkDenomination,
			Target: &wire.KeyOutput{Key: nodePayoutKey},
		})
	}
	outputs = append(outputs, wire.TxOutput{
		Amount: reward - carved,
		Target: &wire.KeyOutput{Key: nodePayoutKey},
	})

	block := &wire.Block{
		MajorVersion:      currency.BlockMajorVersion1,
		Timestamp:         h.cur.GenesisTimestamp + uint64(height),
		PreviousBlockHash: parent.hash,
		Nonce:             nonce,
		BaseTransaction: wire.Transaction{
			TransactionPrefix: wire.TransactionPrefix{
				Version:    wire.TxVersion1,
				UnlockTime: wire.UnlockTimeFromHeight(height + h.cur.MinedMoneyUnlockWindow),
				Inputs:     []wire.TxInput{&wire.BaseInput{BlockHeight: height}},
				Outputs:    outputs,
				Extra:      wire.AppendPublicKeyToExtra(nil, nodePayoutKey),
			},
		},
		TransactionHashes: hashes,
	}
	next := chainPoint{
		hash:      block.BlockHash(),
		height:    height,
		generated: parent.generated + emissionChange,
	}
	return block, next
}

func (h *nodeHarness) extendMain(n int) chainPoint {
	h.t.Helper()
	parent := h.tipPoint()
	for i := 0; i < n; i++ {
		var block *wire.Block
		block, parent = h.buildBlock(parent, 0)
		h.acceptBlock(block)
	}
	return parent
}

func (h *nodeHarness) acceptBlock(block *wire.Block) {
	h.t.Helper()
	verdict, err := h.chain.ProcessBlock(block)
	if err != nil {
		h.t.Fatalf("ProcessBlock(%s): unexpected error: %v", block.BlockHash(), err)
	}
	if verdict != blockchain.VerdictAcceptedMain {
		h.t.Fatalf("ProcessBlock(%s): verdict %v, expected AcceptedMain", block.BlockHash(), verdict)
	}
}

// chainSpendTx spends one ring-denomination key output committed on the
// chain. With no version upgrades the ring-size floor is zero, so a ring of
// one suffices.
func chainSpendTx(seed byte, ringIndex uint32, fee uint64) *wire.Transaction {
	var ki crypto.KeyImage
	ki[0] = seed
	ki[31] = 0x3c
	return &wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version: wire.TxVersion1,
			Inputs: []wire.TxInput{&wire.KeyInput{
				Amount:        ringDenomination,
				OutputIndexes: []uint32{ringIndex},
				KeyImage:      ki,
			}},
			Outputs: []wire.TxOutput{{
				Amount: ringDenomination - fee,
				Target: &wire.KeyOutput{Key: nodePayoutKey},
			}},
			Extra: wire.AppendPublicKeyToExtra(nil, nodePayoutKey),
		},
		Signatures: [][]crypto.Signature{{{}}},
	}
}

func TestChainReturnsTakenTransactionsToPool(t *testing.T) {
	h := newNodeHarness(t)
	tip := h.extendMain(11)

	tx := chainSpendTx(0xa1, 0, nodeFeeFloor)
	if err := h.pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}

	// A coinbase overpay fails validation only after the transaction has
	// been taken from the pool.
	block, _ := h.buildBlock(tip, 0, tx)
	last := len(block.BaseTransaction.Outputs) - 1
	block.BaseTransaction.Outputs[last].Amount += currency.CoinbaseOverpayTolerance + 1

	verdict, err := h.chain.ProcessBlock(block)
	if verdict != blockchain.VerdictInvalid {
		t.Fatalf("overpaying block verdict %v, expected Invalid", verdict)
	}
	rerr, ok := err.(blockchain.RuleError)
	if !ok || rerr.ErrorCode != blockchain.ErrBadReward {
		t.Fatalf("overpaying block: got %v, want ErrBadReward", err)
	}

	if !h.pool.HaveTransaction(tx.TxHash()) {
		t.Fatal("transaction was not returned to the pool after the failed connect")
	}
	if h.chain.IsSpentKeyImage(tx.Inputs[0].(*wire.KeyInput).KeyImage) {
		t.Fatal("failed connect left the key image spent")
	}

	// Still selectable: the returned transaction must make it into the
	// next template.
	medianSize := h.cur.FullRewardZone(currency.BlockMajorVersion1)
	txs, _, _ := h.pool.FillBlockTemplate(currency.BlockMajorVersion1,
		medianSize, 2*medianSize, tip.generated, tip.height+1)
	if len(txs) != 1 || txs[0].TxHash() != tx.TxHash() {
		t.Fatalf("template after failed connect: got %d transactions, want the returned one", len(txs))
	}
}

func TestReorgReturnsMinedTransactionsToPool(t *testing.T) {
	h := newNodeHarness(t)
	tip11 := h.extendMain(11)

	tx := chainSpendTx(0xb7, 0, nodeFeeFloor)
	if err := h.pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}

	block12, _ := h.buildBlock(tip11, 0, tx)
	h.acceptBlock(block12)
	if h.pool.HaveTransaction(tx.TxHash()) {
		t.Fatal("mined transaction still in the pool")
	}
	keyImage := tx.Inputs[0].(*wire.KeyInput).KeyImage
	if !h.chain.IsSpentKeyImage(keyImage) {
		t.Fatal("mined key image not marked spent")
	}

	// A longer empty fork from height 11 reorganizes the spend away.
	alt12, a12 := h.buildBlock(tip11, 99)
	verdict, err := h.chain.ProcessBlock(alt12)
	if err != nil {
		t.Fatalf("ProcessBlock(alt12): unexpected error: %v", err)
	}
	if verdict != blockchain.VerdictAcceptedAlt {
		t.Fatalf("alt12 verdict %v, expected AcceptedAlt", verdict)
	}
	alt13, _ := h.buildBlock(a12, 99)
	verdict, err = h.chain.ProcessBlock(alt13)
	if err != nil {
		t.Fatalf("ProcessBlock(alt13): unexpected error: %v", err)
	}
	if verdict != blockchain.VerdictSwitched {
		t.Fatalf("alt13 verdict %v, expected Switched", verdict)
	}

	if height := h.chain.Height(); height != 13 {
		t.Fatalf("height after switch %d, expected 13", height)
	}
	if h.chain.IsSpentKeyImage(keyImage) {
		t.Fatal("key image still spent after the reorganization")
	}
	if !h.pool.HaveTransaction(tx.TxHash()) {
		t.Fatal("disconnected transaction was not re-admitted to the pool")
	}
	if !h.chain.HaveBlock(block12.BlockHash()) {
		t.Fatal("disconnected block not retained as an alternative")
	}
}

func TestPoolNotificationsFireAfterEngineReturns(t *testing.T) {
	h := newNodeHarness(t)
	tip := h.extendMain(11)

	// The subscriber re-enters the chain, which is only safe because
	// callbacks fire after the engine released its lock.
	type observed struct {
		typ    NotificationType
		hash   crypto.Hash
		height uint32
	}
	var seen []observed
	h.pool.Subscribe(func(n *Notification) {
		seen = append(seen, observed{typ: n.Type, hash: n.Hash, height: h.chain.Height()})
	})

	tx := chainSpendTx(0xc9, 0, nodeFeeFloor)
	if err := h.pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0].typ != NTTransactionAdded || seen[0].height != 11 {
		t.Fatalf("admission notification: got %+v", seen)
	}

	block12, _ := h.buildBlock(tip, 0, tx)
	h.acceptBlock(block12)

	if len(seen) != 2 {
		t.Fatalf("notifications after connect: got %d, want 2", len(seen))
	}
	if seen[1].typ != NTTransactionRemoved || seen[1].hash != tx.TxHash() {
		t.Fatalf("removal notification: got %+v", seen[1])
	}
	if seen[1].height != 12 {
		t.Fatalf("removal notification observed chain height %d, want 12", seen[1].height)
	}
}
