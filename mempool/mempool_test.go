package mempool

import (
	"testing"
	"time"

	"github.com/syfer-network/syferd/blockchain"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// fakeChain is a stub ChainView whose answers the tests script directly.
type fakeChain struct {
	height        uint32
	tipHash       crypto.Hash
	hashes        map[uint32]crypto.Hash
	spentKIs      map[crypto.KeyImage]bool
	spentMultisig map[multisigOutputID]bool
	checkErr      error
	checkCalls    int
}

func (c *fakeChain) Height() uint32       { return c.height }
func (c *fakeChain) TipHash() crypto.Hash { return c.tipHash }

func (c *fakeChain) BlockHashAtHeight(height uint32) (crypto.Hash, bool) {
	h, ok := c.hashes[height]
	return h, ok
}

func (c *fakeChain) CheckTransactionInputs(tx *wire.Transaction, height uint32) (uint32, error) {
	c.checkCalls++
	if c.checkErr != nil {
		return 0, c.checkErr
	}
	return c.height, nil
}

func (c *fakeChain) IsSpentKeyImage(ki crypto.KeyImage) bool {
	return c.spentKIs[ki]
}

func (c *fakeChain) IsMultisigOutputSpent(amount uint64, globalIndex uint32) bool {
	return c.spentMultisig[multisigOutputID{Amount: amount, GlobalIndex: globalIndex}]
}

// fakeTime is a settable time source.
type fakeTime struct {
	now time.Time
}

func (ts *fakeTime) Now() time.Time { return ts.now }

func newFakeChain(height uint32) *fakeChain {
	c := &fakeChain{
		height:        height,
		hashes:        make(map[uint32]crypto.Hash),
		spentKIs:      make(map[crypto.KeyImage]bool),
		spentMultisig: make(map[multisigOutputID]bool),
	}
	for h := uint32(0); h <= height; h++ {
		var hash crypto.Hash
		hash[0] = byte(h)
		hash[1] = byte(h >> 8)
		hash[31] = 1
		c.hashes[h] = hash
	}
	c.tipHash = c.hashes[height]
	return c
}

func newTestPool(t *testing.T, chain ChainView, ts blockchain.TimeSource) *TxPool {
	t.Helper()
	pool, err := New(&Config{
		Currency:   &currency.TestNet,
		Chain:      chain,
		TimeSource: ts,
	})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return pool
}

// spendTx builds a minimal key-input transaction. The key image is derived
// from seed so that distinct seeds never conflict.
func spendTx(seed byte, fee uint64, extraOutputs int) *wire.Transaction {
	var ki crypto.KeyImage
	ki[0] = seed
	ki[31] = 0x7f
	outputs := []wire.TxOutput{{Amount: 1000, Target: &wire.KeyOutput{}}}
	for i := 0; i < extraOutputs; i++ {
		outputs = append(outputs, wire.TxOutput{Amount: 1000, Target: &wire.KeyOutput{}})
	}
	return &wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version: wire.TxVersion1,
			Inputs: []wire.TxInput{&wire.KeyInput{
				Amount:        1000 + fee + uint64(extraOutputs)*1000,
				OutputIndexes: []uint32{0},
				KeyImage:      ki,
			}},
			Outputs: outputs,
		},
		Signatures: [][]crypto.Signature{{{}}},
	}
}

func TestPoolAdmissionAndDuplicates(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	tx := spendTx(1, currency.TestNet.MinimumFee(11), 0)
	if err := pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}
	if !pool.HaveTransaction(tx.TxHash()) {
		t.Fatal("pool does not hold the admitted transaction")
	}

	err := pool.AddTransaction(tx, false)
	terr, ok := extractTxRuleError(t, err)
	if !ok || terr.RejectCode != RejectDuplicate {
		t.Fatalf("duplicate admission: got %v, want RejectDuplicate", err)
	}

	// keptByBlock duplicates are a quiet no-op.
	if err := pool.AddTransaction(tx, true); err != nil {
		t.Fatalf("keptByBlock duplicate: unexpected error: %v", err)
	}
	if pool.Count() != 1 {
		t.Fatalf("pool count: got %d, want 1", pool.Count())
	}
}

func TestPoolRejectsLowFee(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	tx := spendTx(2, currency.TestNet.MinimumFee(11)-1, 0)
	err := pool.AddTransaction(tx, false)
	terr, ok := extractTxRuleError(t, err)
	if !ok || terr.RejectCode != RejectInsufficientFee {
		t.Fatalf("low fee admission: got %v, want RejectInsufficientFee", err)
	}

	// The same fee passes when the transaction arrives from a block.
	if err := pool.AddTransaction(tx, true); err != nil {
		t.Fatalf("keptByBlock low fee: unexpected error: %v", err)
	}
}

func TestPoolDoubleSpendRejection(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	fee := currency.TestNet.MinimumFee(11)
	first := spendTx(3, fee, 0)
	if err := pool.AddTransaction(first, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}

	// Same key image, different payload.
	second := spendTx(3, fee, 1)
	err := pool.AddTransaction(second, false)
	terr, ok := extractTxRuleError(t, err)
	if !ok || terr.RejectCode != RejectDoubleSpend {
		t.Fatalf("pool conflict: got %v, want RejectDoubleSpend", err)
	}

	// A key image spent on the chain is rejected too.
	chainSpent := spendTx(4, fee, 0)
	ki := chainSpent.Inputs[0].(*wire.KeyInput).KeyImage
	chain.spentKIs[ki] = true
	err = pool.AddTransaction(chainSpent, false)
	terr, ok = extractTxRuleError(t, err)
	if !ok || terr.RejectCode != RejectDoubleSpend {
		t.Fatalf("chain conflict: got %v, want RejectDoubleSpend", err)
	}

	// Taking the first transaction releases its lock.
	if taken := pool.TakeTransaction(first.TxHash()); taken == nil {
		t.Fatal("TakeTransaction returned nil for a pooled transaction")
	}
	if err := pool.AddTransaction(second, false); err != nil {
		t.Fatalf("re-admission after take: unexpected error: %v", err)
	}
}

func TestPoolPriorityOrdering(t *testing.T) {
	a := &txDesc{fee: 100, blobSize: 1000, receiveTime: 5}
	b := &txDesc{fee: 50, blobSize: 1000, receiveTime: 5}
	if !higherPriority(a, b) || higherPriority(b, a) {
		t.Fatal("higher fee rate must win")
	}

	// Equal rates break toward the smaller blob.
	c := &txDesc{fee: 100, blobSize: 1000, receiveTime: 5}
	d := &txDesc{fee: 50, blobSize: 500, receiveTime: 5}
	if !higherPriority(d, c) {
		t.Fatal("equal rates must prefer the smaller blob")
	}

	// Identical rate and blob break toward the older arrival.
	e := &txDesc{fee: 100, blobSize: 1000, receiveTime: 4}
	if !higherPriority(e, c) {
		t.Fatal("ties must prefer the older transaction")
	}

	// Cross multiplication must not overflow 64 bits.
	big1 := &txDesc{fee: 1 << 62, blobSize: 1 << 20}
	big2 := &txDesc{fee: 1<<62 - 1, blobSize: 1 << 20}
	if !higherPriority(big1, big2) || higherPriority(big2, big1) {
		t.Fatal("128-bit comparison failed on large fees")
	}
}

func TestFillBlockTemplateOrdersByFeeRate(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	low := spendTx(5, 2000, 0)
	high := spendTx(6, 50_000, 0)
	mid := spendTx(7, 10_000, 0)
	for _, tx := range []*wire.Transaction{low, high, mid} {
		if err := pool.AddTransaction(tx, false); err != nil {
			t.Fatalf("AddTransaction: unexpected error: %v", err)
		}
	}

	medianSize := currency.TestNet.FullRewardZone(currency.BlockMajorVersion1)
	txs, totalSize, totalFee := pool.FillBlockTemplate(currency.BlockMajorVersion1,
		medianSize, 2*medianSize, 0, 11)
	if len(txs) != 3 {
		t.Fatalf("template transactions: got %d, want 3", len(txs))
	}
	want := []crypto.Hash{high.TxHash(), mid.TxHash(), low.TxHash()}
	for i, tx := range txs {
		if tx.TxHash() != want[i] {
			t.Fatalf("template order at %d: got %s, want %s", i, tx.TxHash(), want[i])
		}
	}
	if wantFee := uint64(62_000); totalFee != wantFee {
		t.Fatalf("template fee: got %d, want %d", totalFee, wantFee)
	}
	if totalSize == 0 {
		t.Fatal("template size is zero")
	}
}

func TestFillBlockTemplateSkipsConflicts(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	fee := currency.TestNet.MinimumFee(11)
	first := spendTx(8, fee, 0)
	if err := pool.AddTransaction(first, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}
	// A keptByBlock transaction may share the key image; only one of the
	// pair can be selected.
	conflict := spendTx(8, fee+1, 1)
	if err := pool.AddTransaction(conflict, true); err != nil {
		t.Fatalf("AddTransaction keptByBlock: unexpected error: %v", err)
	}
	if pool.Count() != 2 {
		t.Fatalf("pool count: got %d, want 2", pool.Count())
	}

	medianSize := currency.TestNet.FullRewardZone(currency.BlockMajorVersion1)
	txs, _, _ := pool.FillBlockTemplate(currency.BlockMajorVersion1,
		medianSize, 2*medianSize, 0, 11)
	if len(txs) != 1 {
		t.Fatalf("template transactions: got %d, want 1", len(txs))
	}
}

func TestPoolTTLEviction(t *testing.T) {
	chain := newFakeChain(10)
	ts := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	pool := newTestPool(t, chain, ts)

	fee := currency.TestNet.MinimumFee(11)
	ordinary := spendTx(9, fee, 0)
	kept := spendTx(10, fee, 0)
	if err := pool.AddTransaction(ordinary, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}
	if err := pool.AddTransaction(kept, true); err != nil {
		t.Fatalf("AddTransaction keptByBlock: unexpected error: %v", err)
	}

	// Exactly at the deadline both survive.
	ts.now = ts.now.Add(defaultTxLiveTime)
	pool.OnBlockchainInc(11, chain.tipHash)
	if pool.Count() != 2 {
		t.Fatalf("pool count at deadline: got %d, want 2", pool.Count())
	}

	// One second past it the ordinary transaction goes; the keptByBlock
	// one has the longer deadline.
	ts.now = ts.now.Add(time.Second)
	pool.OnBlockchainInc(12, chain.tipHash)
	if pool.HaveTransaction(ordinary.TxHash()) {
		t.Fatal("expired transaction was not evicted")
	}
	if !pool.HaveTransaction(kept.TxHash()) {
		t.Fatal("keptByBlock transaction evicted before its deadline")
	}

	ts.now = ts.now.Add(defaultKeptByBlockTxLiveTime)
	pool.OnBlockchainInc(13, chain.tipHash)
	if pool.Count() != 0 {
		t.Fatalf("pool count after full expiry: got %d, want 0", pool.Count())
	}
}

func TestPoolNotifications(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	var got []Notification
	pool.Subscribe(func(n *Notification) {
		got = append(got, *n)
	})

	tx := spendTx(11, currency.TestNet.MinimumFee(11), 0)
	if err := pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("notifications after admission: got %d, want 1", len(got))
	}

	// Takes happen under the engine's lock; the removal is queued and
	// fires with the tip-movement callback.
	pool.TakeTransaction(tx.TxHash())
	if len(got) != 1 {
		t.Fatalf("notifications right after take: got %d, want 1", len(got))
	}
	pool.OnBlockchainInc(11, chain.tipHash)

	if len(got) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(got))
	}
	if got[0].Type != NTTransactionAdded || got[0].Hash != tx.TxHash() {
		t.Fatalf("first notification: got %+v", got[0])
	}
	if got[1].Type != NTTransactionRemoved || got[1].Hash != tx.TxHash() {
		t.Fatalf("second notification: got %+v", got[1])
	}
}

func TestPoolPaymentIDIndex(t *testing.T) {
	chain := newFakeChain(10)
	pool := newTestPool(t, chain, nil)

	var pid crypto.Hash
	pid[0] = 0xaa
	tx := spendTx(12, currency.TestNet.MinimumFee(11), 0)
	tx.Extra = wire.AppendPaymentIDToExtra(nil, pid)
	if err := pool.AddTransaction(tx, false); err != nil {
		t.Fatalf("AddTransaction: unexpected error: %v", err)
	}

	hashes := pool.TransactionsByPaymentID(pid)
	if len(hashes) != 1 || hashes[0] != tx.TxHash() {
		t.Fatalf("TransactionsByPaymentID: got %v, want [%s]", hashes, tx.TxHash())
	}

	pool.TakeTransaction(tx.TxHash())
	if hashes := pool.TransactionsByPaymentID(pid); len(hashes) != 0 {
		t.Fatalf("TransactionsByPaymentID after take: got %v, want empty", hashes)
	}
}

func extractTxRuleError(t *testing.T, err error) (TxRuleError, bool) {
	t.Helper()
	if err == nil {
		return TxRuleError{}, false
	}
	rerr, ok := err.(RuleError)
	if !ok {
		return TxRuleError{}, false
	}
	terr, ok := rerr.Err.(TxRuleError)
	return terr, ok
}
