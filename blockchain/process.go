package blockchain

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// Verdict is the outcome of block ingestion.
type Verdict int

const (
	// VerdictInvalid indicates the block failed validation; the returned
	// error carries the rule that rejected it.
	VerdictInvalid Verdict = iota

	// VerdictAcceptedMain indicates the block extended the main chain.
	VerdictAcceptedMain

	// VerdictAcceptedAlt indicates the block was stored on an alternative
	// chain that has not overtaken the main chain.
	VerdictAcceptedAlt

	// VerdictSwitched indicates the block completed an alternative chain
	// that replaced a main-chain suffix.
	VerdictSwitched

	// VerdictAlreadyExists indicates the block is already known, on the
	// main chain or as an alternative.
	VerdictAlreadyExists

	// VerdictOrphaned indicates the block's parent is unknown.
	VerdictOrphaned
)

var verdictStrings = map[Verdict]string{
	VerdictInvalid:       "Invalid",
	VerdictAcceptedMain:  "AcceptedMain",
	VerdictAcceptedAlt:   "AcceptedAlt",
	VerdictSwitched:      "Switched",
	VerdictAlreadyExists: "AlreadyExists",
	VerdictOrphaned:      "Orphaned",
}

func (v Verdict) String() string {
	if s, ok := verdictStrings[v]; ok {
		return s
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// poolEvent is a deferred tip-movement callback into the transaction pool,
// delivered after the chain lock is released.
type poolEvent struct {
	increased bool
	tipHeight uint32
	tipHash   crypto.Hash
}

// ProcessBlock ingests a block: it extends the main chain, lands on an
// alternative chain, or triggers a chain switch. Validation failures leave
// the chain state untouched. Orphans waiting on the block are retried
// under the same lock acquisition.
//
// This function is safe for concurrent access.
func (b *Blockchain) ProcessBlock(block *wire.Block) (Verdict, error) {
	b.chainLock.Lock()
	verdict, err := b.processBlock(block)
	if verdict == VerdictAcceptedMain || verdict == VerdictAcceptedAlt || verdict == VerdictSwitched {
		b.processOrphans(block.BlockHash())
		b.pruneAlternates()
	}
	readmissions := b.pendingReadmissions
	b.pendingReadmissions = nil
	events := b.pendingPoolEvents
	b.pendingPoolEvents = nil
	pool := b.txPool
	b.chainLock.Unlock()

	// Re-admissions run before the tip events so a returning transaction
	// is back in the pool by the time the pool reconciles against the new
	// tip. Both call back into the chain, hence the released lock.
	if pool != nil {
		for _, tx := range readmissions {
			if addErr := pool.AddTransaction(tx, true); addErr != nil {
				log.Warnf("Failed to return transaction %s to the pool: %s", tx.TxHash(), addErr)
			}
		}
		for _, ev := range events {
			if ev.increased {
				pool.OnBlockchainInc(ev.tipHeight, ev.tipHash)
			} else {
				pool.OnBlockchainDec(ev.tipHeight, ev.tipHash)
			}
		}
	}
	b.flushNotifications()
	return verdict, err
}

func (b *Blockchain) processBlock(block *wire.Block) (Verdict, error) {
	if b.readOnly {
		return VerdictInvalid, ErrReadOnly
	}

	hash := block.BlockHash()
	if _, exists := b.store.byHash[hash]; exists {
		return VerdictAlreadyExists, nil
	}
	if _, exists := b.alternates[hash]; exists {
		return VerdictAlreadyExists, nil
	}
	if _, exists := b.orphans[hash]; exists {
		return VerdictAlreadyExists, nil
	}

	if block.PreviousBlockHash == b.tipRecord().Block.BlockHash() {
		if err := b.connectMainBlock(block, hash); err != nil {
			return VerdictInvalid, err
		}
		log.Infof("Block %s accepted at height %d", hash, b.tipRecord().Height)
		return VerdictAcceptedMain, nil
	}
	return b.processAltBlock(block, hash)
}

// connectMainBlock validates a block against the current tip and commits
// it. Any failure after transactions have been taken from the pool returns
// them and reverts every partial index insertion.
func (b *Blockchain) connectMainBlock(block *wire.Block, hash crypto.Hash) error {
	tip := b.tipRecord()
	height := tip.Height + 1
	if height > currency.MaxBlockNumber {
		return ruleError(ErrBadVersion, "maximum block number reached")
	}

	if err := b.checkBlockVersion(block, height); err != nil {
		return err
	}
	timestamps := b.lastTimestamps(b.currency.TimestampCheckWindow(block.MajorVersion), tip.Height)
	if err := b.checkTimestamp(block, timestamps); err != nil {
		return err
	}

	difficulty := b.nextMainDifficulty(block.MajorVersion)
	if difficulty == 0 {
		return b.internalError("difficulty for height %d computed as zero", height)
	}
	isCheckpoint, err := b.checkCheckpoint(height, hash)
	if err != nil {
		return err
	}
	if !isCheckpoint {
		powHash := crypto.HashData(block.HashingBlob())
		if !b.oracles.Pow.CheckProofOfWork(powHash, difficulty) {
			return ruleError(ErrBadPoW, fmt.Sprintf(
				"block %s does not meet difficulty %d", hash, difficulty))
		}
	}

	if err := b.prevalidateCoinbase(block, height); err != nil {
		return err
	}

	txs, err := b.takeBlockTransactions(block)
	if err != nil {
		return err
	}

	rec, err := b.buildBlockRecord(block, txs, tip, height, difficulty)
	if err != nil {
		b.returnTransactionsToPool(txs)
		return err
	}

	if err := b.store.push(rec); err != nil {
		// The indexes already reflect the block; unwind them so the
		// in-memory state matches the files again.
		if rbErr := b.rollbackBlockIndexes(rec); rbErr != nil {
			return b.internalError("failed to unwind block %s after store failure: %s", hash, rbErr)
		}
		b.returnTransactionsToPool(txs)
		return err
	}

	b.updateUpgradeVoting(height)
	b.pendingPoolEvents = append(b.pendingPoolEvents,
		poolEvent{increased: true, tipHeight: height, tipHash: hash})
	b.enqueueNotification(NTBlockAdded, &BlockAddedNotificationData{
		Block:  &rec.Block,
		Hash:   hash,
		Height: height,
	})
	b.autosaveTick()
	return nil
}

// takeBlockTransactions resolves the block's transaction hashes from the
// pool. On any miss, already-taken transactions are queued for
// re-admission.
func (b *Blockchain) takeBlockTransactions(block *wire.Block) ([]*wire.Transaction, error) {
	if len(block.TransactionHashes) == 0 {
		return nil, nil
	}
	txs := make([]*wire.Transaction, 0, len(block.TransactionHashes))
	for _, txHash := range block.TransactionHashes {
		tx := b.takePooled(txHash)
		if tx == nil {
			b.returnTransactionsToPool(txs)
			return nil, ruleError(ErrMissingTx, fmt.Sprintf(
				"block transaction %s is not in the pool", txHash))
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// takePooled removes a transaction from the re-admission queue or, failing
// that, from the pool. A transaction disconnected earlier in this same
// ProcessBlock call lives in the queue, not the pool.
func (b *Blockchain) takePooled(hash crypto.Hash) *wire.Transaction {
	for i, tx := range b.pendingReadmissions {
		if tx.TxHash() == hash {
			b.pendingReadmissions = append(b.pendingReadmissions[:i], b.pendingReadmissions[i+1:]...)
			return tx
		}
	}
	if b.txPool == nil {
		return nil
	}
	return b.txPool.TakeTransaction(hash)
}

// returnTransactionsToPool queues transactions taken from the pool by a
// failed or disconnected block. The actual hand-off to the pool happens
// after the chain lock is released; admission re-enters the chain.
func (b *Blockchain) returnTransactionsToPool(txs []*wire.Transaction) {
	b.pendingReadmissions = append(b.pendingReadmissions, txs...)
}

// buildBlockRecord validates the block's transactions, pushes them through
// the chain indexes, and assembles the committed record. On failure every
// partial insertion is reverted before the error is returned.
func (b *Blockchain) buildBlockRecord(block *wire.Block, txs []*wire.Transaction,
	tip *wire.BlockRecord, height uint32, difficulty uint64) (retRec *wire.BlockRecord, retErr error) {

	entries := make([]wire.TransactionEntry, 0, len(txs)+1)
	entries = append(entries, wire.TransactionEntry{Transaction: block.BaseTransaction})
	for _, tx := range txs {
		entries = append(entries, wire.TransactionEntry{Transaction: *tx})
	}

	var pushed int // number of entries inserted into the indexes
	defer func() {
		if retErr == nil {
			return
		}
		for i := pushed - 1; i >= 0; i-- {
			entry := &entries[i]
			txHash := entry.Transaction.TxHash()
			if err := b.indexes.popTransaction(&entry.Transaction, txHash, height, uint32(i)); err != nil {
				retErr = b.internalError("failed to unwind transaction %s of rejected block: %s", txHash, err)
				return
			}
		}
	}()

	var cumulativeSize, totalFee, totalInterest uint64
	var depositPrincipalDelta int64

	for i := range entries {
		entry := &entries[i]
		tx := &entry.Transaction
		txHash := tx.TxHash()

		if i > 0 {
			if err := b.checkTransactionVersion(tx, block.MajorVersion); err != nil {
				return nil, err
			}
			if err := b.checkTransactionSize(tx); err != nil {
				return nil, err
			}
			if err := b.checkTransactionOutputs(&tx.TransactionPrefix); err != nil {
				return nil, err
			}
			if _, err := b.checkTransactionInputs(tx, height); err != nil {
				return nil, err
			}
			// The fee floor is a pool admission rule; transactions
			// returning through a reorg are exempt here.
			fee, err := b.currency.GetTransactionFee(tx, height)
			if err != nil {
				return nil, ruleError(ErrBadInput, err.Error())
			}
			interest, err := b.currency.CalculateTotalTransactionInterest(tx, height)
			if err != nil {
				return nil, ruleError(ErrBadDepositTerm, err.Error())
			}
			totalFee += fee
			totalInterest += interest
		}

		depositPrincipalDelta += depositDelta(tx)
		cumulativeSize += uint64(tx.SerializeSize())

		globalIndexes, err := b.indexes.pushTransaction(tx, txHash, height, uint32(i))
		if err != nil {
			return nil, ruleError(ErrDoubleSpend, err.Error())
		}
		entry.GlobalOutputIndexes = globalIndexes
		pushed++
	}

	if maxSize := b.currency.MaxBlockCumulativeSize(height); cumulativeSize > maxSize {
		return nil, ruleError(ErrBadSize, fmt.Sprintf(
			"block cumulative size %d exceeds the maximum of %d at height %d",
			cumulativeSize, maxSize, height))
	}

	medianSize := b.medianBlockSize(block.MajorVersion, tip.Height)
	reward, emissionChange, err := b.currency.GetBlockReward(
		block.MajorVersion, medianSize, cumulativeSize, tip.AlreadyGeneratedCoins, totalFee)
	if err != nil {
		return nil, ruleError(ErrBadReward, err.Error())
	}
	minted, _ := block.BaseTransaction.OutputsAmount()
	expected := reward + totalInterest
	if minted < expected || minted > expected+currency.CoinbaseOverpayTolerance {
		return nil, ruleError(ErrBadReward, fmt.Sprintf(
			"coinbase mints %d, expected %d (reward %d + interest %d)",
			minted, expected, reward, totalInterest))
	}

	if err := b.deposits.pushBlock(depositPrincipalDelta, totalInterest); err != nil {
		return nil, b.internalError("deposit index rejected block at height %d: %s", height, err)
	}
	if b.explorer != nil {
		if err := b.explorer.pushBlock(block, block.BlockHash(), entries); err != nil {
			popErr := b.deposits.popBlock()
			if popErr != nil {
				return nil, b.internalError("deposit index unwind failed: %s", popErr)
			}
			return nil, b.internalError("explorer indexes rejected block at height %d: %s", height, err)
		}
	}

	return &wire.BlockRecord{
		Block:                 *block,
		Height:                height,
		CumulativeDifficulty:  tip.CumulativeDifficulty + difficulty,
		CumulativeSize:        tip.CumulativeSize + cumulativeSize,
		AlreadyGeneratedCoins: tip.AlreadyGeneratedCoins + emissionChange + totalInterest,
		Transactions:          entries,
	}, nil
}

// depositDelta is a transaction's net deposit principal movement: new
// deposit outputs minus released deposit inputs.
func depositDelta(tx *wire.Transaction) int64 {
	var delta int64
	for i := range tx.Outputs {
		if target, ok := tx.Outputs[i].Target.(*wire.MultisigOutput); ok && target.Term > 0 {
			delta += int64(tx.Outputs[i].Amount)
		}
	}
	for _, in := range tx.Inputs {
		if msig, ok := in.(*wire.MultisigInput); ok && msig.Term > 0 {
			delta -= int64(msig.Amount)
		}
	}
	return delta
}

// rollbackBlockIndexes reverts every index insertion buildBlockRecord made
// for a record whose store push failed.
func (b *Blockchain) rollbackBlockIndexes(rec *wire.BlockRecord) error {
	if b.explorer != nil {
		hash := rec.Block.BlockHash()
		if err := b.explorer.popBlock(&rec.Block, hash, rec.Transactions); err != nil {
			return err
		}
	}
	if err := b.deposits.popBlock(); err != nil {
		return err
	}
	for i := len(rec.Transactions) - 1; i >= 0; i-- {
		entry := &rec.Transactions[i]
		txHash := entry.Transaction.TxHash()
		if err := b.indexes.popTransaction(&entry.Transaction, txHash, rec.Height, uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

// disconnectTip pops the tip block, reverting every index exactly and
// returning the popped record. Non-coinbase transactions are queued for
// re-admission to the pool, marked keptByBlock.
func (b *Blockchain) disconnectTip() (*wire.BlockRecord, error) {
	tip := b.tipRecord()
	if tip.Height == 0 {
		return nil, errors.New("cannot disconnect the genesis block")
	}

	rec, err := b.store.pop()
	if err != nil {
		return nil, err
	}
	if rbErr := b.rollbackBlockIndexes(rec); rbErr != nil {
		return nil, b.internalError("failed to revert indexes for popped block %s: %s",
			rec.Block.BlockHash(), rbErr)
	}
	b.revertUpgradeVoting(rec.Height)

	for i := 1; i < len(rec.Transactions); i++ {
		tx := rec.Transactions[i].Transaction
		b.pendingReadmissions = append(b.pendingReadmissions, &tx)
	}

	newTip := b.tipRecord()
	b.pendingPoolEvents = append(b.pendingPoolEvents, poolEvent{
		increased: false,
		tipHeight: newTip.Height,
		tipHash:   newTip.Block.BlockHash(),
	})
	return rec, nil
}

// autosaveTick saves the caches every AutosaveEveryNBlocks committed
// blocks.
func (b *Blockchain) autosaveTick() {
	if b.autosaveBlocks == 0 {
		return
	}
	b.sinceSave++
	if b.sinceSave < b.autosaveBlocks {
		return
	}
	b.sinceSave = 0
	if err := b.saveCaches(); err != nil {
		log.Errorf("Autosave of chain caches failed: %s", err)
	}
}
