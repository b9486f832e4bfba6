package blockchain

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// defaultAltBlockKeepDepth is how far below the main tip alternative
// blocks are retained when the configuration does not override it.
const defaultAltBlockKeepDepth = 720

// altRecord is a block held on an alternative chain, with enough chain
// context to compare it against the main tip.
type altRecord struct {
	block                *wire.Block
	hash                 crypto.Hash
	height               uint32
	cumulativeDifficulty uint64
}

// resolveAltParent walks an alternative block's ancestry back to the main
// chain. It returns the fork height and the alternative prefix between the
// fork point and the block, oldest first. ok is false when the ancestry
// leaves the known block set.
func (b *Blockchain) resolveAltParent(block *wire.Block) (forkHeight uint32, prefix []*altRecord, ok bool) {
	prev := block.PreviousBlockHash
	for {
		if height, onMain := b.store.heightByHash(prev); onMain {
			// prefix was collected tip-first; reverse to oldest-first.
			for i, j := 0, len(prefix)-1; i < j; i, j = i+1, j-1 {
				prefix[i], prefix[j] = prefix[j], prefix[i]
			}
			return height, prefix, true
		}
		alt, known := b.alternates[prev]
		if !known {
			return 0, nil, false
		}
		prefix = append(prefix, alt)
		prev = alt.block.PreviousBlockHash
	}
}

// altWindow builds the trailing (timestamps, cumulativeDifficulties) window
// of length up to count for a block extending the given alternative prefix,
// splicing main-chain entries below the fork point with the prefix.
func (b *Blockchain) altWindow(count uint64, forkHeight uint32, prefix []*altRecord) (timestamps, cumulativeDifficulties []uint64) {
	fromAlt := count
	if fromAlt > uint64(len(prefix)) {
		fromAlt = uint64(len(prefix))
	}
	fromMain := count - fromAlt
	if fromMain > uint64(forkHeight)+1 {
		fromMain = uint64(forkHeight) + 1
	}

	timestamps = make([]uint64, 0, fromMain+fromAlt)
	cumulativeDifficulties = make([]uint64, 0, fromMain+fromAlt)
	for h := uint64(forkHeight) + 1 - fromMain; h <= uint64(forkHeight) && fromMain > 0; h++ {
		rec, _ := b.store.get(uint32(h))
		timestamps = append(timestamps, rec.Block.Timestamp)
		cumulativeDifficulties = append(cumulativeDifficulties, rec.CumulativeDifficulty)
	}
	for _, alt := range prefix[uint64(len(prefix))-fromAlt:] {
		timestamps = append(timestamps, alt.block.Timestamp)
		cumulativeDifficulties = append(cumulativeDifficulties, alt.cumulativeDifficulty)
	}
	return timestamps, cumulativeDifficulties
}

// processAltBlock handles a block that does not extend the main tip: it is
// validated against its alternative ancestry, stored, and promoted through
// a chain switch when its chain overtakes the main one.
func (b *Blockchain) processAltBlock(block *wire.Block, hash crypto.Hash) (Verdict, error) {
	forkHeight, prefix, ok := b.resolveAltParent(block)
	if !ok {
		log.Debugf("Block %s has unknown parent %s", hash, block.PreviousBlockHash)
		b.addOrphan(block, hash)
		return VerdictOrphaned, nil
	}
	height := forkHeight + 1 + uint32(len(prefix))

	if err := b.checkBlockVersion(block, height); err != nil {
		return VerdictInvalid, err
	}
	timestamps, _ := b.altWindow(uint64(b.currency.TimestampCheckWindow(block.MajorVersion)), forkHeight, prefix)
	if err := b.checkTimestamp(block, timestamps); err != nil {
		return VerdictInvalid, err
	}

	windowTimestamps, windowDifficulties := b.altWindow(
		uint64(b.currency.DifficultyBlocksCount(block.MajorVersion)), forkHeight, prefix)
	difficulty := b.currency.NextDifficulty(block.MajorVersion, windowTimestamps, windowDifficulties)
	if difficulty == 0 {
		return VerdictInvalid, b.internalError("difficulty for alternative height %d computed as zero", height)
	}
	// Proof of work is never skipped for alternative blocks, checkpoint
	// zone or not.
	powHash := crypto.HashData(block.HashingBlob())
	if !b.oracles.Pow.CheckProofOfWork(powHash, difficulty) {
		return VerdictInvalid, ruleError(ErrBadPoW, fmt.Sprintf(
			"alternative block %s does not meet difficulty %d", hash, difficulty))
	}

	if err := b.prevalidateCoinbase(block, height); err != nil {
		return VerdictInvalid, err
	}
	if err := b.checkAltBlockCheckpoints(height, hash); err != nil {
		return VerdictInvalid, err
	}

	var parentDifficulty uint64
	if len(prefix) > 0 {
		parentDifficulty = prefix[len(prefix)-1].cumulativeDifficulty
	} else {
		rec, _ := b.store.get(forkHeight)
		parentDifficulty = rec.CumulativeDifficulty
	}
	alt := &altRecord{
		block:                block,
		hash:                 hash,
		height:               height,
		cumulativeDifficulty: parentDifficulty + difficulty,
	}
	b.alternates[hash] = alt

	isCheckpoint := false
	if cp, ok := b.currency.CheckpointAt(height); ok && cp.Hash == hash {
		isCheckpoint = true
	}
	if !isCheckpoint && alt.cumulativeDifficulty <= b.tipRecord().CumulativeDifficulty {
		log.Infof("Block %s stored on an alternative chain at height %d "+
			"(cumulative difficulty %d vs main %d)",
			hash, height, alt.cumulativeDifficulty, b.tipRecord().CumulativeDifficulty)
		return VerdictAcceptedAlt, nil
	}

	branch := append(append([]*altRecord(nil), prefix...), alt)
	if err := b.switchToAltChain(forkHeight, branch); err != nil {
		return VerdictInvalid, err
	}
	log.Infof("Chain switched to block %s at height %d (reorganized from height %d)",
		hash, height, forkHeight+1)
	return VerdictSwitched, nil
}

// switchToAltChain reorganizes the main chain onto the given alternative
// branch rooted at forkHeight. The disconnected suffix is kept in memory;
// if any branch block fails to connect, the suffix is restored through a
// non-validating path, so the rollback itself cannot fail a rule check.
func (b *Blockchain) switchToAltChain(forkHeight uint32, branch []*altRecord) error {
	forkRec, _ := b.store.get(forkHeight)
	forkHash := forkRec.Block.BlockHash()

	var disconnected []*wire.BlockRecord
	for b.tipRecord().Height > forkHeight {
		if b.interrupted() {
			break
		}
		rec, err := b.disconnectTip()
		if err != nil {
			return err
		}
		disconnected = append(disconnected, rec)
	}
	if b.tipRecord().Height != forkHeight {
		// Interrupted mid-disconnect; put the suffix back.
		if err := b.restoreRecords(disconnected); err != nil {
			return err
		}
		return errors.New("chain switch interrupted")
	}

	var connected int
	notificationMark := len(b.pendingNotifications)
	for _, alt := range branch {
		if err := b.connectMainBlock(alt.block, alt.hash); err != nil {
			log.Warnf("Alternative block %s failed to connect during chain switch: %s", alt.hash, err)
			// Drop the BlockAdded notifications of the blocks being
			// popped again.
			b.pendingNotifications = b.pendingNotifications[:notificationMark]
			for i := 0; i < connected; i++ {
				if _, popErr := b.disconnectTip(); popErr != nil {
					return popErr
				}
			}
			if rErr := b.restoreRecords(disconnected); rErr != nil {
				return rErr
			}
			// The branch is poisoned; drop it from the alternative set.
			for _, bad := range branch {
				delete(b.alternates, bad.hash)
			}
			return err
		}
		connected++
	}

	for _, alt := range branch {
		delete(b.alternates, alt.hash)
	}
	removed := make([]crypto.Hash, 0, len(disconnected))
	for _, rec := range disconnected {
		hash := rec.Block.BlockHash()
		removed = append(removed, hash)
		// Disconnected blocks stay available as alternatives, so the old
		// chain can win back without re-transmission.
		blockCopy := rec.Block
		b.alternates[hash] = &altRecord{
			block:                &blockCopy,
			hash:                 hash,
			height:               rec.Height,
			cumulativeDifficulty: rec.CumulativeDifficulty,
		}
	}

	added := make([]crypto.Hash, 0, len(branch))
	for _, alt := range branch {
		added = append(added, alt.hash)
	}
	b.enqueueNotification(NTChainSwitched, &ChainSwitchedNotificationData{
		CommonAncestor: forkHash,
		AncestorHeight: forkHeight,
		RemovedHashes:  removed,
		AddedHashes:    added,
	})
	return nil
}

// pruneAlternates drops alternative blocks that have fallen too far below
// the main tip to anchor a viable reorganization. Callers hold the chain
// lock.
func (b *Blockchain) pruneAlternates() {
	tipHeight := b.tipRecord().Height
	for hash, alt := range b.alternates {
		if alt.height+b.altKeepDepth < tipHeight {
			log.Debugf("Pruned alternative block %s at height %d (tip height %d)",
				hash, alt.height, tipHeight)
			delete(b.alternates, hash)
		}
	}
}

// restoreRecords reconnects previously disconnected records, newest first
// in the input (the disconnect order), without re-validating them. The
// records were committed once and the chain is bitwise back at their fork
// point, so any failure is a broken invariant.
func (b *Blockchain) restoreRecords(disconnected []*wire.BlockRecord) error {
	for i := len(disconnected) - 1; i >= 0; i-- {
		rec := disconnected[i]
		if err := b.reconnectRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// reconnectRecord pushes a fully built record back onto the main chain:
// indexes, deposit and explorer state, and the store, plus removal of its
// transactions from the pool or the re-admission queue.
func (b *Blockchain) reconnectRecord(rec *wire.BlockRecord) error {
	height := rec.Height
	if height != b.store.size() {
		return b.internalError("restoring block %s at height %d onto a chain of height %d",
			rec.Block.BlockHash(), height, b.store.size())
	}

	var totalInterest uint64
	var principalDelta int64
	for i := range rec.Transactions {
		entry := &rec.Transactions[i]
		tx := &entry.Transaction
		txHash := tx.TxHash()
		if i > 0 {
			b.takePooled(txHash)
		}
		globalIndexes, err := b.indexes.pushTransaction(tx, txHash, height, uint32(i))
		if err != nil {
			return b.internalError("failed to restore transaction %s at height %d: %s", txHash, height, err)
		}
		entry.GlobalOutputIndexes = globalIndexes
		principalDelta += depositDelta(tx)
		if i > 0 {
			interest, err := b.currency.CalculateTotalTransactionInterest(tx, height)
			if err != nil {
				return b.internalError("failed to recompute interest for restored transaction %s: %s", txHash, err)
			}
			totalInterest += interest
		}
	}
	if err := b.deposits.pushBlock(principalDelta, totalInterest); err != nil {
		return b.internalError("deposit index rejected restored block at height %d: %s", height, err)
	}
	if b.explorer != nil {
		if err := b.explorer.pushBlock(&rec.Block, rec.Block.BlockHash(), rec.Transactions); err != nil {
			return b.internalError("explorer indexes rejected restored block at height %d: %s", height, err)
		}
	}
	if err := b.store.push(rec); err != nil {
		return b.internalError("store rejected restored block at height %d: %s", height, err)
	}
	b.updateUpgradeVoting(height)
	b.pendingPoolEvents = append(b.pendingPoolEvents,
		poolEvent{increased: true, tipHeight: height, tipHash: rec.Block.BlockHash()})
	return nil
}
