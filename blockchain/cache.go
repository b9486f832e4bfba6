package blockchain

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// Cache files let the engine skip replaying blocks.dat on startup. Every
// file opens with a version byte and the tip hash it was written at; any
// mismatch, parse error, or missing file discards the caches and rebuilds
// them from the block store.
const (
	blocksCacheFileName     = "blockscache.dat"
	transactionsMapFileName = "transactionsmap.dat"
	spentKeysFileName       = "spentkeys.dat"
	explorerCacheFileName   = "blockchainindices.dat"

	blocksCacheVersion   = 1
	explorerCacheVersion = 1
)

// loadOrRebuildCaches populates the in-memory indexes for a non-empty
// store, preferring the cache files and falling back to a full replay.
func (b *Blockchain) loadOrRebuildCaches() error {
	tipHash := b.store.tip().Block.BlockHash()
	err := b.loadCaches(tipHash)
	if err == nil {
		log.Infof("Chain caches loaded for tip %s", tipHash)
		return nil
	}
	log.Infof("Rebuilding chain caches: %s", err)

	b.indexes = newChainIndexes()
	b.deposits = newDepositIndex()
	if b.explorerEnabled {
		b.explorer = newExplorerIndexes()
	}
	b.votingCompleteHeights = make(map[uint8]uint32)
	if err := b.rebuildCaches(); err != nil {
		return err
	}
	if err := b.saveCaches(); err != nil {
		log.Warnf("Failed to save rebuilt chain caches: %s", err)
	}
	return nil
}

// rebuildCaches replays every stored record through the index set. Records
// whose stored global output indexes disagree with the replay are repaired
// in place.
func (b *Blockchain) rebuildCaches() error {
	size := b.store.size()
	for height := uint32(0); height < size; height++ {
		if b.interrupted() {
			return errors.New("cache rebuild interrupted")
		}
		rec, _ := b.store.get(height)

		var totalInterest uint64
		var principalDelta int64
		dirty := false
		for i := range rec.Transactions {
			entry := &rec.Transactions[i]
			tx := &entry.Transaction
			txHash := tx.TxHash()
			globalIndexes, err := b.indexes.pushTransaction(tx, txHash, height, uint32(i))
			if err != nil {
				return errors.Wrapf(err, "stored block at height %d does not replay", height)
			}
			if !uint32SlicesEqual(globalIndexes, entry.GlobalOutputIndexes) {
				entry.GlobalOutputIndexes = globalIndexes
				dirty = true
			}
			principalDelta += depositDelta(tx)
			if i > 0 {
				interest, err := b.currency.CalculateTotalTransactionInterest(tx, height)
				if err != nil {
					return errors.Wrapf(err, "stored transaction %s does not replay", txHash)
				}
				totalInterest += interest
			}
		}
		if err := b.deposits.pushBlock(principalDelta, totalInterest); err != nil {
			return errors.Wrapf(err, "deposit index replay failed at height %d", height)
		}
		if b.explorer != nil {
			if err := b.explorer.pushBlock(&rec.Block, rec.Block.BlockHash(), rec.Transactions); err != nil {
				return errors.Wrapf(err, "explorer index replay failed at height %d", height)
			}
		}
		if dirty {
			if err := b.store.replace(height, rec); err != nil {
				return err
			}
		}
		b.updateUpgradeVoting(height)
		if height > 0 && height%storeRebuildLogStep == 0 {
			log.Infof("Cache rebuild at height %d of %d", height, size)
		}
	}
	log.Infof("Chain caches rebuilt over %d blocks", size)
	return nil
}

func uint32SlicesEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// saveCaches writes every cache file for the current tip. Callers hold the
// chain lock.
func (b *Blockchain) saveCaches() error {
	tipHash := b.store.tip().Block.BlockHash()
	if err := b.writeCacheFile(blocksCacheFileName, blocksCacheVersion, tipHash, b.writeBlocksCache); err != nil {
		return err
	}
	if err := b.writeCacheFile(transactionsMapFileName, blocksCacheVersion, tipHash, b.writeTransactionsMap); err != nil {
		return err
	}
	if err := b.writeCacheFile(spentKeysFileName, blocksCacheVersion, tipHash, b.writeSpentKeys); err != nil {
		return err
	}
	if b.explorer != nil {
		if err := b.writeCacheFile(explorerCacheFileName, explorerCacheVersion, tipHash, b.writeExplorerCache); err != nil {
			return err
		}
	}
	return nil
}

// writeCacheFile writes one cache file through a temporary name, prefixed
// with the version byte and tip hash.
func (b *Blockchain) writeCacheFile(name string, version byte, tipHash crypto.Hash,
	write func(w io.Writer) error) error {

	path := filepath.Join(b.dataDir, name)
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	err = func() error {
		if _, err := w.Write([]byte{version}); err != nil {
			return errors.WithStack(err)
		}
		if _, err := w.Write(tipHash[:]); err != nil {
			return errors.WithStack(err)
		}
		if err := write(w); err != nil {
			return err
		}
		return errors.WithStack(w.Flush())
	}()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithStack(err)
	}
	return errors.Wrapf(os.Rename(tmpPath, path), "failed to install %s", name)
}

// loadCaches reads every cache file, verifying each against the expected
// version and tip hash. On any failure the partially loaded state is left
// for the caller to reset.
func (b *Blockchain) loadCaches(tipHash crypto.Hash) error {
	if err := b.readCacheFile(blocksCacheFileName, blocksCacheVersion, tipHash, b.readBlocksCache); err != nil {
		return err
	}
	if err := b.readCacheFile(transactionsMapFileName, blocksCacheVersion, tipHash, b.readTransactionsMap); err != nil {
		return err
	}
	if err := b.readCacheFile(spentKeysFileName, blocksCacheVersion, tipHash, b.readSpentKeys); err != nil {
		return err
	}
	if b.explorer != nil {
		if err := b.readCacheFile(explorerCacheFileName, explorerCacheVersion, tipHash, b.readExplorerCache); err != nil {
			return err
		}
	}
	if b.deposits.size() != b.store.size() {
		return errors.Errorf("deposit index covers %d heights, store holds %d", b.deposits.size(), b.store.size())
	}
	b.rebuildVotingState()
	return nil
}

// rebuildVotingState recomputes voting-activated upgrades after a cache
// load. Networks with hard-coded upgrade heights skip all work here.
func (b *Blockchain) rebuildVotingState() {
	if !b.currencyUsesVoting() {
		return
	}
	size := b.store.size()
	for height := uint32(0); height < size; height++ {
		b.updateUpgradeVoting(height)
	}
}

func (b *Blockchain) currencyUsesVoting() bool {
	for version := uint8(currency.BlockMajorVersion2); version <= currency.BlockMajorVersion8; version++ {
		if b.currency.UpgradeHeight(version) == currency.UpgradeHeightUndefined {
			return true
		}
	}
	return false
}

func (b *Blockchain) readCacheFile(name string, version byte, tipHash crypto.Hash,
	read func(r io.Reader) error) error {

	path := filepath.Join(b.dataDir, name)
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cache file %s is unavailable", name)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	var header [1 + crypto.HashSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return errors.Wrapf(err, "cache file %s is truncated", name)
	}
	if header[0] != version {
		return errors.Errorf("cache file %s has version %d, expected %d", name, header[0], version)
	}
	var storedTip crypto.Hash
	copy(storedTip[:], header[1:])
	if storedTip != tipHash {
		return errors.Errorf("cache file %s was written at tip %s, chain tip is %s", name, storedTip, tipHash)
	}
	if err := read(r); err != nil {
		return errors.Wrapf(err, "cache file %s does not parse", name)
	}
	return nil
}

// writeBlocksCache serializes the per-amount output vectors and the
// deposit index.
func (b *Blockchain) writeBlocksCache(w io.Writer) error {
	amounts := make([]uint64, 0, len(b.indexes.keyOutputs))
	for amount := range b.indexes.keyOutputs {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	if err := wire.WriteVarUint(w, uint64(len(amounts))); err != nil {
		return err
	}
	for _, amount := range amounts {
		refs := b.indexes.keyOutputs[amount]
		if err := wire.WriteVarUint(w, amount); err != nil {
			return err
		}
		if err := wire.WriteVarUint(w, uint64(len(refs))); err != nil {
			return err
		}
		for _, ref := range refs {
			if err := writeOutputRef(w, ref.Height, ref.TxIndex, ref.OutputIndex); err != nil {
				return err
			}
		}
	}

	amounts = amounts[:0]
	for amount := range b.indexes.multisigOutputs {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	if err := wire.WriteVarUint(w, uint64(len(amounts))); err != nil {
		return err
	}
	for _, amount := range amounts {
		refs := b.indexes.multisigOutputs[amount]
		if err := wire.WriteVarUint(w, amount); err != nil {
			return err
		}
		if err := wire.WriteVarUint(w, uint64(len(refs))); err != nil {
			return err
		}
		for _, ref := range refs {
			if err := writeOutputRef(w, ref.Height, ref.TxIndex, ref.OutputIndex); err != nil {
				return err
			}
			used := byte(0)
			if ref.IsUsed {
				used = 1
			}
			if _, err := w.Write([]byte{used}); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	if err := wire.WriteVarUint(w, uint64(b.deposits.size())); err != nil {
		return err
	}
	for i := range b.deposits.principal {
		if err := wire.WriteVarUint(w, b.deposits.principal[i]); err != nil {
			return err
		}
		if err := wire.WriteVarUint(w, b.deposits.interest[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockchain) readBlocksCache(r io.Reader) error {
	amountCount, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	for a := uint64(0); a < amountCount; a++ {
		amount, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		refCount, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		refs := make([]outputRef, 0, refCount)
		for i := uint64(0); i < refCount; i++ {
			height, txIndex, outputIndex, err := readOutputRef(r)
			if err != nil {
				return err
			}
			refs = append(refs, outputRef{Height: height, TxIndex: txIndex, OutputIndex: outputIndex})
		}
		b.indexes.keyOutputs[amount] = refs
	}

	amountCount, err = wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	for a := uint64(0); a < amountCount; a++ {
		amount, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		refCount, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		refs := make([]multisigRef, 0, refCount)
		for i := uint64(0); i < refCount; i++ {
			height, txIndex, outputIndex, err := readOutputRef(r)
			if err != nil {
				return err
			}
			var used [1]byte
			if _, err := io.ReadFull(r, used[:]); err != nil {
				return errors.WithStack(err)
			}
			refs = append(refs, multisigRef{
				Height: height, TxIndex: txIndex, OutputIndex: outputIndex,
				IsUsed: used[0] == 1,
			})
		}
		b.indexes.multisigOutputs[amount] = refs
	}

	depositCount, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	b.deposits.principal = make([]uint64, depositCount)
	b.deposits.interest = make([]uint64, depositCount)
	for i := uint64(0); i < depositCount; i++ {
		if b.deposits.principal[i], err = wire.ReadVarUint(r); err != nil {
			return err
		}
		if b.deposits.interest[i], err = wire.ReadVarUint(r); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockchain) writeTransactionsMap(w io.Writer) error {
	if err := wire.WriteVarUint(w, uint64(len(b.indexes.txLocations))); err != nil {
		return err
	}
	for hash, loc := range b.indexes.txLocations {
		if _, err := w.Write(hash[:]); err != nil {
			return errors.WithStack(err)
		}
		if err := writeOutputRef(w, loc.Height, loc.TxIndex, 0); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockchain) readTransactionsMap(r io.Reader) error {
	count, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var hash crypto.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return errors.WithStack(err)
		}
		height, txIndex, _, err := readOutputRef(r)
		if err != nil {
			return err
		}
		b.indexes.txLocations[hash] = txLocation{Height: height, TxIndex: txIndex}
	}
	return nil
}

func (b *Blockchain) writeSpentKeys(w io.Writer) error {
	if err := wire.WriteVarUint(w, uint64(len(b.indexes.spentKeyImages))); err != nil {
		return err
	}
	for ki, height := range b.indexes.spentKeyImages {
		if _, err := w.Write(ki[:]); err != nil {
			return errors.WithStack(err)
		}
		if err := wire.WriteVarUint(w, uint64(height)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockchain) readSpentKeys(r io.Reader) error {
	count, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var ki crypto.KeyImage
		if _, err := io.ReadFull(r, ki[:]); err != nil {
			return errors.WithStack(err)
		}
		height, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		if height > wire.MaxBlockNumber {
			return errors.Errorf("spent key image height %d exceeds the maximum block number", height)
		}
		b.indexes.spentKeyImages[ki] = uint32(height)
	}
	return nil
}

func (b *Blockchain) writeExplorerCache(w io.Writer) error {
	pids := make([]crypto.Hash, 0, len(b.explorer.paymentIDs))
	for pid := range b.explorer.paymentIDs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool {
		for k := range pids[i] {
			if pids[i][k] != pids[j][k] {
				return pids[i][k] < pids[j][k]
			}
		}
		return false
	})
	if err := wire.WriteVarUint(w, uint64(len(pids))); err != nil {
		return err
	}
	for _, pid := range pids {
		hashes := b.explorer.paymentIDs[pid]
		if _, err := w.Write(pid[:]); err != nil {
			return errors.WithStack(err)
		}
		if err := wire.WriteVarUint(w, uint64(len(hashes))); err != nil {
			return err
		}
		for _, h := range hashes {
			if _, err := w.Write(h[:]); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	if err := wire.WriteVarUint(w, uint64(len(b.explorer.blockTimestamps))); err != nil {
		return err
	}
	for _, entry := range b.explorer.blockTimestamps {
		if err := wire.WriteVarUint(w, entry.Timestamp); err != nil {
			return err
		}
		if _, err := w.Write(entry.Hash[:]); err != nil {
			return errors.WithStack(err)
		}
	}

	if err := wire.WriteVarUint(w, uint64(len(b.explorer.txCountByHeight))); err != nil {
		return err
	}
	for _, n := range b.explorer.txCountByHeight {
		if err := wire.WriteVarUint(w, n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockchain) readExplorerCache(r io.Reader) error {
	pidCount, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < pidCount; i++ {
		var pid crypto.Hash
		if _, err := io.ReadFull(r, pid[:]); err != nil {
			return errors.WithStack(err)
		}
		hashCount, err := wire.ReadVarUint(r)
		if err != nil {
			return err
		}
		hashes := make([]crypto.Hash, hashCount)
		for j := uint64(0); j < hashCount; j++ {
			if _, err := io.ReadFull(r, hashes[j][:]); err != nil {
				return errors.WithStack(err)
			}
		}
		b.explorer.paymentIDs[pid] = hashes
	}

	tsCount, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	b.explorer.blockTimestamps = make([]timestampEntry, tsCount)
	for i := uint64(0); i < tsCount; i++ {
		if b.explorer.blockTimestamps[i].Timestamp, err = wire.ReadVarUint(r); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, b.explorer.blockTimestamps[i].Hash[:]); err != nil {
			return errors.WithStack(err)
		}
	}

	txcCount, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}
	b.explorer.txCountByHeight = make([]uint64, txcCount)
	for i := uint64(0); i < txcCount; i++ {
		if b.explorer.txCountByHeight[i], err = wire.ReadVarUint(r); err != nil {
			return err
		}
	}
	return nil
}

func writeOutputRef(w io.Writer, height, txIndex, outputIndex uint32) error {
	if err := wire.WriteVarUint(w, uint64(height)); err != nil {
		return err
	}
	if err := wire.WriteVarUint(w, uint64(txIndex)); err != nil {
		return err
	}
	return wire.WriteVarUint(w, uint64(outputIndex))
}

func readOutputRef(r io.Reader) (height, txIndex, outputIndex uint32, err error) {
	h, err := wire.ReadVarUint(r)
	if err != nil {
		return 0, 0, 0, err
	}
	t, err := wire.ReadVarUint(r)
	if err != nil {
		return 0, 0, 0, err
	}
	o, err := wire.ReadVarUint(r)
	if err != nil {
		return 0, 0, 0, err
	}
	if h > wire.MaxBlockNumber || t > 0xffffffff || o > 0xffffffff {
		return 0, 0, 0, errors.New("output reference field overflows")
	}
	return uint32(h), uint32(t), uint32(o), nil
}
