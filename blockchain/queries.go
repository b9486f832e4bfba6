package blockchain

import (
	"math/rand"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// Height returns the height of the main-chain tip.
//
// All query methods are safe for concurrent access.
func (b *Blockchain) Height() uint32 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.tipRecord().Height
}

// TipHash returns the hash of the main-chain tip.
func (b *Blockchain) TipHash() crypto.Hash {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.tipRecord().Block.BlockHash()
}

// CumulativeDifficulty returns the cumulative difficulty at the tip.
func (b *Blockchain) CumulativeDifficulty() uint64 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.tipRecord().CumulativeDifficulty
}

// BlockByHeight returns a copy of the committed record at the height.
func (b *Blockchain) BlockByHeight(height uint32) (*wire.BlockRecord, bool) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	rec, ok := b.store.get(height)
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// BlockByHash returns a copy of the committed main-chain record with the
// given block hash.
func (b *Blockchain) BlockByHash(hash crypto.Hash) (*wire.BlockRecord, bool) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	rec, ok := b.store.getByHash(hash)
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// BlockHashAtHeight returns the hash of the main-chain block at the
// height. The transaction pool uses it to detect when a reorganization
// invalidated a recorded validation context.
func (b *Blockchain) BlockHashAtHeight(height uint32) (crypto.Hash, bool) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	rec, ok := b.store.get(height)
	if !ok {
		return crypto.Hash{}, false
	}
	return rec.Block.BlockHash(), true
}

// HaveBlock returns true if the hash names a main-chain or alternative
// block.
func (b *Blockchain) HaveBlock(hash crypto.Hash) bool {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	if _, ok := b.store.byHash[hash]; ok {
		return true
	}
	_, ok := b.alternates[hash]
	return ok
}

// Transactions resolves main-chain transactions by hash. Hashes that are
// not committed are appended to the single missed list, in input order.
func (b *Blockchain) Transactions(hashes []crypto.Hash) (txs []*wire.Transaction, missed []crypto.Hash) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	for _, hash := range hashes {
		loc, ok := b.indexes.txLocations[hash]
		if !ok {
			missed = append(missed, hash)
			continue
		}
		rec, ok := b.store.get(loc.Height)
		if !ok || uint64(loc.TxIndex) >= uint64(len(rec.Transactions)) {
			missed = append(missed, hash)
			continue
		}
		cp := rec.Transactions[loc.TxIndex].Transaction
		txs = append(txs, &cp)
	}
	return txs, missed
}

// IsSpentKeyImage returns true if the key image is spent on the main
// chain. The transaction pool consults it during admission.
func (b *Blockchain) IsSpentKeyImage(ki crypto.KeyImage) bool {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.indexes.isSpentKeyImage(ki)
}

// IsMultisigOutputSpent returns true if the referenced multisig output is
// unknown or already consumed.
func (b *Blockchain) IsMultisigOutputSpent(amount uint64, globalIndex uint32) bool {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	ref, ok := b.indexes.multisigOutput(amount, globalIndex)
	return !ok || ref.IsUsed
}

// RandomOutputEntry is one sampled ring member candidate.
type RandomOutputEntry struct {
	GlobalIndex uint32
	Key         crypto.PublicKey
}

// RandomOutputsByAmount samples up to count distinct unlocked key outputs
// of the given amount, for wallets assembling ring signatures.
func (b *Blockchain) RandomOutputsByAmount(amount uint64, count int) []RandomOutputEntry {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	refs := b.indexes.keyOutputs[amount]
	if len(refs) == 0 || count <= 0 {
		return nil
	}
	height := b.tipRecord().Height
	now := uint64(b.timeSource.Now().Unix())

	order := rand.Perm(len(refs))
	entries := make([]RandomOutputEntry, 0, count)
	for _, i := range order {
		if len(entries) == count {
			break
		}
		ref := refs[i]
		rec, ok := b.store.get(ref.Height)
		if !ok {
			continue
		}
		tx := &rec.Transactions[ref.TxIndex].Transaction
		if !tx.UnlockTime.Unlocked(height+1, now) {
			continue
		}
		target, ok := tx.Outputs[ref.OutputIndex].Target.(*wire.KeyOutput)
		if !ok {
			continue
		}
		entries = append(entries, RandomOutputEntry{GlobalIndex: uint32(i), Key: target.Key})
	}
	return entries
}

// KeyOutputCount returns the number of key outputs ever mined with the
// given amount; the next global output index for it.
func (b *Blockchain) KeyOutputCount(amount uint64) uint32 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return uint32(len(b.indexes.keyOutputs[amount]))
}

// DepositAmountAtHeight returns the total locked deposit principal as of
// the given height.
func (b *Blockchain) DepositAmountAtHeight(height uint32) uint64 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.deposits.amountAtHeight(height)
}

// DepositInterestAtHeight returns the total interest paid out through the
// given height.
func (b *Blockchain) DepositInterestAtHeight(height uint32) uint64 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.deposits.interestAtHeight(height)
}

// TransactionsByPaymentID returns the hashes of committed transactions
// carrying the payment id. Requires EnableExplorerIndices.
func (b *Blockchain) TransactionsByPaymentID(paymentID crypto.Hash) []crypto.Hash {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	if b.explorer == nil {
		return nil
	}
	return b.explorer.transactionsByPaymentID(paymentID)
}

// BlocksByTimestamp returns up to limit main-chain block hashes whose
// timestamps fall within [begin, end]. Requires EnableExplorerIndices.
func (b *Blockchain) BlocksByTimestamp(begin, end uint64, limit int) []crypto.Hash {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	if b.explorer == nil {
		return nil
	}
	return b.explorer.blocksByTimestamp(begin, end, limit)
}

// GeneratedTransactionsCount returns the number of transactions committed
// through the given height, coinbases included. Requires
// EnableExplorerIndices.
func (b *Blockchain) GeneratedTransactionsCount(height uint32) uint64 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	if b.explorer == nil {
		return 0
	}
	return b.explorer.generatedTransactionsCount(height)
}

// TemplateState is the tip snapshot block template construction builds on.
// Every field refers to the same locked view of the chain.
type TemplateState struct {
	Height                uint32
	PreviousBlockHash     crypto.Hash
	MajorVersion          uint8
	Difficulty            uint64
	MedianSize            uint64
	AlreadyGeneratedCoins uint64
	MaxCumulativeSize     uint64
}

// TemplateContext captures everything needed to build a block template for
// the next height under a single acquisition of the chain lock.
func (b *Blockchain) TemplateContext() TemplateState {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tip := b.tipRecord()
	height := tip.Height + 1
	version := b.expectedMajorVersion(height)
	return TemplateState{
		Height:                height,
		PreviousBlockHash:     tip.Block.BlockHash(),
		MajorVersion:          version,
		Difficulty:            b.nextMainDifficulty(version),
		MedianSize:            b.medianBlockSize(version, tip.Height),
		AlreadyGeneratedCoins: tip.AlreadyGeneratedCoins,
		MaxCumulativeSize:     b.currency.MaxBlockCumulativeSize(height),
	}
}

// ReadOnly reports whether the engine has latched read-only after an
// internal consistency failure.
func (b *Blockchain) ReadOnly() bool {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.readOnly
}

// SaveCaches writes the cache files for the current tip.
func (b *Blockchain) SaveCaches() error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	if b.readOnly {
		return ErrReadOnly
	}
	return b.saveCaches()
}
