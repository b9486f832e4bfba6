package blockchain

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// TransactionPool is the view of the transaction pool the chain engine
// needs: it takes transaction bodies out when connecting a block and hands
// them back when a block is disconnected or rejected mid-commit.
//
// The pool and the chain call each other; the daemon constructs both and
// wires them with AttachTransactionPool. TakeTransaction is the only
// method the engine invokes while holding the chain lock, so it must not
// call back into the chain. AddTransaction, OnBlockchainInc and
// OnBlockchainDec run after the lock is released and are free to consult
// the chain.
type TransactionPool interface {
	// TakeTransaction removes and returns the transaction with the given
	// hash, or nil if the pool does not hold it.
	TakeTransaction(hash crypto.Hash) *wire.Transaction

	// AddTransaction admits a transaction. keptByBlock marks transactions
	// returning from a disconnected or rejected block; their admission is
	// forced past double-spend and fee floors.
	AddTransaction(tx *wire.Transaction, keptByBlock bool) error

	// OnBlockchainInc reports that the main chain advanced to tipHeight.
	OnBlockchainInc(tipHeight uint32, tipHash crypto.Hash)

	// OnBlockchainDec reports that the main chain tip was popped.
	OnBlockchainDec(tipHeight uint32, tipHash crypto.Hash)
}

// Config is the chain engine configuration.
type Config struct {
	// DataDir is the directory holding the block files and caches.
	DataDir string

	// Currency supplies the consensus parameters.
	Currency *currency.Currency

	// Oracles supplies proof-of-work and ring-signature verification.
	Oracles crypto.Oracles

	// TimeSource supplies "now" for timestamp checks.
	TimeSource TimeSource

	// EnableExplorerIndices turns on the payment-id, timestamp and
	// generated-transactions indices and their persistence.
	EnableExplorerIndices bool

	// AutosaveEveryNBlocks saves the caches after every N committed
	// blocks. Zero disables autosaving; caches are still written on Close.
	AutosaveEveryNBlocks uint32

	// AltBlockKeepDepth is how far below the main tip alternative blocks
	// are retained; anything deeper is pruned after every main-chain
	// extension. Zero selects the default.
	AltBlockKeepDepth uint32

	// Interrupt is polled between blocks during bulk work (cache rebuild,
	// long reorganizations). A true value aborts the operation.
	Interrupt func() bool
}

// Blockchain is the chain engine: the main chain, its derived indices, and
// the alternative-chain set. All state is guarded by a single chain mutex;
// notifications queue under the lock and flush after release.
type Blockchain struct {
	currency        *currency.Currency
	oracles         crypto.Oracles
	timeSource      TimeSource
	dataDir         string
	explorerEnabled bool
	autosaveBlocks  uint32
	interrupt       func() bool

	chainLock    sync.Mutex
	store        *blockStore
	indexes      *chainIndexes
	deposits     *depositIndex
	explorer     *explorerIndexes // nil unless explorerEnabled
	alternates   map[crypto.Hash]*altRecord
	altKeepDepth uint32
	txPool       TransactionPool
	readOnly     bool
	sinceSave    uint32

	// orphans holds blocks whose ancestry is unknown, keyed by their own
	// hash and by the missing parent so they can be retried when it
	// arrives.
	orphans         map[crypto.Hash]*orphanBlock
	orphansByParent map[crypto.Hash][]*orphanBlock

	// votingCompleteHeights records, per major version activated by
	// voting, the height its vote completed at.
	votingCompleteHeights map[uint8]uint32

	// pendingPoolEvents defers tip-movement callbacks into the pool until
	// the chain lock is released.
	pendingPoolEvents []poolEvent

	// pendingReadmissions holds transactions on their way back to the
	// pool after a disconnect or a failed connect. Pool admission calls
	// back into the chain, so the hand-off happens only after the chain
	// lock is released; until then takePooled treats the queue as part of
	// the pool.
	pendingReadmissions []*wire.Transaction

	notificationsLock    sync.RWMutex
	notifications        []NotificationCallback
	pendingNotifications []Notification
}

// New opens the chain engine over the given data directory. An empty store
// is initialized with the currency's genesis block; a populated store loads
// its caches, rebuilding them from blocks.dat when stale.
func New(config *Config) (*Blockchain, error) {
	if config.Currency == nil {
		return nil, errors.New("blockchain.New: currency parameters are required")
	}
	if config.Oracles.Pow == nil || config.Oracles.Sig == nil {
		return nil, errors.New("blockchain.New: both oracles are required")
	}
	timeSource := config.TimeSource
	if timeSource == nil {
		timeSource = NewTimeSource()
	}

	b := &Blockchain{
		currency:        config.Currency,
		oracles:         config.Oracles,
		timeSource:      timeSource,
		dataDir:         config.DataDir,
		explorerEnabled: config.EnableExplorerIndices,
		autosaveBlocks:  config.AutosaveEveryNBlocks,
		interrupt:       config.Interrupt,
		indexes:         newChainIndexes(),
		deposits:        newDepositIndex(),
		alternates:      make(map[crypto.Hash]*altRecord),
		altKeepDepth:    config.AltBlockKeepDepth,
		orphans:         make(map[crypto.Hash]*orphanBlock),
		orphansByParent: make(map[crypto.Hash][]*orphanBlock),

		votingCompleteHeights: make(map[uint8]uint32),
	}
	if b.altKeepDepth == 0 {
		b.altKeepDepth = defaultAltBlockKeepDepth
	}
	if b.explorerEnabled {
		b.explorer = newExplorerIndexes()
	}

	store, err := openBlockStore(config.DataDir, config.Interrupt)
	if err != nil {
		return nil, err
	}
	b.store = store

	if store.empty() {
		if err := b.pushGenesis(); err != nil {
			_ = store.close()
			return nil, err
		}
		log.Infof("Initialized new chain with genesis block %s", b.currency.GenesisHash())
		return b, nil
	}

	genesis, _ := store.get(0)
	if hash := genesis.Block.BlockHash(); hash != b.currency.GenesisHash() {
		_ = store.close()
		return nil, errors.Errorf("data directory %s belongs to a different network: "+
			"genesis %s, expected %s", config.DataDir, hash, b.currency.GenesisHash())
	}

	if err := b.loadOrRebuildCaches(); err != nil {
		_ = store.close()
		return nil, err
	}
	tip := store.tip()
	log.Infof("Chain loaded: height %d, tip %s, cumulative difficulty %d",
		tip.Height, tip.Block.BlockHash(), tip.CumulativeDifficulty)
	return b, nil
}

// AttachTransactionPool wires the transaction pool. It must be called
// before any block carrying transactions is processed.
func (b *Blockchain) AttachTransactionPool(pool TransactionPool) {
	b.chainLock.Lock()
	b.txPool = pool
	b.chainLock.Unlock()
}

// Close flushes the caches and releases the block files.
func (b *Blockchain) Close() error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	var saveErr error
	if !b.readOnly {
		saveErr = b.saveCaches()
		if saveErr != nil {
			log.Errorf("Failed to save chain caches on close: %s", saveErr)
		}
	}
	if err := b.store.close(); err != nil {
		return err
	}
	return saveErr
}

// pushGenesis commits the hard-coded genesis block to an empty store.
func (b *Blockchain) pushGenesis() error {
	block := b.currency.GenesisBlock()
	reward, ok := block.BaseTransaction.OutputsAmount()
	if !ok {
		return errors.New("genesis coinbase outputs overflow")
	}
	rec := &wire.BlockRecord{
		Block:                 *block,
		Height:                0,
		CumulativeDifficulty:  1,
		CumulativeSize:        uint64(block.BaseTransaction.SerializeSize()),
		AlreadyGeneratedCoins: reward,
		Transactions: []wire.TransactionEntry{{
			Transaction: block.BaseTransaction,
		}},
	}
	globalIndexes, err := b.indexes.pushTransaction(
		&rec.Transactions[0].Transaction, block.BaseTransaction.TxHash(), 0, 0)
	if err != nil {
		return err
	}
	rec.Transactions[0].GlobalOutputIndexes = globalIndexes
	if err := b.deposits.pushBlock(0, 0); err != nil {
		return err
	}
	if b.explorer != nil {
		if err := b.explorer.pushBlock(block, block.BlockHash(), rec.Transactions); err != nil {
			return err
		}
	}
	return b.store.push(rec)
}

// tipRecord returns the current main-chain tip. Callers hold the chain
// lock; the store is never empty after New.
func (b *Blockchain) tipRecord() *wire.BlockRecord {
	return b.store.tip()
}

// difficultyWindow collects the trailing timestamps and cumulative
// difficulties feeding the difficulty algorithm for a block of the given
// major version whose parent is at parentHeight on the main chain.
func (b *Blockchain) difficultyWindow(majorVersion uint8, parentHeight uint32) (timestamps, cumulativeDifficulties []uint64) {
	count := uint64(b.currency.DifficultyBlocksCount(majorVersion))
	available := uint64(parentHeight) + 1
	if count > available {
		count = available
	}
	timestamps = make([]uint64, 0, count)
	cumulativeDifficulties = make([]uint64, 0, count)
	for h := uint64(parentHeight) + 1 - count; h <= uint64(parentHeight); h++ {
		rec, _ := b.store.get(uint32(h))
		timestamps = append(timestamps, rec.Block.Timestamp)
		cumulativeDifficulties = append(cumulativeDifficulties, rec.CumulativeDifficulty)
	}
	return timestamps, cumulativeDifficulties
}

// nextMainDifficulty computes the required difficulty for the block
// extending the main chain tip.
func (b *Blockchain) nextMainDifficulty(majorVersion uint8) uint64 {
	timestamps, cumulativeDifficulties := b.difficultyWindow(majorVersion, b.tipRecord().Height)
	return b.currency.NextDifficulty(majorVersion, timestamps, cumulativeDifficulties)
}

// lastTimestamps returns up to count trailing main-chain timestamps ending
// at upToHeight, oldest first.
func (b *Blockchain) lastTimestamps(count uint32, upToHeight uint32) []uint64 {
	available := uint64(upToHeight) + 1
	n := uint64(count)
	if n > available {
		n = available
	}
	timestamps := make([]uint64, 0, n)
	for h := uint64(upToHeight) + 1 - n; h <= uint64(upToHeight); h++ {
		rec, _ := b.store.get(uint32(h))
		timestamps = append(timestamps, rec.Block.Timestamp)
	}
	return timestamps
}

// lastBlockSizes returns up to count trailing main-chain cumulative block
// sizes ending at upToHeight.
func (b *Blockchain) lastBlockSizes(count uint32, upToHeight uint32) []uint64 {
	available := uint64(upToHeight) + 1
	n := uint64(count)
	if n > available {
		n = available
	}
	sizes := make([]uint64, 0, n)
	for h := uint64(upToHeight) + 1 - n; h <= uint64(upToHeight); h++ {
		rec, _ := b.store.get(uint32(h))
		sizes = append(sizes, blockCumulativeSize(rec))
	}
	return sizes
}

// blockCumulativeSize is the consensus size of a committed block: the sum
// of the serialized transaction blobs, coinbase included.
func blockCumulativeSize(rec *wire.BlockRecord) uint64 {
	var size uint64
	for i := range rec.Transactions {
		size += uint64(rec.Transactions[i].Transaction.SerializeSize())
	}
	return size
}

// medianUint64 returns the median of values. An empty slice yields zero;
// even-length slices average the two middle values, per the CryptoNote
// median convention.
func medianUint64(values []uint64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// medianBlockSize is the reward-window size median used by the penalty
// formula, floored at the penalty-free zone.
func (b *Blockchain) medianBlockSize(majorVersion uint8, upToHeight uint32) uint64 {
	median := medianUint64(b.lastBlockSizes(b.currency.RewardBlocksWindow, upToHeight))
	if zone := b.currency.FullRewardZone(majorVersion); median < zone {
		median = zone
	}
	return median
}

// interrupted polls the cooperative shutdown flag.
func (b *Blockchain) interrupted() bool {
	return b.interrupt != nil && b.interrupt()
}
