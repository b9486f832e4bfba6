package mempool

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/syfer-network/syferd/blockchain"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

const (
	// defaultTxLiveTime is how long an ordinary transaction may wait in
	// the pool before eviction.
	defaultTxLiveTime = 24 * time.Hour

	// defaultKeptByBlockTxLiveTime is the longer deadline for transactions
	// that arrived from a disconnected block; they are part of consensus
	// history and deserve more patience.
	defaultKeptByBlockTxLiveTime = 7 * 24 * time.Hour

	// coinbaseBlobReserve is the template space reserved for the coinbase
	// transaction when filling a block.
	coinbaseBlobReserve = 600
)

// ChainView is the chain surface the pool consumes. All methods take the
// chain lock internally, so the pool must never call them while holding its
// own mutex.
type ChainView interface {
	Height() uint32
	TipHash() crypto.Hash
	BlockHashAtHeight(height uint32) (crypto.Hash, bool)
	CheckTransactionInputs(tx *wire.Transaction, height uint32) (uint32, error)
	IsSpentKeyImage(ki crypto.KeyImage) bool
	IsMultisigOutputSpent(amount uint64, globalIndex uint32) bool
}

// Config is the transaction pool configuration.
type Config struct {
	// Currency supplies fee floors and size limits.
	Currency *currency.Currency

	// Chain validates transaction inputs and answers spent-state queries.
	Chain ChainView

	// TimeSource supplies "now" for receive times and eviction.
	TimeSource blockchain.TimeSource

	// DataDir is where poolstate.bin lives. Empty disables persistence.
	DataDir string

	// TxLiveTime and KeptByBlockTxLiveTime override the eviction
	// deadlines; zero selects the defaults.
	TxLiveTime            time.Duration
	KeptByBlockTxLiveTime time.Duration
}

// multisigOutputID identifies a multisig output by its per-amount global
// index.
type multisigOutputID struct {
	Amount      uint64
	GlobalIndex uint32
}

// txDesc is a pooled transaction with its admission bookkeeping.
// maxUsedBlock is the newest chain block the inputs were validated
// against; lastFailedBlock is the tip the last failed validation saw.
type txDesc struct {
	tx          *wire.Transaction
	hash        crypto.Hash
	blobSize    uint64
	fee         uint64
	keptByBlock bool
	receiveTime int64

	maxUsedHeight    uint32
	maxUsedHash      crypto.Hash
	lastFailedHeight uint32
	lastFailedHash   crypto.Hash
}

// NotificationType represents the type of a pool notification.
type NotificationType int

const (
	// NTTransactionAdded indicates a transaction entered the pool.
	NTTransactionAdded NotificationType = iota

	// NTTransactionRemoved indicates a transaction left the pool, whether
	// mined, evicted, or taken by a connecting block.
	NTTransactionRemoved
)

// Notification is a pool event. Notifications fire after the pool mutex is
// released.
type Notification struct {
	Type NotificationType
	Hash crypto.Hash
}

// TxPool is the fee-priority transaction pool.
//
// Locking: the pool mutex guards all maps; chain calls are never made with
// it held, since the chain calls back into the pool while holding its own
// lock during block connection.
type TxPool struct {
	currency   *currency.Currency
	chain      ChainView
	timeSource blockchain.TimeSource
	dataDir    string

	txLiveTime            time.Duration
	keptByBlockTxLiveTime time.Duration

	mtx           sync.Mutex
	pool          map[crypto.Hash]*txDesc
	keyImages     map[crypto.KeyImage]crypto.Hash
	multisigLocks map[multisigOutputID]crypto.Hash
	paymentIDs    map[crypto.Hash][]crypto.Hash

	notificationsLock    sync.RWMutex
	notifications        []func(*Notification)
	pendingNotifications []Notification
}

// New creates a transaction pool, loading any persisted state from the
// data directory.
func New(config *Config) (*TxPool, error) {
	p := &TxPool{
		currency:              config.Currency,
		chain:                 config.Chain,
		timeSource:            config.TimeSource,
		dataDir:               config.DataDir,
		txLiveTime:            config.TxLiveTime,
		keptByBlockTxLiveTime: config.KeptByBlockTxLiveTime,
		pool:                  make(map[crypto.Hash]*txDesc),
		keyImages:             make(map[crypto.KeyImage]crypto.Hash),
		multisigLocks:         make(map[multisigOutputID]crypto.Hash),
		paymentIDs:            make(map[crypto.Hash][]crypto.Hash),
	}
	if p.txLiveTime == 0 {
		p.txLiveTime = defaultTxLiveTime
	}
	if p.keptByBlockTxLiveTime == 0 {
		p.keptByBlockTxLiveTime = defaultKeptByBlockTxLiveTime
	}
	if p.timeSource == nil {
		p.timeSource = blockchain.NewTimeSource()
	}
	if p.dataDir != "" {
		if err := p.loadState(); err != nil {
			log.Warnf("Discarding persisted pool state: %s", err)
		}
	}
	return p, nil
}

// Subscribe registers a callback for pool notifications.
func (p *TxPool) Subscribe(callback func(*Notification)) {
	p.notificationsLock.Lock()
	defer p.notificationsLock.Unlock()
	p.notifications = append(p.notifications, callback)
}

func (p *TxPool) enqueueNotification(typ NotificationType, hash crypto.Hash) {
	p.pendingNotifications = append(p.pendingNotifications, Notification{Type: typ, Hash: hash})
}

func (p *TxPool) flushNotifications() {
	p.mtx.Lock()
	pending := p.pendingNotifications
	p.pendingNotifications = nil
	p.mtx.Unlock()

	if len(pending) == 0 {
		return
	}
	p.notificationsLock.RLock()
	subscribers := p.notifications
	p.notificationsLock.RUnlock()
	for i := range pending {
		for _, callback := range subscribers {
			callback(&pending[i])
		}
	}
}

// AddTransaction admits a transaction into the pool. keptByBlock marks
// transactions returning from a disconnected or rejected block, whose
// admission is forced past double-spend and fee floors.
//
// This function is safe for concurrent access.
func (p *TxPool) AddTransaction(tx *wire.Transaction, keptByBlock bool) error {
	err := p.addTransaction(tx, keptByBlock)
	p.flushNotifications()
	return err
}

func (p *TxPool) addTransaction(tx *wire.Transaction, keptByBlock bool) error {
	if tx.IsCoinbase() {
		return txRuleError(RejectInvalid, "coinbase transactions are not poolable")
	}
	hash := tx.TxHash()
	blobSize := uint64(tx.SerializeSize())

	p.mtx.Lock()
	_, exists := p.pool[hash]
	p.mtx.Unlock()
	if exists {
		if keptByBlock {
			return nil
		}
		return txRuleError(RejectDuplicate, fmt.Sprintf(
			"transaction %s is already in the pool", hash))
	}

	if blobSize > p.currency.MaxTxSize {
		return txRuleError(RejectSizeLimit, fmt.Sprintf(
			"transaction %s size %d exceeds the maximum of %d", hash, blobSize, p.currency.MaxTxSize))
	}

	// Everything below consults the chain, so the pool mutex stays
	// released until the final insert.
	height := p.chain.Height() + 1

	if !keptByBlock {
		if err := p.checkDoubleSpends(tx); err != nil {
			return err
		}
	}

	fee, feeErr := p.currency.GetTransactionFee(tx, height)
	if feeErr != nil {
		if !keptByBlock {
			return txRuleError(RejectInvalid, feeErr.Error())
		}
		fee = 0
	}
	if !keptByBlock && fee < p.currency.MinimumFee(height) {
		return txRuleError(RejectInsufficientFee, fmt.Sprintf(
			"transaction %s fee %d is below the minimum of %d",
			hash, fee, p.currency.MinimumFee(height)))
	}

	desc := &txDesc{
		tx:          tx,
		hash:        hash,
		blobSize:    blobSize,
		fee:         fee,
		keptByBlock: keptByBlock,
		receiveTime: p.timeSource.Now().Unix(),
	}
	maxUsedHeight, err := p.chain.CheckTransactionInputs(tx, height)
	if err != nil {
		if !keptByBlock {
			if chainErr, ok := err.(blockchain.RuleError); ok {
				return chainRuleError(chainErr)
			}
			return RuleError{Err: err}
		}
		// Forced admission: the inputs may reference a chain segment
		// currently being reorganized. Record the failure and keep it.
		desc.lastFailedHeight = p.chain.Height()
		desc.lastFailedHash = p.chain.TipHash()
	} else {
		desc.maxUsedHeight = maxUsedHeight
		if h, ok := p.chain.BlockHashAtHeight(maxUsedHeight); ok {
			desc.maxUsedHash = h
		}
	}

	p.mtx.Lock()
	if _, exists := p.pool[hash]; exists {
		p.mtx.Unlock()
		if keptByBlock {
			return nil
		}
		return txRuleError(RejectDuplicate, fmt.Sprintf(
			"transaction %s is already in the pool", hash))
	}
	if !keptByBlock {
		// Another admission may have locked a conflicting input while the
		// chain was consulted.
		if err := p.checkPoolConflictsLocked(tx); err != nil {
			p.mtx.Unlock()
			return err
		}
	}
	p.insertLocked(desc)
	p.mtx.Unlock()

	log.Debugf("Admitted transaction %s (fee %d, size %d, keptByBlock %t)",
		hash, fee, blobSize, keptByBlock)
	return nil
}

// checkDoubleSpends rejects a transaction whose inputs are locked by the
// pool or spent on the chain. Called without the pool mutex.
func (p *TxPool) checkDoubleSpends(tx *wire.Transaction) error {
	if err := p.checkPoolConflicts(tx); err != nil {
		return err
	}
	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if p.chain.IsSpentKeyImage(in.KeyImage) {
				return txRuleError(RejectDoubleSpend, fmt.Sprintf(
					"key image %s is spent on the chain", in.KeyImage))
			}
		case *wire.MultisigInput:
			if p.chain.IsMultisigOutputSpent(in.Amount, in.OutputIndex) {
				return txRuleError(RejectDoubleSpend, fmt.Sprintf(
					"multisig output %d for amount %d is spent on the chain",
					in.OutputIndex, in.Amount))
			}
		}
	}
	return nil
}

func (p *TxPool) checkPoolConflicts(tx *wire.Transaction) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.checkPoolConflictsLocked(tx)
}

func (p *TxPool) checkPoolConflictsLocked(tx *wire.Transaction) error {
	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if other, ok := p.keyImages[in.KeyImage]; ok {
				return txRuleError(RejectDoubleSpend, fmt.Sprintf(
					"key image %s is locked by pooled transaction %s", in.KeyImage, other))
			}
		case *wire.MultisigInput:
			id := multisigOutputID{Amount: in.Amount, GlobalIndex: in.OutputIndex}
			if other, ok := p.multisigLocks[id]; ok {
				return txRuleError(RejectDoubleSpend, fmt.Sprintf(
					"multisig output %d for amount %d is locked by pooled transaction %s",
					in.OutputIndex, in.Amount, other))
			}
		}
	}
	return nil
}

// insertLocked installs a descriptor and its input locks. keptByBlock
// descriptors never displace an existing lock.
func (p *TxPool) insertLocked(desc *txDesc) {
	p.pool[desc.hash] = desc
	for _, in := range desc.tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if _, ok := p.keyImages[in.KeyImage]; !ok {
				p.keyImages[in.KeyImage] = desc.hash
			}
		case *wire.MultisigInput:
			id := multisigOutputID{Amount: in.Amount, GlobalIndex: in.OutputIndex}
			if _, ok := p.multisigLocks[id]; !ok {
				p.multisigLocks[id] = desc.hash
			}
		}
	}
	if fields, err := wire.ParseExtra(desc.tx.Extra); err == nil && fields.PaymentID != nil {
		pid := *fields.PaymentID
		p.paymentIDs[pid] = append(p.paymentIDs[pid], desc.hash)
	}
	p.enqueueNotification(NTTransactionAdded, desc.hash)
}

// removeLocked deletes a descriptor, releasing only the locks it owns.
func (p *TxPool) removeLocked(desc *txDesc) {
	delete(p.pool, desc.hash)
	for _, in := range desc.tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if owner, ok := p.keyImages[in.KeyImage]; ok && owner == desc.hash {
				delete(p.keyImages, in.KeyImage)
			}
		case *wire.MultisigInput:
			id := multisigOutputID{Amount: in.Amount, GlobalIndex: in.OutputIndex}
			if owner, ok := p.multisigLocks[id]; ok && owner == desc.hash {
				delete(p.multisigLocks, id)
			}
		}
	}
	if fields, err := wire.ParseExtra(desc.tx.Extra); err == nil && fields.PaymentID != nil {
		pid := *fields.PaymentID
		hashes := p.paymentIDs[pid]
		for i, h := range hashes {
			if h == desc.hash {
				p.paymentIDs[pid] = append(hashes[:i], hashes[i+1:]...)
				break
			}
		}
		if len(p.paymentIDs[pid]) == 0 {
			delete(p.paymentIDs, pid)
		}
	}
	p.enqueueNotification(NTTransactionRemoved, desc.hash)
}

// TakeTransaction removes and returns the transaction with the given hash,
// or nil if the pool does not hold it. The chain calls this while holding
// its lock during block connection, so the removal notification is only
// queued here; it fires once the engine reports the tip movement and the
// pool flushes with no chain lock held.
//
// This function is safe for concurrent access.
func (p *TxPool) TakeTransaction(hash crypto.Hash) *wire.Transaction {
	p.mtx.Lock()
	desc, ok := p.pool[hash]
	if ok {
		p.removeLocked(desc)
	}
	p.mtx.Unlock()
	if !ok {
		return nil
	}
	return desc.tx
}

// HaveTransaction returns true if the pool holds the transaction.
func (p *TxPool) HaveTransaction(hash crypto.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.pool[hash]
	return ok
}

// Count returns the number of pooled transactions.
func (p *TxPool) Count() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.pool)
}

// TransactionHashes returns the hashes of every pooled transaction.
func (p *TxPool) TransactionHashes() []crypto.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	hashes := make([]crypto.Hash, 0, len(p.pool))
	for hash := range p.pool {
		hashes = append(hashes, hash)
	}
	return hashes
}

// TransactionsByPaymentID returns the pooled transactions carrying the
// payment id.
func (p *TxPool) TransactionsByPaymentID(paymentID crypto.Hash) []crypto.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	hashes := p.paymentIDs[paymentID]
	out := make([]crypto.Hash, len(hashes))
	copy(out, hashes)
	return out
}

// higherPriority is the pool's strict weak ordering: fee rate compared by
// 128-bit cross multiplication, ties broken toward the smaller blob, then
// the older arrival.
func higherPriority(a, b *txDesc) bool {
	aHi, aLo := bits.Mul64(a.fee, b.blobSize)
	bHi, bLo := bits.Mul64(b.fee, a.blobSize)
	if aHi != bHi {
		return aHi > bHi
	}
	if aLo != bLo {
		return aLo > bLo
	}
	if a.blobSize != b.blobSize {
		return a.blobSize < b.blobSize
	}
	return a.receiveTime < b.receiveTime
}

// FillBlockTemplate selects transactions for a block template at the given
// height, highest fee rate first, respecting the cumulative size limits
// and skipping anything not currently spendable against the tip.
//
// This function is safe for concurrent access.
func (p *TxPool) FillBlockTemplate(majorVersion uint8, medianSize, maxCumulativeSize,
	alreadyGeneratedCoins uint64, height uint32) (txs []*wire.Transaction, totalSize, totalFee uint64) {

	p.mtx.Lock()
	ordered := make([]*txDesc, 0, len(p.pool))
	for _, desc := range p.pool {
		ordered = append(ordered, desc)
	}
	p.mtx.Unlock()
	sort.Slice(ordered, func(i, j int) bool { return higherPriority(ordered[i], ordered[j]) })

	sizeLimit := maxCumulativeSize
	if penaltyFree := 2*medianSize - coinbaseBlobReserve; 2*medianSize > coinbaseBlobReserve && penaltyFree < sizeLimit {
		sizeLimit = penaltyFree
	}

	spentKeyImages := make(map[crypto.KeyImage]struct{})
	spentMultisig := make(map[multisigOutputID]struct{})
	for _, desc := range ordered {
		if totalSize+desc.blobSize > sizeLimit {
			continue
		}
		if !p.isTransactionReady(desc, height) {
			continue
		}
		if templateConflicts(desc.tx, spentKeyImages, spentMultisig) {
			continue
		}
		// A selection that would push the block into the over-penalty
		// zone cannot pay its own fee; the reward formula rejects it.
		if _, _, err := p.currency.GetBlockReward(majorVersion, medianSize,
			totalSize+desc.blobSize+coinbaseBlobReserve, alreadyGeneratedCoins,
			totalFee+desc.fee); err != nil {
			continue
		}
		for _, in := range desc.tx.Inputs {
			switch in := in.(type) {
			case *wire.KeyInput:
				spentKeyImages[in.KeyImage] = struct{}{}
			case *wire.MultisigInput:
				spentMultisig[multisigOutputID{Amount: in.Amount, GlobalIndex: in.OutputIndex}] = struct{}{}
			}
		}
		txs = append(txs, desc.tx)
		totalSize += desc.blobSize
		totalFee += desc.fee
	}
	return txs, totalSize, totalFee
}

// isTransactionReady reports whether a descriptor can be spent against the
// current tip, revalidating its inputs when the chain moved past its
// recorded validation context. Called without the pool mutex.
func (p *TxPool) isTransactionReady(desc *txDesc, height uint32) bool {
	if !desc.lastFailedHash.IsZero() {
		if h, ok := p.chain.BlockHashAtHeight(desc.lastFailedHeight); ok && h == desc.lastFailedHash {
			return false // still failing against the same chain
		}
	}
	if !desc.maxUsedHash.IsZero() {
		if h, ok := p.chain.BlockHashAtHeight(desc.maxUsedHeight); ok && h == desc.maxUsedHash {
			return true // validation context still on the main chain
		}
	}
	maxUsedHeight, err := p.chain.CheckTransactionInputs(desc.tx, height)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if err != nil {
		desc.lastFailedHeight = p.chain.Height()
		desc.lastFailedHash, _ = p.chain.BlockHashAtHeight(desc.lastFailedHeight)
		return false
	}
	desc.maxUsedHeight = maxUsedHeight
	desc.maxUsedHash, _ = p.chain.BlockHashAtHeight(maxUsedHeight)
	desc.lastFailedHeight = 0
	desc.lastFailedHash = crypto.Hash{}
	return true
}

// templateConflicts reports whether the transaction double-spends an input
// already selected into the tentative template.
func templateConflicts(tx *wire.Transaction, kis map[crypto.KeyImage]struct{},
	msigs map[multisigOutputID]struct{}) bool {

	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if _, ok := kis[in.KeyImage]; ok {
				return true
			}
		case *wire.MultisigInput:
			if _, ok := msigs[multisigOutputID{Amount: in.Amount, GlobalIndex: in.OutputIndex}]; ok {
				return true
			}
		}
	}
	return false
}

// OnBlockchainInc reconciles the pool after the main chain advanced:
// transactions near the new tip are revalidated and expired entries are
// evicted.
//
// The chain engine invokes this after releasing its lock.
func (p *TxPool) OnBlockchainInc(tipHeight uint32, tipHash crypto.Hash) {
	p.revalidateNear(tipHeight)
	p.evictExpired()
	p.flushNotifications()
}

// OnBlockchainDec reconciles after the tip was popped. The chain re-admits
// the disconnected transactions itself; stale failure records are cleared
// so the survivors get another look.
func (p *TxPool) OnBlockchainDec(tipHeight uint32, tipHash crypto.Hash) {
	p.mtx.Lock()
	for _, desc := range p.pool {
		if desc.lastFailedHeight > tipHeight {
			desc.lastFailedHeight = 0
			desc.lastFailedHash = crypto.Hash{}
		}
	}
	p.mtx.Unlock()
	p.flushNotifications()
}

// revalidateNear re-checks pooled transactions whose validation context
// reaches into the reward window below the new tip.
func (p *TxPool) revalidateNear(tipHeight uint32) {
	var floor uint32
	if window := p.currency.RewardBlocksWindow; tipHeight > window {
		floor = tipHeight - window
	}

	p.mtx.Lock()
	candidates := make([]*txDesc, 0)
	for _, desc := range p.pool {
		if desc.maxUsedHeight >= floor {
			candidates = append(candidates, desc)
		}
	}
	p.mtx.Unlock()

	for _, desc := range candidates {
		maxUsedHeight, err := p.chain.CheckTransactionInputs(desc.tx, tipHeight+1)
		p.mtx.Lock()
		if _, still := p.pool[desc.hash]; still {
			if err != nil {
				desc.lastFailedHeight = tipHeight
				desc.lastFailedHash, _ = p.chain.BlockHashAtHeight(tipHeight)
				log.Debugf("Transaction %s no longer validates: %s", desc.hash, err)
			} else {
				desc.maxUsedHeight = maxUsedHeight
				desc.maxUsedHash, _ = p.chain.BlockHashAtHeight(maxUsedHeight)
				desc.lastFailedHeight = 0
				desc.lastFailedHash = crypto.Hash{}
			}
		}
		p.mtx.Unlock()
	}
}

// evictExpired drops transactions past their live time. A transaction at
// exactly its deadline is retained.
func (p *TxPool) evictExpired() {
	now := p.timeSource.Now().Unix()
	p.mtx.Lock()
	for _, desc := range p.pool {
		deadline := desc.receiveTime + int64(p.txLiveTime/time.Second)
		if desc.keptByBlock {
			deadline = desc.receiveTime + int64(p.keptByBlockTxLiveTime/time.Second)
		}
		if deadline < now {
			log.Infof("Evicting expired transaction %s (pooled %d seconds)",
				desc.hash, now-desc.receiveTime)
			p.removeLocked(desc)
		}
	}
	p.mtx.Unlock()
}

// Close persists the pool state.
func (p *TxPool) Close() error {
	if p.dataDir == "" {
		return nil
	}
	return p.saveState()
}
