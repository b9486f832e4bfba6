package blockchain

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// explorerIndexes are the optional auxiliary indices consumed by block
// explorers: payment id lookups, timestamp range queries and per-height
// generated transaction counts. They are maintained only when the engine
// is configured with EnableExplorerIndices.
type explorerIndexes struct {
	paymentIDs      map[crypto.Hash][]crypto.Hash
	blockTimestamps []timestampEntry // ascending by height; timestamps may interleave
	txCountByHeight []uint64         // cumulative, entry h covers blocks 0..h
}

type timestampEntry struct {
	Timestamp uint64
	Hash      crypto.Hash
}

func newExplorerIndexes() *explorerIndexes {
	return &explorerIndexes{paymentIDs: make(map[crypto.Hash][]crypto.Hash)}
}

func (e *explorerIndexes) pushBlock(block *wire.Block, hash crypto.Hash, txs []wire.TransactionEntry) error {
	var prev uint64
	if len(e.txCountByHeight) > 0 {
		prev = e.txCountByHeight[len(e.txCountByHeight)-1]
	}
	e.txCountByHeight = append(e.txCountByHeight, prev+uint64(len(txs)))
	e.blockTimestamps = append(e.blockTimestamps, timestampEntry{Timestamp: block.Timestamp, Hash: hash})

	for i := range txs {
		tx := &txs[i].Transaction
		fields, err := wire.ParseExtra(tx.Extra)
		if err != nil {
			// Extra blobs were validated on admission; a parse failure here
			// is an index bug, not bad data.
			return errors.Wrap(err, "explorer index failed to parse tx extra")
		}
		if fields.PaymentID != nil {
			pid := *fields.PaymentID
			e.paymentIDs[pid] = append(e.paymentIDs[pid], tx.TxHash())
		}
	}
	return nil
}

func (e *explorerIndexes) popBlock(block *wire.Block, hash crypto.Hash, txs []wire.TransactionEntry) error {
	if len(e.txCountByHeight) == 0 {
		return errors.New("explorer index is empty on pop")
	}
	e.txCountByHeight = e.txCountByHeight[:len(e.txCountByHeight)-1]

	if len(e.blockTimestamps) == 0 || e.blockTimestamps[len(e.blockTimestamps)-1].Hash != hash {
		return errors.New("explorer timestamp index tail does not match popped block")
	}
	e.blockTimestamps = e.blockTimestamps[:len(e.blockTimestamps)-1]

	for i := len(txs) - 1; i >= 0; i-- {
		tx := &txs[i].Transaction
		fields, err := wire.ParseExtra(tx.Extra)
		if err != nil {
			return errors.Wrap(err, "explorer index failed to parse tx extra")
		}
		if fields.PaymentID == nil {
			continue
		}
		pid := *fields.PaymentID
		hashes := e.paymentIDs[pid]
		if len(hashes) == 0 {
			return errors.Errorf("payment id %s has no entries on pop", pid)
		}
		if len(hashes) == 1 {
			delete(e.paymentIDs, pid)
		} else {
			e.paymentIDs[pid] = hashes[:len(hashes)-1]
		}
	}
	return nil
}

// transactionsByPaymentID returns the hashes of main-chain transactions
// carrying the given payment id, oldest first.
func (e *explorerIndexes) transactionsByPaymentID(paymentID crypto.Hash) []crypto.Hash {
	hashes := e.paymentIDs[paymentID]
	out := make([]crypto.Hash, len(hashes))
	copy(out, hashes)
	return out
}

// blocksByTimestamp returns the hashes of blocks whose timestamps fall in
// [begin, end], capped at limit.
func (e *explorerIndexes) blocksByTimestamp(begin, end uint64, limit int) []crypto.Hash {
	// Heights and timestamps are only loosely ordered; binary-search for a
	// conservative lower bound, then scan.
	start := sort.Search(len(e.blockTimestamps), func(i int) bool {
		return e.blockTimestamps[i].Timestamp >= begin
	})
	// Timestamps may dip below begin after start because miners control
	// them within the median window; rewind to be safe.
	for start > 0 && e.blockTimestamps[start-1].Timestamp >= begin {
		start--
	}
	var out []crypto.Hash
	for i := start; i < len(e.blockTimestamps) && len(out) < limit; i++ {
		ts := e.blockTimestamps[i].Timestamp
		if ts >= begin && ts <= end {
			out = append(out, e.blockTimestamps[i].Hash)
		}
	}
	return out
}

// generatedTransactionsCount returns the cumulative number of transactions
// committed through the given height.
func (e *explorerIndexes) generatedTransactionsCount(height uint32) uint64 {
	if len(e.txCountByHeight) == 0 {
		return 0
	}
	if uint64(height) >= uint64(len(e.txCountByHeight)) {
		height = uint32(len(e.txCountByHeight) - 1)
	}
	return e.txCountByHeight[height]
}
