package wire

import (
	"io"

	"github.com/pkg/errors"
)

// TransactionEntry is a transaction body resolved into a block record,
// together with the global output index assigned to each of its outputs.
type TransactionEntry struct {
	Transaction         Transaction
	GlobalOutputIndexes []uint32
}

// BlockRecord is the stored form of a committed block: the block itself
// plus the chain context it was committed with. Transactions[0] is always
// the base transaction.
type BlockRecord struct {
	Block                 Block
	Height                uint32
	CumulativeDifficulty  uint64
	CumulativeSize        uint64
	AlreadyGeneratedCoins uint64
	Transactions          []TransactionEntry
}

// Serialize encodes the record to w.
func (rec *BlockRecord) Serialize(w io.Writer) error {
	if err := rec.Block.Serialize(w); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(rec.Height)); err != nil {
		return err
	}
	if err := WriteVarUint(w, rec.CumulativeDifficulty); err != nil {
		return err
	}
	if err := WriteVarUint(w, rec.CumulativeSize); err != nil {
		return err
	}
	if err := WriteVarUint(w, rec.AlreadyGeneratedCoins); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(len(rec.Transactions))); err != nil {
		return err
	}
	for i := range rec.Transactions {
		entry := &rec.Transactions[i]
		if err := entry.Transaction.Serialize(w); err != nil {
			return err
		}
		if err := WriteVarUint(w, uint64(len(entry.GlobalOutputIndexes))); err != nil {
			return err
		}
		for _, idx := range entry.GlobalOutputIndexes {
			if err := WriteVarUint(w, uint64(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deserialize decodes a record from r.
func (rec *BlockRecord) Deserialize(r io.Reader) error {
	if err := rec.Block.Deserialize(r); err != nil {
		return err
	}
	height, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if height > MaxBlockNumber {
		return errors.Errorf("block record height %d exceeds the maximum block number", height)
	}
	rec.Height = uint32(height)

	if rec.CumulativeDifficulty, err = ReadVarUint(r); err != nil {
		return err
	}
	if rec.CumulativeSize, err = ReadVarUint(r); err != nil {
		return err
	}
	if rec.AlreadyGeneratedCoins, err = ReadVarUint(r); err != nil {
		return err
	}

	count, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("block record carries no transactions")
	}
	if count > MaxTxsPerBlock {
		return errors.Errorf("block record lists %d transactions, exceeding the maximum", count)
	}
	rec.Transactions = make([]TransactionEntry, count)
	for i := range rec.Transactions {
		entry := &rec.Transactions[i]
		if err := entry.Transaction.Deserialize(r); err != nil {
			return err
		}
		idxCount, err := ReadVarUint(r)
		if err != nil {
			return err
		}
		if idxCount > MaxTxOutCount {
			return errors.Errorf("block record transaction lists %d output indexes, exceeding the maximum", idxCount)
		}
		if idxCount > 0 {
			entry.GlobalOutputIndexes = make([]uint32, idxCount)
			for j := range entry.GlobalOutputIndexes {
				idx, err := ReadVarUint(r)
				if err != nil {
					return err
				}
				if idx > 0xffffffff {
					return errors.New("block record output index overflows 32 bits")
				}
				entry.GlobalOutputIndexes[j] = uint32(idx)
			}
		}
	}
	return nil
}

// SerializeSize returns the encoded length of the record.
func (rec *BlockRecord) SerializeSize() int {
	size := rec.Block.SerializeSize() +
		VarUintSerializeSize(uint64(rec.Height)) +
		VarUintSerializeSize(rec.CumulativeDifficulty) +
		VarUintSerializeSize(rec.CumulativeSize) +
		VarUintSerializeSize(rec.AlreadyGeneratedCoins) +
		VarUintSerializeSize(uint64(len(rec.Transactions)))
	for i := range rec.Transactions {
		entry := &rec.Transactions[i]
		size += entry.Transaction.SerializeSize()
		size += VarUintSerializeSize(uint64(len(entry.GlobalOutputIndexes)))
		for _, idx := range entry.GlobalOutputIndexes {
			size += VarUintSerializeSize(uint64(idx))
		}
	}
	return size
}
