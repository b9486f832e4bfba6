package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
)

// Block is a full CryptoNote block: header fields, the base (coinbase)
// transaction, and the hashes of the included transactions.
type Block struct {
	// MajorVersion drives the fork rules for the block.
	MajorVersion uint8

	// MinorVersion carries the upgrade vote.
	MinorVersion uint8

	// Timestamp is the miner-declared Unix creation time.
	Timestamp uint64

	// PreviousBlockHash is the parent block identifier.
	PreviousBlockHash crypto.Hash

	// Nonce is the 32-bit proof-of-work counter. It is the only header
	// field with a fixed-width wire encoding.
	Nonce uint32

	// BaseTransaction pays the block reward plus fees.
	BaseTransaction Transaction

	// TransactionHashes lists the included non-coinbase transactions in
	// order.
	TransactionHashes []crypto.Hash
}

func (b *Block) serializeHeader(w io.Writer) error {
	if err := WriteVarUint(w, uint64(b.MajorVersion)); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(b.MinorVersion)); err != nil {
		return err
	}
	if err := WriteVarUint(w, b.Timestamp); err != nil {
		return err
	}
	if err := writeHash(w, &b.PreviousBlockHash); err != nil {
		return err
	}
	return writeUint32LE(w, b.Nonce)
}

func (b *Block) deserializeHeader(r io.Reader) error {
	major, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if major == 0 || major > 0xff {
		return errors.Errorf("invalid block major version %d", major)
	}
	b.MajorVersion = uint8(major)

	minor, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if minor > 0xff {
		return errors.Errorf("invalid block minor version %d", minor)
	}
	b.MinorVersion = uint8(minor)

	b.Timestamp, err = ReadVarUint(r)
	if err != nil {
		return err
	}
	if err := readHash(r, &b.PreviousBlockHash); err != nil {
		return err
	}
	b.Nonce, err = readUint32LE(r)
	return err
}

func (b *Block) headerSerializeSize() int {
	return VarUintSerializeSize(uint64(b.MajorVersion)) +
		VarUintSerializeSize(uint64(b.MinorVersion)) +
		VarUintSerializeSize(b.Timestamp) +
		crypto.HashSize + 4
}

// Serialize encodes the block to w.
func (b *Block) Serialize(w io.Writer) error {
	if err := b.serializeHeader(w); err != nil {
		return err
	}
	if err := b.BaseTransaction.Serialize(w); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(len(b.TransactionHashes))); err != nil {
		return err
	}
	for i := range b.TransactionHashes {
		if err := writeHash(w, &b.TransactionHashes[i]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize decodes a block from r.
func (b *Block) Deserialize(r io.Reader) error {
	if err := b.deserializeHeader(r); err != nil {
		return err
	}
	if err := b.BaseTransaction.Deserialize(r); err != nil {
		return err
	}
	count, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if count > MaxTxsPerBlock {
		return errors.Errorf("block lists %d transactions, exceeding the maximum of %d", count, MaxTxsPerBlock)
	}
	b.TransactionHashes = make([]crypto.Hash, count)
	for i := range b.TransactionHashes {
		if err := readHash(r, &b.TransactionHashes[i]); err != nil {
			return err
		}
	}
	if len(b.TransactionHashes) == 0 {
		b.TransactionHashes = nil
	}
	return nil
}

// SerializeSize returns the encoded length of the block.
func (b *Block) SerializeSize() int {
	return b.headerSerializeSize() +
		b.BaseTransaction.SerializeSize() +
		VarUintSerializeSize(uint64(len(b.TransactionHashes))) +
		len(b.TransactionHashes)*crypto.HashSize
}

// Bytes returns the serialized block.
func (b *Block) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(b.SerializeSize())
	if err := b.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MerkleRoot computes the tree hash over the base transaction and the
// listed transaction hashes.
func (b *Block) MerkleRoot() crypto.Hash {
	hashes := make([]crypto.Hash, 0, len(b.TransactionHashes)+1)
	hashes = append(hashes, b.BaseTransaction.TxHash())
	hashes = append(hashes, b.TransactionHashes...)
	return crypto.TreeHash(hashes)
}

// HashingBlob builds the byte string both the block identifier and the
// proof-of-work hash commit to: the header, the merkle root, and the total
// transaction count.
func (b *Block) HashingBlob() []byte {
	var buf bytes.Buffer
	if err := b.serializeHeader(&buf); err != nil {
		panic(err)
	}
	root := b.MerkleRoot()
	buf.Write(root[:])
	if err := WriteVarUint(&buf, uint64(len(b.TransactionHashes)+1)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BlockHash computes the block identifier: the Keccak-256 digest of the
// length-prefixed hashing blob.
func (b *Block) BlockHash() crypto.Hash {
	blob := b.HashingBlob()
	var buf bytes.Buffer
	if err := WriteVarUint(&buf, uint64(len(blob))); err != nil {
		panic(err)
	}
	buf.Write(blob)
	return crypto.HashData(buf.Bytes())
}
