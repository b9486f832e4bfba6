package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
)

// MaxBlockNumber splits the dual unlock-time semantics: unlock values below
// it are block heights, values at or above it are Unix timestamps.
const MaxBlockNumber = 500_000_000

// Serialization sanity bounds. These are codec-level caps that keep a
// malformed length prefix from allocating unbounded memory; consensus size
// rules are enforced separately by the chain engine.
const (
	// MaxTxInCount is the maximum number of inputs a transaction may carry.
	MaxTxInCount = 100_000

	// MaxTxOutCount is the maximum number of outputs a transaction may carry.
	MaxTxOutCount = 100_000

	// MaxRingSize is the maximum number of ring members a key input may
	// reference.
	MaxRingSize = 100_000

	// MaxTxExtraSize is the maximum byte length of a transaction's extra
	// field.
	MaxTxExtraSize = 100_000

	// MaxTxsPerBlock is the maximum number of transaction hashes a block may
	// list.
	MaxTxsPerBlock = 0x10_000_000
)

func writeHash(w io.Writer, h *crypto.Hash) error {
	_, err := w.Write(h[:])
	return errors.WithStack(err)
}

func readHash(r io.Reader, h *crypto.Hash) error {
	_, err := io.ReadFull(r, h[:])
	return errors.WithStack(err)
}

func writeBytes(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return errors.WithStack(err)
}

func readBytes(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return errors.WithStack(err)
}

func writeUint32LE(w io.Writer, n uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	_, err := w.Write(buf[:])
	return errors.WithStack(err)
}

func readUint32LE(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64LE(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return errors.WithStack(err)
}

func readUint64LE(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return errors.WithStack(err)
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, errors.WithStack(err)
	}
	switch buf[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Errorf("invalid bool byte 0x%02x", buf[0])
	}
}
