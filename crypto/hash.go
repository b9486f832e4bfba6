package crypto

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// HashSize is the length in bytes of Hash, PublicKey, SecretKey and
// KeyImage.
const HashSize = 32

// SignatureSize is the length in bytes of a single ring member signature.
const SignatureSize = 64

// Hash is a 32-byte Keccak-256 digest. Equality and ordering are bytewise.
type Hash [HashSize]byte

// PublicKey is a 32-byte compressed curve point.
type PublicKey [HashSize]byte

// SecretKey is a 32-byte scalar.
type SecretKey [HashSize]byte

// KeyImage is the unique fingerprint of a spent key output.
type KeyImage [HashSize]byte

// Signature is a single ring member signature.
type Signature [SignatureSize]byte

// MaxHashStringSize is the maximum length of a Hash hash string.
const MaxHashStringSize = HashSize * 2

// ErrHashStrSize describes an error that indicates the caller specified a
// hash string that has too many characters.
var ErrHashStrSize = errors.Errorf("max hash string length is %d bytes", MaxHashStringSize)

// String returns the Hash as the hexadecimal string of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsEqual returns true if target is the same as hash.
func (h *Hash) IsEqual(target *Hash) bool {
	if h == nil && target == nil {
		return true
	}
	if h == nil || target == nil {
		return false
	}
	return *h == *target
}

// IsZero returns true if the hash is all zeroes.
func (h *Hash) IsZero() bool {
	return *h == Hash{}
}

// SetBytes sets the bytes which represent the hash. An error is returned if
// the number of bytes passed in is not HashSize.
func (h *Hash) SetBytes(newHash []byte) error {
	if len(newHash) != HashSize {
		return errors.Errorf("invalid hash length of %d, want %d", len(newHash), HashSize)
	}
	copy(h[:], newHash)
	return nil
}

// NewHashFromStr creates a Hash from a hash string. The string should be
// the hexadecimal string of a byte-ordered hash.
func NewHashFromStr(hash string) (*Hash, error) {
	if len(hash) > MaxHashStringSize {
		return nil, ErrHashStrSize
	}
	buf, err := hex.DecodeString(hash)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hash string %q", hash)
	}
	var ret Hash
	if err := ret.SetBytes(buf); err != nil {
		return nil, err
	}
	return &ret, nil
}

// String returns the KeyImage as a hexadecimal string.
func (ki KeyImage) String() string {
	return hex.EncodeToString(ki[:])
}

// String returns the PublicKey as a hexadecimal string.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// HashData returns the Keccak-256 digest of b. This is the object hash used
// for transaction and block identifiers throughout the chain.
func HashData(b []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var ret Hash
	copy(ret[:], h.Sum(nil))
	return ret
}

// hashPair hashes the 64-byte concatenation of two hashes.
func hashPair(a, b Hash) Hash {
	var buf [HashSize * 2]byte
	copy(buf[:HashSize], a[:])
	copy(buf[HashSize:], b[:])
	return HashData(buf[:])
}

// TreeHash computes the merkle tree root of the given hashes using the
// CryptoNote tree hash algorithm. It panics on an empty input since a block
// always carries at least its base transaction.
func TreeHash(hashes []Hash) Hash {
	switch len(hashes) {
	case 0:
		panic("TreeHash called with no hashes")
	case 1:
		return hashes[0]
	case 2:
		return hashPair(hashes[0], hashes[1])
	}

	// cnt is the largest power of two strictly less than the input count.
	cnt := 1
	for cnt*2 < len(hashes) {
		cnt *= 2
	}

	ints := make([]Hash, cnt)
	// The first 2*cnt-len(hashes) leaves pass through unhashed so that the
	// remainder pairs up exactly.
	passthrough := 2*cnt - len(hashes)
	copy(ints, hashes[:passthrough])
	for i, j := passthrough, passthrough; i < len(hashes); i, j = i+2, j+1 {
		ints[j] = hashPair(hashes[i], hashes[i+1])
	}

	for cnt > 2 {
		cnt /= 2
		for i := 0; i < cnt; i++ {
			ints[i] = hashPair(ints[2*i], ints[2*i+1])
		}
	}
	return hashPair(ints[0], ints[1])
}
