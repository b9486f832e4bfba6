package crypto

import (
	"math/big"
)

// PowVerifier checks a proof-of-work hash against a difficulty. The hash of
// the block hashing blob is produced by an external slow-hash function and
// handed in by the caller.
type PowVerifier interface {
	// CheckProofOfWork returns true if powHash satisfies the given
	// difficulty.
	CheckProofOfWork(powHash Hash, difficulty uint64) bool
}

// SignatureVerifier checks ring signatures over transaction prefixes. Ring
// signature math is owned by the daemon's crypto module; the chain engine
// treats it as an oracle.
type SignatureVerifier interface {
	// CheckRingSignature returns true if sigs prove that one of pubs signed
	// prefixHash, and that keyImage is the signer's key image.
	CheckRingSignature(prefixHash Hash, keyImage KeyImage, pubs []PublicKey, sigs []Signature) bool
}

// Oracles bundles the injected verification primitives the chain engine and
// the transaction pool consume.
type Oracles struct {
	Pow PowVerifier
	Sig SignatureVerifier
}

var one256 = new(big.Int).Lsh(big.NewInt(1), 256)

// KeccakPow verifies proof of work with the classic CryptoNote no-overflow
// test: the hash, read as a little-endian 256-bit integer, multiplied by
// the difficulty must not overflow 2^256.
type KeccakPow struct{}

// CheckProofOfWork implements PowVerifier.
func (KeccakPow) CheckProofOfWork(powHash Hash, difficulty uint64) bool {
	if difficulty == 0 {
		return false
	}
	// The hash is little-endian on the wire; big.Int wants big-endian.
	var be [HashSize]byte
	for i := 0; i < HashSize; i++ {
		be[i] = powHash[HashSize-1-i]
	}
	product := new(big.Int).SetBytes(be[:])
	product.Mul(product, new(big.Int).SetUint64(difficulty))
	return product.Cmp(one256) < 0
}

// AssumeValidVerifier is a SignatureVerifier that accepts every structurally
// well-formed ring. It marks the boundary where the external crypto module
// plugs in: the daemon wrapper replaces it with the real verifier, and tests
// use it to build chains without signing.
type AssumeValidVerifier struct{}

// CheckRingSignature implements SignatureVerifier.
func (AssumeValidVerifier) CheckRingSignature(_ Hash, _ KeyImage, pubs []PublicKey, sigs []Signature) bool {
	return len(pubs) > 0 && len(pubs) == len(sigs)
}
