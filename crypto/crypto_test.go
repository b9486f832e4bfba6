package crypto

import (
	"testing"
)

func TestHashData(t *testing.T) {
	// Keccak-256, not SHA3-256: the empty-input digest tells them apart.
	got := HashData(nil).String()
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Fatalf("HashData(nil): got %s, want %s", got, want)
	}

	got = HashData([]byte("abc")).String()
	want = "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"
	if got != want {
		t.Fatalf("HashData(abc): got %s, want %s", got, want)
	}
}

func TestNewHashFromStr(t *testing.T) {
	s := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	h, err := NewHashFromStr(s)
	if err != nil {
		t.Fatalf("NewHashFromStr: unexpected error: %v", err)
	}
	if h.String() != s {
		t.Fatalf("round trip: got %s, want %s", h.String(), s)
	}

	if _, err := NewHashFromStr("zz"); err == nil {
		t.Fatal("accepted a non-hex hash string")
	}
	if _, err := NewHashFromStr(s + "00"); err == nil {
		t.Fatal("accepted an overlong hash string")
	}
}

func TestTreeHash(t *testing.T) {
	hashes := make([]Hash, 6)
	for i := range hashes {
		hashes[i][0] = byte(i + 1)
	}

	if TreeHash(hashes[:1]) != hashes[0] {
		t.Fatal("single leaf must hash to itself")
	}
	if TreeHash(hashes[:2]) != hashPair(hashes[0], hashes[1]) {
		t.Fatal("two leaves must hash as one pair")
	}

	// Three leaves: the first passes through, the last two pair up.
	want := hashPair(hashes[0], hashPair(hashes[1], hashes[2]))
	if TreeHash(hashes[:3]) != want {
		t.Fatal("three-leaf tree shape mismatch")
	}

	// Four leaves: two pairs, then the roots pair.
	want = hashPair(hashPair(hashes[0], hashes[1]), hashPair(hashes[2], hashes[3]))
	if TreeHash(hashes[:4]) != want {
		t.Fatal("four-leaf tree shape mismatch")
	}

	// Five leaves: cnt=4, three leaves pass through, the last two pair.
	want = hashPair(
		hashPair(hashes[0], hashes[1]),
		hashPair(hashes[2], hashPair(hashes[3], hashes[4])),
	)
	if TreeHash(hashes[:5]) != want {
		t.Fatal("five-leaf tree shape mismatch")
	}

	// Determinism and leaf sensitivity.
	if TreeHash(hashes) != TreeHash(hashes) {
		t.Fatal("tree hash is not deterministic")
	}
	mutated := make([]Hash, len(hashes))
	copy(mutated, hashes)
	mutated[5][31] ^= 1
	if TreeHash(hashes) == TreeHash(mutated) {
		t.Fatal("tree hash ignores a leaf")
	}
}

func TestKeccakPow(t *testing.T) {
	var pow KeccakPow

	var zero Hash
	if pow.CheckProofOfWork(zero, 0) {
		t.Fatal("difficulty zero must never verify")
	}
	if !pow.CheckProofOfWork(zero, ^uint64(0)) {
		t.Fatal("the zero hash must satisfy any difficulty")
	}

	// The all-ones hash is 2^256-1: it fails every difficulty above 1.
	var ones Hash
	for i := range ones {
		ones[i] = 0xff
	}
	if !pow.CheckProofOfWork(ones, 1) {
		t.Fatal("difficulty one must accept every hash")
	}
	if pow.CheckProofOfWork(ones, 2) {
		t.Fatal("the maximum hash must fail difficulty two")
	}

	// Boundary: hash = 2^255 (little-endian top bit) passes exactly at
	// difficulty 1, fails at 2.
	var half Hash
	half[31] = 0x80
	if !pow.CheckProofOfWork(half, 1) {
		t.Fatal("2^255 must pass difficulty 1")
	}
	if pow.CheckProofOfWork(half, 2) {
		t.Fatal("2^255 must fail difficulty 2")
	}
	// One below 2^255 passes difficulty 2.
	var below Hash
	below[31] = 0x7f
	for i := 0; i < 31; i++ {
		below[i] = 0xff
	}
	if !pow.CheckProofOfWork(below, 2) {
		t.Fatal("2^255-1 must pass difficulty 2")
	}
}

func TestAssumeValidVerifier(t *testing.T) {
	var v AssumeValidVerifier
	pubs := []PublicKey{{1}, {2}}
	sigs := []Signature{{1}, {2}}
	if !v.CheckRingSignature(Hash{}, KeyImage{}, pubs, sigs) {
		t.Fatal("rejected a well-formed ring")
	}
	if v.CheckRingSignature(Hash{}, KeyImage{}, pubs, sigs[:1]) {
		t.Fatal("accepted a ring with a missing signature")
	}
	if v.CheckRingSignature(Hash{}, KeyImage{}, nil, nil) {
		t.Fatal("accepted an empty ring")
	}
}
