package blockchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// storeRecord builds a minimal but serializable record chained onto prev.
func storeRecord(height uint32, prev crypto.Hash) *wire.BlockRecord {
	base := wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version:    wire.TxVersion1,
			UnlockTime: wire.UnlockTimeFromHeight(height + 10),
			Inputs:     []wire.TxInput{&wire.BaseInput{BlockHeight: height}},
			Outputs: []wire.TxOutput{{
				Amount: uint64(height) + 1,
				Target: &wire.KeyOutput{Key: testPayoutKey},
			}},
			Extra: wire.AppendPublicKeyToExtra(nil, testPayoutKey),
		},
	}
	return &wire.BlockRecord{
		Block: wire.Block{
			MajorVersion:      1,
			Timestamp:         1000 + uint64(height),
			PreviousBlockHash: prev,
			Nonce:             height,
			BaseTransaction:   base,
		},
		Height:                height,
		CumulativeDifficulty:  uint64(height) + 1,
		CumulativeSize:        uint64(base.SerializeSize()),
		AlreadyGeneratedCoins: uint64(height) * 100,
		Transactions: []wire.TransactionEntry{{
			Transaction:         base,
			GlobalOutputIndexes: []uint32{height},
		}},
	}
}

func pushChain(t *testing.T, s *blockStore, n int) []crypto.Hash {
	t.Helper()
	hashes := make([]crypto.Hash, 0, n)
	var prev crypto.Hash
	for h := uint32(0); h < uint32(n); h++ {
		rec := storeRecord(h, prev)
		if err := s.push(rec); err != nil {
			t.Fatalf("push at height %d: %v", h, err)
		}
		prev = rec.Block.BlockHash()
		hashes = append(hashes, prev)
	}
	return hashes
}

func TestBlockStoreBasics(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("openBlockStore: %v", err)
	}
	defer s.close()

	if !s.empty() || s.size() != 0 {
		t.Fatal("fresh store is not empty")
	}
	if s.tip() != nil {
		t.Fatal("fresh store has a tip")
	}

	hashes := pushChain(t, s, 3)
	if s.size() != 3 || s.empty() {
		t.Fatalf("size %d after three pushes, expected 3", s.size())
	}
	if tip := s.tip(); tip.Height != 2 {
		t.Fatalf("tip height %d, expected 2", tip.Height)
	}
	rec, ok := s.get(1)
	if !ok || rec.Block.BlockHash() != hashes[1] {
		t.Fatal("get(1) did not return the pushed record")
	}
	if _, ok := s.get(3); ok {
		t.Fatal("get beyond the tip succeeded")
	}
	if height, ok := s.heightByHash(hashes[2]); !ok || height != 2 {
		t.Fatalf("heightByHash %d/%v, expected 2", height, ok)
	}
	if _, ok := s.getByHash(crypto.HashData([]byte("missing"))); ok {
		t.Fatal("getByHash resolved an unknown hash")
	}

	// Pushing at the wrong height is refused.
	if err := s.push(storeRecord(5, hashes[2])); err == nil {
		t.Fatal("push with a height gap succeeded")
	}

	popped, err := s.pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if popped.Height != 2 {
		t.Fatalf("popped height %d, expected 2", popped.Height)
	}
	if s.size() != 2 {
		t.Fatalf("size %d after pop, expected 2", s.size())
	}
	if _, ok := s.heightByHash(hashes[2]); ok {
		t.Fatal("popped block still resolvable by hash")
	}
}

func TestBlockStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("openBlockStore: %v", err)
	}
	hashes := pushChain(t, s, 3)
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The offset index fast path.
	s2, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.size() != 3 {
		t.Fatalf("reopened size %d, expected 3", s2.size())
	}
	for h, hash := range hashes {
		rec, ok := s2.get(uint32(h))
		if !ok || rec.Block.BlockHash() != hash {
			t.Fatalf("record at height %d did not survive reopen", h)
		}
	}
	if err := s2.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Without the index file the store rebuilds it by scanning.
	if err := os.Remove(filepath.Join(dir, blockIndexesName)); err != nil {
		t.Fatalf("removing index: %v", err)
	}
	s3, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen without index: %v", err)
	}
	defer s3.close()
	if s3.size() != 3 {
		t.Fatalf("rescanned size %d, expected 3", s3.size())
	}
	if _, err := os.Stat(filepath.Join(dir, blockIndexesName)); err != nil {
		t.Fatalf("offset index was not rewritten: %v", err)
	}
}

func TestBlockStoreTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("openBlockStore: %v", err)
	}
	hashes := pushChain(t, s, 3)
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dataPath := filepath.Join(dir, blocksFileName)
	info, err := os.Stat(dataPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(dataPath, info.Size()-4); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	s2, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer s2.close()
	if s2.size() != 2 {
		t.Fatalf("size %d after torn tail, expected 2", s2.size())
	}
	if tip := s2.tip(); tip.Block.BlockHash() != hashes[1] {
		t.Fatal("tip after truncation is not the second record")
	}
	// The partial record must be gone from the file too.
	if err := s2.push(storeRecord(2, hashes[1])); err != nil {
		t.Fatalf("push after truncation: %v", err)
	}
}

func TestBlockStoreReplace(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("openBlockStore: %v", err)
	}
	hashes := pushChain(t, s, 3)

	rec, _ := s.get(1)
	repaired := *rec
	repaired.Transactions = append([]wire.TransactionEntry(nil), rec.Transactions...)
	repaired.Transactions[0].GlobalOutputIndexes = []uint32{7}
	if err := s.replace(1, &repaired); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// A replacement must keep the block identity.
	other := storeRecord(1, hashes[0])
	other.Block.Nonce = 0xdead
	if err := s.replace(1, other); err == nil {
		t.Fatal("replace accepted a different block")
	}
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.close()
	if s2.size() != 3 {
		t.Fatalf("size %d after replace and reopen, expected 3", s2.size())
	}
	got, _ := s2.get(1)
	if len(got.Transactions[0].GlobalOutputIndexes) != 1 || got.Transactions[0].GlobalOutputIndexes[0] != 7 {
		t.Fatalf("replaced record did not persist: %v", got.Transactions[0].GlobalOutputIndexes)
	}
	if tip := s2.tip(); tip.Block.BlockHash() != hashes[2] {
		t.Fatal("records past the replacement were damaged")
	}
}

func TestBlockStoreOpenInterrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("openBlockStore: %v", err)
	}
	pushChain(t, s, 2)
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := openBlockStore(dir, func() bool { return true }); err == nil {
		t.Fatal("interrupted open succeeded")
	}
}
