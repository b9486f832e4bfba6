package blockchain

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

const (
	blocksFileName      = "blocks.dat"
	blockIndexesName    = "blockindexes.dat"
	indexHeaderSize     = 4 // u32 record count
	indexEntrySize      = 8 // u64 offset into blocks.dat
	storeRebuildLogStep = 1000
)

// blockStore is the append-only main-chain log: every committed BlockRecord
// concatenated into blocks.dat, with a companion offset index in
// blockindexes.dat. The full record sequence is also held in memory; the
// files exist so the chain survives a restart.
type blockStore struct {
	dir      string
	dataFile *os.File

	records []*wire.BlockRecord
	offsets []int64
	byHash  map[crypto.Hash]uint32
}

// openBlockStore opens (or creates) the store under dir. The offset index
// is verified against the data file and rebuilt by a sequential scan when
// inconsistent. interrupt is polled during the scan; a true value aborts
// the open.
func openBlockStore(dir string, interrupt func() bool) (*blockStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", dir)
	}
	dataPath := filepath.Join(dir, blocksFileName)
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dataPath)
	}

	s := &blockStore{
		dir:      dir,
		dataFile: dataFile,
		byHash:   make(map[crypto.Hash]uint32),
	}

	offsets, indexOK := s.loadOffsetIndex()
	indexDirty, err := s.loadRecords(offsets, indexOK, interrupt)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}
	if !indexOK || indexDirty {
		if err := s.writeOffsetIndex(); err != nil {
			_ = dataFile.Close()
			return nil, err
		}
	}
	return s, nil
}

// loadOffsetIndex reads blockindexes.dat. The second return is false when
// the file is missing, malformed, or inconsistent with blocks.dat.
func (s *blockStore) loadOffsetIndex() ([]int64, bool) {
	indexPath := filepath.Join(s.dir, blockIndexesName)
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, false
	}
	if len(raw) < indexHeaderSize {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(raw[:indexHeaderSize])
	if len(raw) != indexHeaderSize+int(count)*indexEntrySize {
		return nil, false
	}
	dataSize, err := s.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, false
	}
	offsets := make([]int64, count)
	prev := int64(-1)
	for i := range offsets {
		off := int64(binary.LittleEndian.Uint64(raw[indexHeaderSize+i*indexEntrySize:]))
		if off <= prev || off >= dataSize {
			return nil, false
		}
		offsets[i] = off
		prev = off
	}
	if count > 0 && offsets[0] != 0 {
		return nil, false
	}
	return offsets, true
}

// loadRecords decodes every record from blocks.dat. When the offset index
// was consistent it is trusted for the record boundaries; otherwise the
// file is scanned sequentially and truncated past the first decode error,
// since a torn tail write is the expected crash artifact.
func (s *blockStore) loadRecords(offsets []int64, indexOK bool, interrupt func() bool) (indexDirty bool, err error) {
	if _, err := s.dataFile.Seek(0, io.SeekStart); err != nil {
		return false, errors.WithStack(err)
	}
	reader := bufio.NewReaderSize(s.dataFile, 1<<20)
	counting := &countingReader{r: reader}

	if !indexOK {
		log.Infof("Block offset index is missing or inconsistent; scanning %s", blocksFileName)
	}

	var validEnd int64
	for {
		if interrupt != nil && interrupt() {
			return false, errors.New("block store open interrupted")
		}
		rec := &wire.BlockRecord{}
		start := counting.n
		err := rec.Deserialize(counting)
		if err != nil {
			if errors.Cause(err) == io.EOF && start == counting.n {
				break // clean end of file
			}
			log.Warnf("Truncating %s at offset %d: %s", blocksFileName, start, err)
			indexDirty = true
			break
		}
		if indexOK && !indexDirty {
			if len(s.offsets) >= len(offsets) || offsets[len(s.offsets)] != start {
				// A crash between the data append and the index rewrite
				// leaves the index one record short. Rebuild it from the
				// scan instead of refusing to open.
				log.Warnf("Block offset index disagrees with data file at record %d; rebuilding", len(s.offsets))
				indexDirty = true
			}
		}
		s.appendInMemory(rec, start)
		validEnd = counting.n
		if len(s.records)%storeRebuildLogStep == 0 {
			log.Debugf("Loaded %d block records", len(s.records))
		}
	}

	if indexOK && !indexDirty && len(s.records) != len(offsets) {
		log.Warnf("Block offset index lists %d records, data file holds %d; rebuilding", len(offsets), len(s.records))
		indexDirty = true
	}
	if err := s.dataFile.Truncate(validEnd); err != nil {
		return false, errors.WithStack(err)
	}
	log.Infof("Block store opened with %d blocks", len(s.records))
	return indexDirty, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *blockStore) appendInMemory(rec *wire.BlockRecord, offset int64) {
	s.byHash[rec.Block.BlockHash()] = uint32(len(s.records))
	s.records = append(s.records, rec)
	s.offsets = append(s.offsets, offset)
}

// writeOffsetIndex rewrites blockindexes.dat from the in-memory offsets.
func (s *blockStore) writeOffsetIndex() error {
	buf := make([]byte, indexHeaderSize+len(s.offsets)*indexEntrySize)
	binary.LittleEndian.PutUint32(buf[:indexHeaderSize], uint32(len(s.offsets)))
	for i, off := range s.offsets {
		binary.LittleEndian.PutUint64(buf[indexHeaderSize+i*indexEntrySize:], uint64(off))
	}
	indexPath := filepath.Join(s.dir, blockIndexesName)
	if err := os.WriteFile(indexPath, buf, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", indexPath)
	}
	return nil
}

// size returns the number of stored blocks; the next height to push.
func (s *blockStore) size() uint32 {
	return uint32(len(s.records))
}

// empty returns true when no blocks are stored.
func (s *blockStore) empty() bool {
	return len(s.records) == 0
}

// get returns the record at the given height.
func (s *blockStore) get(height uint32) (*wire.BlockRecord, bool) {
	if uint64(height) >= uint64(len(s.records)) {
		return nil, false
	}
	return s.records[height], true
}

// getByHash returns the record with the given block hash.
func (s *blockStore) getByHash(hash crypto.Hash) (*wire.BlockRecord, bool) {
	height, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	return s.records[height], true
}

// heightByHash returns the height of the block with the given hash.
func (s *blockStore) heightByHash(hash crypto.Hash) (uint32, bool) {
	height, ok := s.byHash[hash]
	return height, ok
}

// tip returns the record at the greatest height.
func (s *blockStore) tip() *wire.BlockRecord {
	if len(s.records) == 0 {
		return nil
	}
	return s.records[len(s.records)-1]
}

// push appends a record, flushing it to disk before the in-memory state
// advances.
func (s *blockStore) push(rec *wire.BlockRecord) error {
	if rec.Height != s.size() {
		return errors.Errorf("pushing record at height %d, store holds %d blocks", rec.Height, s.size())
	}
	offset, err := s.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.WithStack(err)
	}

	var buf bytes.Buffer
	buf.Grow(rec.SerializeSize())
	if err := rec.Serialize(&buf); err != nil {
		return err
	}
	if _, err := s.dataFile.Write(buf.Bytes()); err != nil {
		// Trim any partial write so the data file stays decodable.
		_ = s.dataFile.Truncate(offset)
		return errors.Wrap(err, "failed to append block record")
	}
	if err := s.dataFile.Sync(); err != nil {
		_ = s.dataFile.Truncate(offset)
		return errors.Wrap(err, "failed to flush block record")
	}

	s.appendInMemory(rec, offset)
	if err := s.writeOffsetIndex(); err != nil {
		return err
	}
	return nil
}

// pop removes and returns the tip record, truncating the data file.
func (s *blockStore) pop() (*wire.BlockRecord, error) {
	if len(s.records) == 0 {
		return nil, errors.New("pop on an empty block store")
	}
	last := len(s.records) - 1
	rec := s.records[last]
	if err := s.dataFile.Truncate(s.offsets[last]); err != nil {
		return nil, errors.Wrap(err, "failed to truncate block data file")
	}
	delete(s.byHash, rec.Block.BlockHash())
	s.records = s.records[:last]
	s.offsets = s.offsets[:last]
	if err := s.writeOffsetIndex(); err != nil {
		return nil, err
	}
	return rec, nil
}

// replace swaps the record at the given height. It is used only during
// cache rebuild, where re-derived chain context (difficulty, coin and size
// sums) is written back into records decoded from disk. The data file is
// rewritten from the replaced height through the tip.
func (s *blockStore) replace(height uint32, rec *wire.BlockRecord) error {
	if uint64(height) >= uint64(len(s.records)) {
		return errors.Errorf("replace at height %d, store holds %d blocks", height, s.size())
	}
	old := s.records[height]
	if old.Block.BlockHash() != rec.Block.BlockHash() {
		return errors.New("replace must keep the block identity")
	}
	s.records[height] = rec

	if err := s.dataFile.Truncate(s.offsets[height]); err != nil {
		return errors.Wrap(err, "failed to truncate block data file for replace")
	}
	if _, err := s.dataFile.Seek(s.offsets[height], io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	writer := bufio.NewWriterSize(s.dataFile, 1<<20)
	offset := s.offsets[height]
	for h := int(height); h < len(s.records); h++ {
		s.offsets[h] = offset
		size := s.records[h].SerializeSize()
		if err := s.records[h].Serialize(writer); err != nil {
			return err
		}
		offset += int64(size)
	}
	if err := writer.Flush(); err != nil {
		return errors.WithStack(err)
	}
	if err := s.dataFile.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return s.writeOffsetIndex()
}

// close releases the underlying file.
func (s *blockStore) close() error {
	return errors.WithStack(s.dataFile.Close())
}
