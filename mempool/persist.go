package mempool

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

const (
	poolStateName    = "poolstate.bin"
	poolStateVersion = 1
)

// saveState writes every pooled descriptor to poolstate.bin so the pool
// survives a restart. The write goes through a temporary file and a rename.
func (p *TxPool) saveState() error {
	p.mtx.Lock()
	descs := make([]*txDesc, 0, len(p.pool))
	for _, desc := range p.pool {
		descs = append(descs, desc)
	}
	p.mtx.Unlock()

	path := filepath.Join(p.dataDir, poolStateName)
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	w := bufio.NewWriter(file)

	writeErr := func() error {
		if err := w.WriteByte(poolStateVersion); err != nil {
			return errors.WithStack(err)
		}
		if err := wire.WriteVarUint(w, uint64(len(descs))); err != nil {
			return err
		}
		for _, desc := range descs {
			if err := writeDesc(w, desc); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(file.Sync())
	}()
	if closeErr := file.Close(); writeErr == nil && closeErr != nil {
		writeErr = errors.WithStack(closeErr)
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return writeErr
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %s", tmpPath)
	}
	log.Debugf("Saved %d pooled transactions to %s", len(descs), path)
	return nil
}

// loadState restores descriptors persisted by a previous run. A missing
// file is a clean start; a malformed one is reported and discarded.
func (p *TxPool) loadState() error {
	path := filepath.Join(p.dataDir, poolStateName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	version, err := r.ReadByte()
	if err != nil {
		return errors.WithStack(err)
	}
	if version != poolStateVersion {
		return errors.Errorf("unsupported pool state version %d", version)
	}
	count, err := wire.ReadVarUint(r)
	if err != nil {
		return err
	}

	loaded := 0
	for i := uint64(0); i < count; i++ {
		desc, err := readDesc(r)
		if err != nil {
			return errors.Wrapf(err, "pool state entry %d", i)
		}
		p.mtx.Lock()
		if _, exists := p.pool[desc.hash]; !exists {
			p.insertLocked(desc)
			loaded++
		}
		p.mtx.Unlock()
	}
	// Restored entries predate this process; their notifications are noise.
	p.mtx.Lock()
	p.pendingNotifications = nil
	p.mtx.Unlock()

	log.Infof("Loaded %d pooled transactions from %s", loaded, path)
	return nil
}

func writeDesc(w io.Writer, desc *txDesc) error {
	if err := desc.tx.Serialize(w); err != nil {
		return err
	}
	if _, err := w.Write(desc.hash[:]); err != nil {
		return errors.WithStack(err)
	}
	if err := wire.WriteVarUint(w, desc.blobSize); err != nil {
		return err
	}
	if err := wire.WriteVarUint(w, desc.fee); err != nil {
		return err
	}
	kept := byte(0)
	if desc.keptByBlock {
		kept = 1
	}
	if _, err := w.Write([]byte{kept}); err != nil {
		return errors.WithStack(err)
	}
	if err := wire.WriteVarUint(w, uint64(desc.receiveTime)); err != nil {
		return err
	}
	if err := writeValidationContext(w, desc.maxUsedHeight, desc.maxUsedHash); err != nil {
		return err
	}
	return writeValidationContext(w, desc.lastFailedHeight, desc.lastFailedHash)
}

func readDesc(r io.Reader) (*txDesc, error) {
	tx := &wire.Transaction{}
	if err := tx.Deserialize(r); err != nil {
		return nil, err
	}
	desc := &txDesc{tx: tx}
	if _, err := io.ReadFull(r, desc.hash[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	if desc.hash != tx.TxHash() {
		return nil, errors.Errorf("stored hash %s does not match transaction %s",
			desc.hash, tx.TxHash())
	}
	var err error
	if desc.blobSize, err = wire.ReadVarUint(r); err != nil {
		return nil, err
	}
	if desc.fee, err = wire.ReadVarUint(r); err != nil {
		return nil, err
	}
	var kept [1]byte
	if _, err := io.ReadFull(r, kept[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	desc.keptByBlock = kept[0] != 0
	receiveTime, err := wire.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	desc.receiveTime = int64(receiveTime)
	if desc.maxUsedHeight, desc.maxUsedHash, err = readValidationContext(r); err != nil {
		return nil, err
	}
	if desc.lastFailedHeight, desc.lastFailedHash, err = readValidationContext(r); err != nil {
		return nil, err
	}
	return desc, nil
}

func writeValidationContext(w io.Writer, height uint32, hash crypto.Hash) error {
	if err := wire.WriteVarUint(w, uint64(height)); err != nil {
		return err
	}
	_, err := w.Write(hash[:])
	return errors.WithStack(err)
}

func readValidationContext(r io.Reader) (uint32, crypto.Hash, error) {
	var hash crypto.Hash
	height, err := wire.ReadVarUint(r)
	if err != nil {
		return 0, hash, err
	}
	if height > uint64(wire.MaxBlockNumber) {
		return 0, hash, errors.Errorf("stored height %d exceeds the maximum block number", height)
	}
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return 0, hash, errors.WithStack(err)
	}
	return uint32(height), hash, nil
}
