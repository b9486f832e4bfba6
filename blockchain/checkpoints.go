package blockchain

import (
	"fmt"

	"github.com/syfer-network/syferd/crypto"
)

// isInCheckpointZone returns true when the height lies at or below the
// currency's last hard checkpoint.
func (b *Blockchain) isInCheckpointZone(height uint32) bool {
	last := b.currency.LastCheckpointHeight()
	return last > 0 && height <= last
}

// checkCheckpoint verifies a main-chain block against the checkpoint table.
// Heights without a checkpoint entry always pass; a matching entry lets
// the caller skip the proof-of-work check.
func (b *Blockchain) checkCheckpoint(height uint32, hash crypto.Hash) (isCheckpoint bool, err error) {
	cp, ok := b.currency.CheckpointAt(height)
	if !ok {
		return false, nil
	}
	if cp.Hash != hash {
		return false, ruleError(ErrCheckpointFail, fmt.Sprintf(
			"block %s at height %d contradicts checkpoint %s", hash, height, cp.Hash))
	}
	return true, nil
}

// checkAltBlockCheckpoints rejects alternative blocks that would fork the
// chain inside the checkpoint zone: below the last checkpoint the main
// chain is final unless the alternative block IS the checkpointed block.
func (b *Blockchain) checkAltBlockCheckpoints(height uint32, hash crypto.Hash) error {
	if !b.isInCheckpointZone(height) {
		return nil
	}
	if cp, ok := b.currency.CheckpointAt(height); ok && cp.Hash == hash {
		return nil
	}
	return ruleError(ErrCheckpointFail, fmt.Sprintf(
		"alternative block %s at height %d is below the last checkpoint at height %d",
		hash, height, b.currency.LastCheckpointHeight()))
}
