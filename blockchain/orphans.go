package blockchain

import (
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// maxOrphanBlocks bounds the orphan pool; a full pool evicts an arbitrary
// entry to make room.
const maxOrphanBlocks = 128

// orphanBlock is a block whose ancestry is unknown, parked until the
// missing parent arrives.
type orphanBlock struct {
	block *wire.Block
	hash  crypto.Hash
}

// addOrphan parks a block with an unknown parent. Callers hold the chain
// lock.
func (b *Blockchain) addOrphan(block *wire.Block, hash crypto.Hash) {
	if len(b.orphans) >= maxOrphanBlocks {
		for _, victim := range b.orphans {
			b.removeOrphan(victim)
			break
		}
	}
	o := &orphanBlock{block: block, hash: hash}
	b.orphans[hash] = o
	parent := block.PreviousBlockHash
	b.orphansByParent[parent] = append(b.orphansByParent[parent], o)
	log.Debugf("Stored orphan block %s awaiting parent %s (%d orphans held)",
		hash, parent, len(b.orphans))
}

func (b *Blockchain) removeOrphan(o *orphanBlock) {
	delete(b.orphans, o.hash)
	parent := o.block.PreviousBlockHash
	siblings := b.orphansByParent[parent]
	for i, sibling := range siblings {
		if sibling == o {
			b.orphansByParent[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(b.orphansByParent[parent]) == 0 {
		delete(b.orphansByParent, parent)
	}
}

// processOrphans retries orphans whose missing ancestor just arrived,
// cascading through any orphans unlocked in turn. Callers hold the chain
// lock.
func (b *Blockchain) processOrphans(accepted crypto.Hash) {
	queue := []crypto.Hash{accepted}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children := append([]*orphanBlock(nil), b.orphansByParent[parent]...)
		for _, o := range children {
			b.removeOrphan(o)
			verdict, err := b.processBlock(o.block)
			if err != nil {
				log.Debugf("Orphan block %s rejected once parent %s arrived: %s",
					o.hash, parent, err)
				continue
			}
			if verdict == VerdictAcceptedMain || verdict == VerdictAcceptedAlt || verdict == VerdictSwitched {
				log.Infof("Adopted orphan block %s (%s)", o.hash, verdict)
				queue = append(queue, o.hash)
			}
		}
	}
}
