package blockchain

import (
	"github.com/syfer-network/syferd/currency"
)

// The upgrade schedule decides which block major version is mandatory at a
// height. A version activates either at its hard-coded upgrade height or,
// when the currency leaves the height undefined, through minor-version
// voting: once the threshold share of the trailing voting window carries a
// minor version at or above the target, voting completes and the target
// becomes mandatory from the next height.

// expectedMajorVersion returns the block major version consensus requires
// at the given height. Callers hold the chain lock.
func (b *Blockchain) expectedMajorVersion(height uint32) uint8 {
	for version := uint8(currency.BlockMajorVersion8); version >= currency.BlockMajorVersion2; version-- {
		if h := b.activationHeight(version); h != currency.UpgradeHeightUndefined && height >= h {
			return version
		}
	}
	return currency.BlockMajorVersion1
}

// activationHeight resolves the height a version becomes mandatory at:
// the hard upgrade height when defined, otherwise the height after a
// completed vote.
func (b *Blockchain) activationHeight(version uint8) uint32 {
	if h := b.currency.UpgradeHeight(version); h != currency.UpgradeHeightUndefined {
		return h
	}
	if complete, ok := b.votingCompleteHeights[version]; ok {
		return complete + 1
	}
	return currency.UpgradeHeightUndefined
}

// updateUpgradeVoting tallies the vote state after the block at tipHeight
// was connected. For each version still waiting on a vote, the trailing
// voting window is counted; reaching the threshold fixes the voting
// complete height.
func (b *Blockchain) updateUpgradeVoting(tipHeight uint32) {
	window := b.currency.UpgradeVotingWindow
	if window == 0 || tipHeight+1 < window {
		return
	}
	for version := uint8(currency.BlockMajorVersion2); version <= currency.BlockMajorVersion8; version++ {
		if b.currency.UpgradeHeight(version) != currency.UpgradeHeightUndefined {
			continue
		}
		if _, done := b.votingCompleteHeights[version]; done {
			continue
		}
		if b.expectedMajorVersion(tipHeight) != version-1 {
			continue // voting for version v runs on a v-1 chain
		}
		var votes uint32
		for h := tipHeight + 1 - window; h <= tipHeight; h++ {
			rec, _ := b.store.get(h)
			if rec.Block.MinorVersion >= version {
				votes++
			}
		}
		if votes*100 >= b.currency.UpgradeVotingThreshold*window {
			log.Infof("Upgrade to block version %d voted in at height %d (%d of %d votes)",
				version, tipHeight, votes, window)
			b.votingCompleteHeights[version] = tipHeight
		}
	}
}

// revertUpgradeVoting clears any vote that completed at the height being
// disconnected.
func (b *Blockchain) revertUpgradeVoting(poppedHeight uint32) {
	for version, complete := range b.votingCompleteHeights {
		if complete >= poppedHeight {
			log.Infof("Upgrade vote for block version %d reverted by disconnect of height %d",
				version, poppedHeight)
			delete(b.votingCompleteHeights, version)
		}
	}
}
