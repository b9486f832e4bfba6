package wire

import "fmt"

// UnlockTime is the dual-semantic transaction lock. Values below
// MaxBlockNumber are block heights, values at or above it are Unix
// timestamps. Call sites use the accessors rather than comparing
// magnitudes.
type UnlockTime uint64

// IsBlockHeight returns true if the unlock value is a block height lock.
func (u UnlockTime) IsBlockHeight() bool {
	return uint64(u) < MaxBlockNumber
}

// IsTimestamp returns true if the unlock value is a Unix-time lock.
func (u UnlockTime) IsTimestamp() bool {
	return uint64(u) >= MaxBlockNumber
}

// BlockHeight returns the height lock. It panics if the value is a
// timestamp lock.
func (u UnlockTime) BlockHeight() uint32 {
	if !u.IsBlockHeight() {
		panic("UnlockTime.BlockHeight called on a timestamp lock")
	}
	return uint32(u)
}

// Timestamp returns the Unix-time lock. It panics if the value is a height
// lock.
func (u UnlockTime) Timestamp() uint64 {
	if !u.IsTimestamp() {
		panic("UnlockTime.Timestamp called on a height lock")
	}
	return uint64(u)
}

// UnlockTimeFromHeight builds a height lock.
func UnlockTimeFromHeight(height uint32) UnlockTime {
	return UnlockTime(height)
}

// Unlocked reports whether an output carrying this lock is spendable in a
// block at the given height and median timestamp.
func (u UnlockTime) Unlocked(height uint32, now uint64) bool {
	if u.IsBlockHeight() {
		return height >= u.BlockHeight()
	}
	return now >= u.Timestamp()
}

// String implements fmt.Stringer.
func (u UnlockTime) String() string {
	if u.IsBlockHeight() {
		return fmt.Sprintf("height %d", uint32(u))
	}
	return fmt.Sprintf("time %d", uint64(u))
}
