package currency

import (
	"sync"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// Block major versions at which fork rules change.
const (
	BlockMajorVersion1 = 1
	BlockMajorVersion2 = 2
	BlockMajorVersion3 = 3
	BlockMajorVersion4 = 4
	BlockMajorVersion5 = 5
	BlockMajorVersion6 = 6
	BlockMajorVersion7 = 7
	BlockMajorVersion8 = 8
)

// MaxBlockNumber mirrors wire.MaxBlockNumber for callers that only import
// currency.
const MaxBlockNumber = wire.MaxBlockNumber

// UpgradeHeightUndefined marks a fork whose activation height is decided by
// minor-version voting instead of a hard-coded height.
const UpgradeHeightUndefined = ^uint32(0)

// Checkpoint is a hard-coded (height, hash) pair. Blocks at or below the
// highest checkpoint height must match their checkpoint exactly.
type Checkpoint struct {
	Height uint32
	Hash   crypto.Hash
}

// Currency is the fork-height-keyed consensus rule table for one network.
// It is a pure parameter set: all methods are deterministic functions of
// their inputs and the table.
type Currency struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// MoneySupply is the total number of atomic units ever emitted through
	// base rewards.
	MoneySupply uint64

	// EmissionSpeedFactor is the base reward shift:
	// baseReward = (MoneySupply - alreadyGeneratedCoins) >> EmissionSpeedFactor.
	EmissionSpeedFactor uint

	// DifficultyTarget is the desired seconds between blocks.
	DifficultyTarget uint64

	// MinedMoneyUnlockWindow is the number of blocks a coinbase output
	// stays locked.
	MinedMoneyUnlockWindow uint32

	// RewardBlocksWindow is the number of trailing block sizes whose median
	// feeds the reward penalty.
	RewardBlocksWindow uint32

	// BlockGrantedFullRewardZoneV1 and BlockGrantedFullRewardZone are the
	// penalty-free size zones before and after major version 2.
	BlockGrantedFullRewardZoneV1 uint64
	BlockGrantedFullRewardZone   uint64

	// MaxBlockSizeInitial and its growth rate bound the cumulative block
	// size as a linear function of height.
	MaxBlockSizeInitial                uint64
	MaxBlockSizeGrowthSpeedNumerator   uint64
	MaxBlockSizeGrowthSpeedDenominator uint64

	// MaxTxSize is the largest serialized transaction the pool and the
	// engine accept.
	MaxTxSize uint64

	// Legacy difficulty algorithm parameters (major versions below 4).
	DifficultyWindowLegacy uint32
	DifficultyCut          uint32
	DifficultyLag          uint32

	// DifficultyWindowLWMA is the window of the LWMA algorithms (major
	// versions 4 and above).
	DifficultyWindowLWMA uint32

	// BlockFutureTimeLimitLegacy / LWMA are the allowed forward clock
	// drifts in seconds.
	BlockFutureTimeLimitLegacy uint64
	BlockFutureTimeLimitLWMA   uint64

	// TimestampCheckWindowLegacy / LWMA are the trailing windows whose
	// median lower-bounds a new block's timestamp.
	TimestampCheckWindowLegacy uint32
	TimestampCheckWindowLWMA   uint32

	// Fee floors keyed by fork height.
	MinimumFeeV1       uint64
	MinimumFeeV2       uint64
	MinimumFeeV2Height uint32

	// MinimumMixinV3 applies from major version 3 on; earlier versions
	// have no mixin floor.
	MinimumMixinV3 uint16

	// Deposit parameters.
	DepositMinAmount       uint64
	DepositMinTerm         uint32
	DepositMaxTerm         uint32
	DepositRateBasisPoints uint64 // annual rate before DepositRateV2Height
	DepositRateV2Height    uint32
	DepositRateV2          uint64 // annual rate from DepositRateV2Height on
	BlocksPerYear          uint32

	// UpgradeHeights maps a block major version to its activation height.
	// UpgradeHeightUndefined delegates activation to minor-version voting.
	UpgradeHeights map[uint8]uint32

	// Voting parameters for upgrades without a hard-coded height.
	UpgradeVotingWindow    uint32
	UpgradeVotingThreshold uint32 // percent of the window, in [1, 100]

	// GenesisTimestamp, GenesisNonce and GenesisCoinbaseKey fix the genesis
	// block.
	GenesisTimestamp   uint64
	GenesisNonce       uint32
	GenesisCoinbaseKey crypto.PublicKey

	// Checkpoints must be sorted by height.
	Checkpoints []Checkpoint

	genesisOnce  sync.Once
	genesisBlock *wire.Block
	genesisHash  crypto.Hash
}

// CoinbaseOverpayTolerance is the number of atomic units a coinbase may
// exceed the computed reward by. Early mainnet blocks overpaid by up to ten
// units due to a rounding bug in the original miner; the excess is part of
// consensus history and must stay accepted.
const CoinbaseOverpayTolerance = 10

// GenesisBlock returns the network's genesis block. The block is built once
// from the hard-coded genesis parameters.
func (c *Currency) GenesisBlock() *wire.Block {
	c.buildGenesis()
	return c.genesisBlock
}

// GenesisHash returns the genesis block identifier.
func (c *Currency) GenesisHash() crypto.Hash {
	c.buildGenesis()
	return c.genesisHash
}

func (c *Currency) buildGenesis() {
	c.genesisOnce.Do(func() {
		reward := (c.MoneySupply - 0) >> c.EmissionSpeedFactor
		coinbase := wire.Transaction{
			TransactionPrefix: wire.TransactionPrefix{
				Version:    wire.TxVersion1,
				UnlockTime: wire.UnlockTimeFromHeight(c.MinedMoneyUnlockWindow),
				Inputs:     []wire.TxInput{&wire.BaseInput{BlockHeight: 0}},
				Outputs: []wire.TxOutput{{
					Amount: reward,
					Target: &wire.KeyOutput{Key: c.GenesisCoinbaseKey},
				}},
				Extra: wire.AppendPublicKeyToExtra(nil, c.GenesisCoinbaseKey),
			},
		}
		c.genesisBlock = &wire.Block{
			MajorVersion:    BlockMajorVersion1,
			MinorVersion:    0,
			Timestamp:       c.GenesisTimestamp,
			Nonce:           c.GenesisNonce,
			BaseTransaction: coinbase,
		}
		c.genesisHash = c.genesisBlock.BlockHash()
	})
}

// DifficultyWindow returns the retarget window for the given block major
// version.
func (c *Currency) DifficultyWindow(majorVersion uint8) uint32 {
	if majorVersion < BlockMajorVersion4 {
		return c.DifficultyWindowLegacy
	}
	return c.DifficultyWindowLWMA
}

// DifficultyBlocksCount is the number of trailing (timestamp, cumulative
// difficulty) pairs the retarget algorithm for the given version consumes.
func (c *Currency) DifficultyBlocksCount(majorVersion uint8) uint32 {
	if majorVersion < BlockMajorVersion4 {
		return c.DifficultyWindowLegacy + c.DifficultyLag
	}
	return c.DifficultyWindowLWMA + 1
}

// BlockFutureTimeLimit returns the allowed forward clock drift in seconds.
func (c *Currency) BlockFutureTimeLimit(majorVersion uint8) uint64 {
	if majorVersion < BlockMajorVersion4 {
		return c.BlockFutureTimeLimitLegacy
	}
	return c.BlockFutureTimeLimitLWMA
}

// TimestampCheckWindow returns the size of the trailing window whose median
// lower-bounds a new block's timestamp.
func (c *Currency) TimestampCheckWindow(majorVersion uint8) uint32 {
	if majorVersion < BlockMajorVersion4 {
		return c.TimestampCheckWindowLegacy
	}
	return c.TimestampCheckWindowLWMA
}

// FullRewardZone returns the penalty-free block size for the given major
// version.
func (c *Currency) FullRewardZone(majorVersion uint8) uint64 {
	if majorVersion == BlockMajorVersion1 {
		return c.BlockGrantedFullRewardZoneV1
	}
	return c.BlockGrantedFullRewardZone
}

// MaxBlockCumulativeSize bounds the total serialized size of a block at the
// given height. It grows linearly from the initial ceiling.
func (c *Currency) MaxBlockCumulativeSize(height uint32) uint64 {
	growth := uint64(height) * c.MaxBlockSizeGrowthSpeedNumerator / c.MaxBlockSizeGrowthSpeedDenominator
	return c.MaxBlockSizeInitial + growth
}

// MinimumFee returns the fee floor at the given height.
func (c *Currency) MinimumFee(height uint32) uint64 {
	if height >= c.MinimumFeeV2Height {
		return c.MinimumFeeV2
	}
	return c.MinimumFeeV1
}

// MinimumMixin returns the ring-size floor (decoys beyond the real output)
// at the given height.
func (c *Currency) MinimumMixin(height uint32) uint16 {
	if c.expectedVersionAtLeast(height, BlockMajorVersion3) {
		return c.MinimumMixinV3
	}
	return 0
}

// expectedVersionAtLeast reports whether a hard-coded upgrade height puts
// the given height at or past the given major version. Voting-activated
// versions are resolved by the chain engine's upgrade detector, not here.
func (c *Currency) expectedVersionAtLeast(height uint32, version uint8) bool {
	h, ok := c.UpgradeHeights[version]
	if !ok || h == UpgradeHeightUndefined {
		return false
	}
	return height >= h
}

// UpgradeHeight returns the hard-coded activation height for the given
// major version, or UpgradeHeightUndefined if the version activates by
// voting (or is unknown).
func (c *Currency) UpgradeHeight(version uint8) uint32 {
	h, ok := c.UpgradeHeights[version]
	if !ok {
		return UpgradeHeightUndefined
	}
	return h
}

// LastCheckpointHeight returns the height of the highest checkpoint, or 0
// if the table is empty.
func (c *Currency) LastCheckpointHeight() uint32 {
	if len(c.Checkpoints) == 0 {
		return 0
	}
	return c.Checkpoints[len(c.Checkpoints)-1].Height
}

// CheckpointAt returns the checkpoint at the given height, if any.
func (c *Currency) CheckpointAt(height uint32) (Checkpoint, bool) {
	for _, cp := range c.Checkpoints {
		if cp.Height == height {
			return cp, true
		}
		if cp.Height > height {
			break
		}
	}
	return Checkpoint{}, false
}

func mustHash(s string) crypto.Hash {
	h, err := crypto.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return *h
}

func mustKey(s string) crypto.PublicKey {
	h := mustHash(s)
	return crypto.PublicKey(h)
}

// MainNet is the Syfer main network rule table.
var MainNet = Currency{
	Name:                "mainnet",
	MoneySupply:         10_000_000_000_000_000,
	EmissionSpeedFactor: 18,
	DifficultyTarget:    120,

	MinedMoneyUnlockWindow: 10,
	RewardBlocksWindow:     100,

	BlockGrantedFullRewardZoneV1: 20_000,
	BlockGrantedFullRewardZone:   100_000,

	MaxBlockSizeInitial:                1_000_000,
	MaxBlockSizeGrowthSpeedNumerator:   100 * 1024,
	MaxBlockSizeGrowthSpeedDenominator: 365 * 24 * 60 * 60 / 120,

	MaxTxSize: 1_000_000,

	DifficultyWindowLegacy: 720,
	DifficultyCut:          60,
	DifficultyLag:          15,
	DifficultyWindowLWMA:   60,

	BlockFutureTimeLimitLegacy: 7200,
	BlockFutureTimeLimitLWMA:   360,
	TimestampCheckWindowLegacy: 60,
	TimestampCheckWindowLWMA:   11,

	MinimumFeeV1:       1000,
	MinimumFeeV2:       100,
	MinimumFeeV2Height: 64_324,

	MinimumMixinV3: 2,

	DepositMinAmount:       100_000_000,
	DepositMinTerm:         21_900,
	DepositMaxTerm:         262_800,
	DepositRateBasisPoints: 500,
	DepositRateV2Height:    215_750,
	DepositRateV2:          300,
	BlocksPerYear:          262_800,

	UpgradeHeights: map[uint8]uint32{
		BlockMajorVersion2: 1,
		BlockMajorVersion3: 2,
		BlockMajorVersion4: 64_324,
		BlockMajorVersion5: 165_000,
		BlockMajorVersion6: 215_750,
		BlockMajorVersion7: 266_500,
		BlockMajorVersion8: 520_000,
	},
	UpgradeVotingWindow:    720,
	UpgradeVotingThreshold: 90,

	GenesisTimestamp:   1673183142,
	GenesisNonce:       7000,
	GenesisCoinbaseKey: mustKey("9b2e4c0281c0b02e7c53291a94d1d0cbff8883f8024f5142ee494ffbbd088071"),

	Checkpoints: []Checkpoint{
		{Height: 5000, Hash: mustHash("25f82a9163b2ab08635551110a0d1c7e8f4318d1bdb9492b4ec91f9fbcbb1a95")},
		{Height: 40_000, Hash: mustHash("4b1d4c2f5c4a9b5e8b0a9e03c58ab2ed25cb17a8ce708bd4ed6992938e27dd89")},
		{Height: 64_323, Hash: mustHash("d9f2b8c6d3ad298ef165c4bcff1ad2f0c67511bae13e5d3f7b3e92bd85892e0b")},
	},
}

// TestNet is the Syfer test network rule table. Upgrades activate
// immediately and no checkpoints apply, so short chains exercise every
// fork rule.
var TestNet = Currency{
	Name:                "testnet",
	MoneySupply:         10_000_000_000_000_000,
	EmissionSpeedFactor: 18,
	DifficultyTarget:    120,

	MinedMoneyUnlockWindow: 10,
	RewardBlocksWindow:     100,

	BlockGrantedFullRewardZoneV1: 20_000,
	BlockGrantedFullRewardZone:   100_000,

	MaxBlockSizeInitial:                1_000_000,
	MaxBlockSizeGrowthSpeedNumerator:   100 * 1024,
	MaxBlockSizeGrowthSpeedDenominator: 365 * 24 * 60 * 60 / 120,

	MaxTxSize: 1_000_000,

	DifficultyWindowLegacy: 720,
	DifficultyCut:          60,
	DifficultyLag:          15,
	DifficultyWindowLWMA:   60,

	BlockFutureTimeLimitLegacy: 7200,
	BlockFutureTimeLimitLWMA:   360,
	TimestampCheckWindowLegacy: 60,
	TimestampCheckWindowLWMA:   11,

	MinimumFeeV1:       1000,
	MinimumFeeV2:       100,
	MinimumFeeV2Height: 20,

	MinimumMixinV3: 2,

	DepositMinAmount:       100_000_000,
	DepositMinTerm:         21_900,
	DepositMaxTerm:         262_800,
	DepositRateBasisPoints: 500,
	DepositRateV2Height:    1_000_000,
	DepositRateV2:          300,
	BlocksPerYear:          262_800,

	UpgradeHeights: map[uint8]uint32{
		BlockMajorVersion2: 1,
		BlockMajorVersion3: 2,
		BlockMajorVersion4: 3,
		BlockMajorVersion5: 4,
		BlockMajorVersion6: 5,
		BlockMajorVersion7: 6,
		BlockMajorVersion8: 7,
	},
	UpgradeVotingWindow:    720,
	UpgradeVotingThreshold: 90,

	GenesisTimestamp:   1673183142,
	GenesisNonce:       7000,
	GenesisCoinbaseKey: mustKey("9b2e4c0281c0b02e7c53291a94d1d0cbff8883f8024f5142ee494ffbbd088071"),
}
