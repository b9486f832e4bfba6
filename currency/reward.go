package currency

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/wire"
)

// mulDiv returns floor(a*b/d) using 128-bit intermediate math. It panics if
// the quotient overflows 64 bits or d is zero; callers guarantee both.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		panic("mulDiv quotient overflows 64 bits")
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}

// GetBlockReward computes the base reward for a block of currentSize atomic
// bytes against the median of the trailing size window, plus the collected
// fee. Sizes above the penalty-free zone shrink the reward quadratically;
// sizes above twice the median are invalid.
//
// The first return is the full miner reward (penalized base + fee), the
// second is the emission change (penalized base only).
func (c *Currency) GetBlockReward(majorVersion uint8, medianSize, currentSize, alreadyGeneratedCoins, fee uint64) (reward, emissionChange uint64, err error) {
	baseReward := (c.MoneySupply - alreadyGeneratedCoins) >> c.EmissionSpeedFactor

	zone := c.FullRewardZone(majorVersion)
	if medianSize < zone {
		medianSize = zone
	}
	if currentSize > 2*medianSize {
		return 0, 0, errors.Errorf("block size %d exceeds twice the effective median %d", currentSize, medianSize)
	}

	penalizedBase := baseReward
	if currentSize > medianSize {
		// penalized = base * (2*median - size) * size / median^2, computed
		// as two sequential 128-bit mul/divs to stay in integers.
		penalizedBase = mulDiv(baseReward, 2*medianSize-currentSize, medianSize)
		penalizedBase = mulDiv(penalizedBase, currentSize, medianSize)
	}

	return penalizedBase + fee, penalizedBase, nil
}

// GetTransactionFee returns the transaction's fee: total input value minus
// total output value. Deposit inputs count at principal plus the interest
// accrued at the given height, since the spending transaction's outputs
// carry the interest through to the depositor.
func (c *Currency) GetTransactionFee(tx *wire.Transaction, height uint32) (uint64, error) {
	in, ok := tx.InputsAmount()
	if !ok {
		return 0, errors.New("transaction input amounts overflow")
	}
	interest, err := c.CalculateTotalTransactionInterest(tx, height)
	if err != nil {
		return 0, err
	}
	if in+interest < in {
		return 0, errors.New("transaction input amounts overflow")
	}
	in += interest
	out, ok := tx.OutputsAmount()
	if !ok {
		return 0, errors.New("transaction output amounts overflow")
	}
	if out > in {
		return 0, errors.Errorf("transaction outputs %d exceed inputs %d", out, in)
	}
	return in - out, nil
}
