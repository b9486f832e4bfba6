package currency

import (
	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/wire"
)

// depositRate returns the annual interest rate in basis points in force at
// the given height.
func (c *Currency) depositRate(height uint32) uint64 {
	if height >= c.DepositRateV2Height {
		return c.DepositRateV2
	}
	return c.DepositRateBasisPoints
}

// CalculateInterest returns the interest earned by a deposit of the given
// amount locked for term blocks, released at the given height. The yield is
// the annual rate prorated over the term, floored at every division so the
// engine's coinbase validation recomputes the identical value.
func (c *Currency) CalculateInterest(amount uint64, term uint32, height uint32) uint64 {
	if term == 0 {
		return 0
	}
	rate := c.depositRate(height)
	// interest = amount * rate_bp * term / (10_000 * blocksPerYear)
	return mulDiv(amount, rate*uint64(term), 10_000*uint64(c.BlocksPerYear))
}

// CalculateTotalTransactionInterest sums the interest released by every
// deposit input of the transaction at the given height.
func (c *Currency) CalculateTotalTransactionInterest(tx *wire.Transaction, height uint32) (uint64, error) {
	var total uint64
	for _, in := range tx.Inputs {
		msig, ok := in.(*wire.MultisigInput)
		if !ok || msig.Term == 0 {
			continue
		}
		if msig.Term < c.DepositMinTerm || msig.Term > c.DepositMaxTerm {
			return 0, errors.Errorf("deposit input term %d outside [%d, %d]",
				msig.Term, c.DepositMinTerm, c.DepositMaxTerm)
		}
		interest := c.CalculateInterest(msig.Amount, msig.Term, height)
		next := total + interest
		if next < total {
			return 0, errors.New("transaction interest overflows")
		}
		total = next
	}
	return total, nil
}
