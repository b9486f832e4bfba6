package blockchain

import (
	"github.com/pkg/errors"
)

// depositIndex tracks running totals of deposit principal and paid interest
// per height as prefix sums, so both are queryable at any height in O(1).
// Entry h reflects the chain state after block h was connected.
type depositIndex struct {
	principal []uint64
	interest  []uint64
}

func newDepositIndex() *depositIndex {
	return &depositIndex{}
}

// size returns the number of heights covered.
func (d *depositIndex) size() uint32 {
	return uint32(len(d.principal))
}

// pushBlock appends the totals for the next height. principalDelta is the
// deposit principal created minus the principal released by the block;
// interestDelta is the interest its coinbase paid out.
func (d *depositIndex) pushBlock(principalDelta int64, interestDelta uint64) error {
	var prevPrincipal, prevInterest uint64
	if len(d.principal) > 0 {
		prevPrincipal = d.principal[len(d.principal)-1]
		prevInterest = d.interest[len(d.interest)-1]
	}
	if principalDelta < 0 && uint64(-principalDelta) > prevPrincipal {
		return errors.Errorf("deposit principal delta %d underflows total %d", principalDelta, prevPrincipal)
	}
	newPrincipal := uint64(int64(prevPrincipal) + principalDelta)
	newInterest := prevInterest + interestDelta
	if newInterest < prevInterest {
		return errors.New("deposit interest total overflows")
	}
	d.principal = append(d.principal, newPrincipal)
	d.interest = append(d.interest, newInterest)
	return nil
}

// popBlock removes the entry for the current tip height.
func (d *depositIndex) popBlock() error {
	if len(d.principal) == 0 {
		return errors.New("deposit index is empty on pop")
	}
	d.principal = d.principal[:len(d.principal)-1]
	d.interest = d.interest[:len(d.interest)-1]
	return nil
}

// amountAtHeight returns the total locked deposit principal after block
// height was connected.
func (d *depositIndex) amountAtHeight(height uint32) uint64 {
	if uint64(height) >= uint64(len(d.principal)) {
		if len(d.principal) == 0 {
			return 0
		}
		return d.principal[len(d.principal)-1]
	}
	return d.principal[height]
}

// interestAtHeight returns the total interest paid out through block
// height.
func (d *depositIndex) interestAtHeight(height uint32) uint64 {
	if uint64(height) >= uint64(len(d.interest)) {
		if len(d.interest) == 0 {
			return 0
		}
		return d.interest[len(d.interest)-1]
	}
	return d.interest[height]
}
