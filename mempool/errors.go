package mempool

import (
	"fmt"

	"github.com/syfer-network/syferd/blockchain"
)

// RejectCode classifies a transaction admission failure.
type RejectCode int

const (
	// RejectDuplicate indicates the transaction is already in the pool or
	// on the chain.
	RejectDuplicate RejectCode = iota

	// RejectDoubleSpend indicates the transaction spends a key image or
	// multisig output something else already spends.
	RejectDoubleSpend

	// RejectSizeLimit indicates the transaction blob exceeds the maximum
	// size.
	RejectSizeLimit

	// RejectInsufficientFee indicates the fee is below the current floor.
	RejectInsufficientFee

	// RejectInvalid is the catch-all for transactions that fail input or
	// structure validation.
	RejectInvalid
)

var rejectCodeStrings = map[RejectCode]string{
	RejectDuplicate:       "RejectDuplicate",
	RejectDoubleSpend:     "RejectDoubleSpend",
	RejectSizeLimit:       "RejectSizeLimit",
	RejectInsufficientFee: "RejectInsufficientFee",
	RejectInvalid:         "RejectInvalid",
}

func (c RejectCode) String() string {
	if s, ok := rejectCodeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("RejectCode(%d)", int(c))
}

// TxRuleError is a pool-level admission failure.
type TxRuleError struct {
	RejectCode  RejectCode
	Description string
}

// Error satisfies the error interface.
func (e TxRuleError) Error() string {
	return e.Description
}

// RuleError wraps the underlying rule violation an admission failed with:
// either a pool TxRuleError or a chain blockchain.RuleError surfaced by the
// input validator.
type RuleError struct {
	Err error
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

// txRuleError wraps a pool-level violation in a RuleError.
func txRuleError(code RejectCode, desc string) RuleError {
	return RuleError{Err: TxRuleError{RejectCode: code, Description: desc}}
}

// chainRuleError wraps a chain rule violation in a RuleError.
func chainRuleError(err blockchain.RuleError) RuleError {
	return RuleError{Err: err}
}

// extractRejectCode maps an admission error onto a RejectCode.
func extractRejectCode(err error) (RejectCode, bool) {
	ruleErr, ok := err.(RuleError)
	if !ok {
		return RejectInvalid, false
	}
	switch inner := ruleErr.Err.(type) {
	case TxRuleError:
		return inner.RejectCode, true
	case blockchain.RuleError:
		switch inner.ErrorCode {
		case blockchain.ErrDoubleSpend:
			return RejectDoubleSpend, true
		case blockchain.ErrBadSize:
			return RejectSizeLimit, true
		default:
			return RejectInvalid, true
		}
	}
	return RejectInvalid, false
}
