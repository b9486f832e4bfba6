package blockchain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode identifies a kind of consensus rule violation.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrBadVersion indicates the block's major version does not match the
	// version expected at its height.
	ErrBadVersion ErrorCode = iota

	// ErrBadTimestamp indicates the block's timestamp is too far in the
	// future or below the median of the trailing window.
	ErrBadTimestamp

	// ErrBadPoW indicates the proof of work does not satisfy the required
	// difficulty.
	ErrBadPoW

	// ErrBadCoinbase indicates a malformed base transaction.
	ErrBadCoinbase

	// ErrBadSize indicates a transaction or block exceeds a size limit.
	ErrBadSize

	// ErrBadInput indicates a transaction input failed validation: unknown
	// ring member, immature output, bad signature, or malformed structure.
	ErrBadInput

	// ErrDoubleSpend indicates a key image or multisig output is already
	// spent.
	ErrDoubleSpend

	// ErrMissingTx indicates a block lists a transaction the mempool does
	// not hold.
	ErrMissingTx

	// ErrBadReward indicates the coinbase outputs do not match the computed
	// block reward.
	ErrBadReward

	// ErrBadMergeMiningTag indicates a malformed merge mining tag in the
	// coinbase extra.
	ErrBadMergeMiningTag

	// ErrCheckpointFail indicates a block contradicts a hard checkpoint.
	ErrCheckpointFail

	// ErrBadDepositTerm indicates a deposit input or output violates the
	// term rules.
	ErrBadDepositTerm
)

var errorCodeStrings = map[ErrorCode]string{
	ErrBadVersion:        "ErrBadVersion",
	ErrBadTimestamp:      "ErrBadTimestamp",
	ErrBadPoW:            "ErrBadPoW",
	ErrBadCoinbase:       "ErrBadCoinbase",
	ErrBadSize:           "ErrBadSize",
	ErrBadInput:          "ErrBadInput",
	ErrDoubleSpend:       "ErrDoubleSpend",
	ErrMissingTx:         "ErrMissingTx",
	ErrBadReward:         "ErrBadReward",
	ErrBadMergeMiningTag: "ErrBadMergeMiningTag",
	ErrCheckpointFail:    "ErrCheckpointFail",
	ErrBadDepositTerm:    "ErrBadDepositTerm",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a consensus rule violation. The caller can use type
// assertions to determine if a failure was specifically due to a rule
// violation and access the ErrorCode field to ascertain why.
type RuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// ErrReadOnly is returned by every mutating call after the engine has
// detected a broken invariant and latched read-only.
var ErrReadOnly = errors.New("chain engine is read-only after an internal consistency failure; rebuild required")

// internalError flags a broken internal invariant, flips the engine
// read-only, and returns the error to surface.
func (b *Blockchain) internalError(format string, args ...interface{}) error {
	b.readOnly = true
	err := errors.Errorf("internal consistency failure: "+format, args...)
	log.Criticalf("%s", err)
	return err
}
