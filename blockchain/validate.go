package blockchain

import (
	"fmt"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// checkBlockVersion verifies the block carries exactly the major version
// the upgrade schedule expects at its height.
func (b *Blockchain) checkBlockVersion(block *wire.Block, height uint32) error {
	expected := b.expectedMajorVersion(height)
	if block.MajorVersion != expected {
		return ruleError(ErrBadVersion, fmt.Sprintf(
			"block at height %d has major version %d, expected %d",
			height, block.MajorVersion, expected))
	}
	return nil
}

// checkTimestamp verifies the block timestamp sits within the window
// consensus allows: no further ahead of local time than the future limit,
// and no earlier than the median of the trailing timestamps. timestamps is
// the trailing window ending at the parent, oldest first.
func (b *Blockchain) checkTimestamp(block *wire.Block, timestamps []uint64) error {
	limit := uint64(b.timeSource.Now().Unix()) + b.currency.BlockFutureTimeLimit(block.MajorVersion)
	if block.Timestamp > limit {
		return ruleError(ErrBadTimestamp, fmt.Sprintf(
			"block timestamp %d is more than %d seconds ahead of local time",
			block.Timestamp, b.currency.BlockFutureTimeLimit(block.MajorVersion)))
	}
	if len(timestamps) == 0 {
		return nil
	}
	if median := medianUint64(timestamps); block.Timestamp < median {
		return ruleError(ErrBadTimestamp, fmt.Sprintf(
			"block timestamp %d is below the median %d of the last %d blocks",
			block.Timestamp, median, len(timestamps)))
	}
	return nil
}

// prevalidateCoinbase checks the structural coinbase rules that do not
// depend on the block's transactions: a single base input bound to the
// height, the fixed unlock window, no signatures, and well-formed outputs.
func (b *Blockchain) prevalidateCoinbase(block *wire.Block, height uint32) error {
	base := &block.BaseTransaction
	if len(base.Inputs) != 1 {
		return ruleError(ErrBadCoinbase, fmt.Sprintf(
			"coinbase has %d inputs, expected exactly one", len(base.Inputs)))
	}
	in, ok := base.Inputs[0].(*wire.BaseInput)
	if !ok {
		return ruleError(ErrBadCoinbase, "coinbase input is not a base input")
	}
	if in.BlockHeight != height {
		return ruleError(ErrBadCoinbase, fmt.Sprintf(
			"coinbase input height %d does not match block height %d", in.BlockHeight, height))
	}
	expectedUnlock := wire.UnlockTimeFromHeight(height + b.currency.MinedMoneyUnlockWindow)
	if base.UnlockTime != expectedUnlock {
		return ruleError(ErrBadCoinbase, fmt.Sprintf(
			"coinbase unlock time %s, expected %s", base.UnlockTime, expectedUnlock))
	}
	for _, sigs := range base.Signatures {
		if len(sigs) != 0 {
			return ruleError(ErrBadCoinbase, "coinbase carries signatures")
		}
	}
	if len(base.Outputs) == 0 {
		return ruleError(ErrBadCoinbase, "coinbase has no outputs")
	}
	if _, ok := base.OutputsAmount(); !ok {
		return ruleError(ErrBadCoinbase, "coinbase output amounts overflow")
	}
	if err := b.checkTransactionOutputs(&base.TransactionPrefix); err != nil {
		return err
	}
	if block.MajorVersion >= currency.BlockMajorVersion2 {
		if err := checkMergeMiningTag(block); err != nil {
			return err
		}
	}
	return nil
}

// checkMergeMiningTag validates the merge-mining tag v2+ coinbase extras
// may carry: the depth must be sane and the tag must be parseable. Blocks
// without a tag are fine.
func checkMergeMiningTag(block *wire.Block) error {
	fields, err := wire.ParseExtra(block.BaseTransaction.Extra)
	if err != nil {
		return ruleError(ErrBadMergeMiningTag, fmt.Sprintf(
			"coinbase extra does not parse: %s", err))
	}
	if fields.MergeMiningTag == nil {
		return nil
	}
	if fields.MergeMiningTag.Depth > 32 {
		return ruleError(ErrBadMergeMiningTag, fmt.Sprintf(
			"merge mining tag depth %d exceeds the maximum of 32", fields.MergeMiningTag.Depth))
	}
	return nil
}

// checkTransactionSize enforces the standalone transaction size cap.
func (b *Blockchain) checkTransactionSize(tx *wire.Transaction) error {
	if size := uint64(tx.SerializeSize()); size > b.currency.MaxTxSize {
		return ruleError(ErrBadSize, fmt.Sprintf(
			"transaction size %d exceeds the maximum of %d", size, b.currency.MaxTxSize))
	}
	return nil
}

// checkTransactionOutputs validates output structure: positive amounts and
// well-formed targets, with deposit outputs inside the term bounds.
func (b *Blockchain) checkTransactionOutputs(tx *wire.TransactionPrefix) error {
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if out.Amount == 0 {
			return ruleError(ErrBadInput, fmt.Sprintf("output %d has zero amount", i))
		}
		switch target := out.Target.(type) {
		case *wire.KeyOutput:
		case *wire.MultisigOutput:
			if len(target.Keys) == 0 {
				return ruleError(ErrBadInput, fmt.Sprintf("multisig output %d has no keys", i))
			}
			if int(target.RequiredSignatureCount) > len(target.Keys) || target.RequiredSignatureCount == 0 {
				return ruleError(ErrBadInput, fmt.Sprintf(
					"multisig output %d requires %d of %d signatures",
					i, target.RequiredSignatureCount, len(target.Keys)))
			}
			if target.Term != 0 {
				if target.Term < b.currency.DepositMinTerm || target.Term > b.currency.DepositMaxTerm {
					return ruleError(ErrBadDepositTerm, fmt.Sprintf(
						"deposit output %d term %d outside [%d, %d]",
						i, target.Term, b.currency.DepositMinTerm, b.currency.DepositMaxTerm))
				}
				if out.Amount < b.currency.DepositMinAmount {
					return ruleError(ErrBadDepositTerm, fmt.Sprintf(
						"deposit output %d amount %d below the minimum of %d",
						i, out.Amount, b.currency.DepositMinAmount))
				}
			}
		default:
			return ruleError(ErrBadInput, fmt.Sprintf("output %d has an unknown target", i))
		}
	}
	if _, ok := tx.OutputsAmount(); !ok {
		return ruleError(ErrBadInput, "output amounts overflow")
	}
	return nil
}

// checkTransactionVersion rejects transaction versions the block's fork
// rules do not admit: version 2 transactions (deposits, messages) require
// major version 2 blocks.
func (b *Blockchain) checkTransactionVersion(tx *wire.Transaction, blockMajorVersion uint8) error {
	switch tx.Version {
	case wire.TxVersion1:
		return nil
	case wire.TxVersion2:
		if blockMajorVersion < currency.BlockMajorVersion2 {
			return ruleError(ErrBadVersion,
				"version 2 transactions are not allowed before major version 2 blocks")
		}
		return nil
	default:
		return ruleError(ErrBadVersion, fmt.Sprintf(
			"unknown transaction version %d", tx.Version))
	}
}

// CheckTransactionInputs validates every input of tx against the current
// main chain as if it were spent in a block at the given height: ring
// members must exist and be unlocked, key images must be unspent, multisig
// inputs must match their outputs and respect deposit terms, and the ring
// signatures must verify. It returns the height of the newest block any
// input references.
//
// This function is safe for concurrent access; the transaction pool uses
// it as its validation callback.
func (b *Blockchain) CheckTransactionInputs(tx *wire.Transaction, height uint32) (uint32, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.checkTransactionInputs(tx, height)
}

func (b *Blockchain) checkTransactionInputs(tx *wire.Transaction, height uint32) (uint32, error) {
	if len(tx.Inputs) == 0 {
		return 0, ruleError(ErrBadInput, "transaction has no inputs")
	}
	if _, ok := tx.InputsAmount(); !ok {
		return 0, ruleError(ErrBadInput, "input amounts overflow")
	}
	prefixHash := tx.PrefixHash()
	now := uint64(b.timeSource.Now().Unix())

	var maxUsedHeight uint32
	for i, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			used, err := b.checkKeyInput(in, i, prefixHash, tx, height, now)
			if err != nil {
				return 0, err
			}
			if used > maxUsedHeight {
				maxUsedHeight = used
			}
		case *wire.MultisigInput:
			used, err := b.checkMultisigInput(in, i, height, now)
			if err != nil {
				return 0, err
			}
			if used > maxUsedHeight {
				maxUsedHeight = used
			}
		case *wire.BaseInput:
			return 0, ruleError(ErrBadInput, fmt.Sprintf(
				"input %d is a base input outside a coinbase", i))
		default:
			return 0, ruleError(ErrBadInput, fmt.Sprintf("input %d has an unknown type", i))
		}
	}
	return maxUsedHeight, nil
}

// checkKeyInput validates a ring input: mixin floor, unspent key image,
// resolvable and unlocked ring members, and a verifying ring signature.
func (b *Blockchain) checkKeyInput(in *wire.KeyInput, inputIndex int, prefixHash crypto.Hash,
	tx *wire.Transaction, height uint32, now uint64) (uint32, error) {

	if in.Amount == 0 {
		return 0, ruleError(ErrBadInput, fmt.Sprintf("input %d has zero amount", inputIndex))
	}
	if len(in.OutputIndexes) == 0 {
		return 0, ruleError(ErrBadInput, fmt.Sprintf("input %d has an empty ring", inputIndex))
	}
	if mixin := uint16(len(in.OutputIndexes) - 1); mixin < b.currency.MinimumMixin(height) {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d mixin %d is below the minimum of %d",
			inputIndex, mixin, b.currency.MinimumMixin(height)))
	}
	if b.indexes.isSpentKeyImage(in.KeyImage) {
		return 0, ruleError(ErrDoubleSpend, fmt.Sprintf(
			"key image %s is already spent", in.KeyImage))
	}

	var maxUsedHeight uint32
	pubs := make([]crypto.PublicKey, 0, len(in.OutputIndexes))
	for _, globalIndex := range in.OutputIndexes {
		ref, ok := b.indexes.keyOutput(in.Amount, globalIndex)
		if !ok {
			return 0, ruleError(ErrBadInput, fmt.Sprintf(
				"input %d references unknown output %d for amount %d",
				inputIndex, globalIndex, in.Amount))
		}
		if ref.Height >= b.store.size() {
			// Output created by an earlier transaction of the block being
			// connected; same-block spends are not allowed.
			return 0, ruleError(ErrBadInput, fmt.Sprintf(
				"input %d references output %d for amount %d from an unconnected block",
				inputIndex, globalIndex, in.Amount))
		}
		sourceTx, unlockTime, err := b.outputSource(ref.Height, ref.TxIndex)
		if err != nil {
			return 0, err
		}
		if !unlockTime.Unlocked(height, now) {
			return 0, ruleError(ErrBadInput, fmt.Sprintf(
				"input %d ring member %d for amount %d is still locked",
				inputIndex, globalIndex, in.Amount))
		}
		target, ok := sourceTx.Outputs[ref.OutputIndex].Target.(*wire.KeyOutput)
		if !ok {
			return 0, b.internalError("key output index %d:%d resolves to a non-key output",
				in.Amount, globalIndex)
		}
		pubs = append(pubs, target.Key)
		if ref.Height > maxUsedHeight {
			maxUsedHeight = ref.Height
		}
	}

	sigs := inputSignatures(tx, inputIndex)
	if len(sigs) != len(pubs) {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d carries %d signatures for a ring of %d", inputIndex, len(sigs), len(pubs)))
	}
	if !b.oracles.Sig.CheckRingSignature(prefixHash, in.KeyImage, pubs, sigs) {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d ring signature does not verify", inputIndex))
	}
	return maxUsedHeight, nil
}

// checkMultisigInput validates a multisig spend: the referenced output must
// exist, be unspent and unlocked, agree on the term and signature count,
// and a deposit may only be released once its term has elapsed.
func (b *Blockchain) checkMultisigInput(in *wire.MultisigInput, inputIndex int,
	height uint32, now uint64) (uint32, error) {

	ref, ok := b.indexes.multisigOutput(in.Amount, in.OutputIndex)
	if !ok {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d references unknown multisig output %d for amount %d",
			inputIndex, in.OutputIndex, in.Amount))
	}
	if ref.IsUsed {
		return 0, ruleError(ErrDoubleSpend, fmt.Sprintf(
			"multisig output %d for amount %d is already spent", in.OutputIndex, in.Amount))
	}
	if ref.Height >= b.store.size() {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d references multisig output %d for amount %d from an unconnected block",
			inputIndex, in.OutputIndex, in.Amount))
	}
	sourceTx, unlockTime, err := b.outputSource(ref.Height, ref.TxIndex)
	if err != nil {
		return 0, err
	}
	target, ok := sourceTx.Outputs[ref.OutputIndex].Target.(*wire.MultisigOutput)
	if !ok {
		return 0, b.internalError("multisig output index %d:%d resolves to a non-multisig output",
			in.Amount, in.OutputIndex)
	}
	if in.Term != target.Term {
		return 0, ruleError(ErrBadDepositTerm, fmt.Sprintf(
			"input %d declares term %d, output was created with term %d",
			inputIndex, in.Term, target.Term))
	}
	if in.SignatureCount != target.RequiredSignatureCount {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d carries %d signatures, output requires %d",
			inputIndex, in.SignatureCount, target.RequiredSignatureCount))
	}
	if target.Term > 0 {
		if height < ref.Height+target.Term {
			return 0, ruleError(ErrBadDepositTerm, fmt.Sprintf(
				"deposit created at height %d with term %d cannot be spent before height %d",
				ref.Height, target.Term, ref.Height+target.Term))
		}
	} else if !unlockTime.Unlocked(height, now) {
		return 0, ruleError(ErrBadInput, fmt.Sprintf(
			"input %d spends a still-locked multisig output", inputIndex))
	}
	return ref.Height, nil
}

// outputSource resolves the transaction holding an indexed output along
// with its unlock time. A dangling reference means the indices and the
// store disagree, which latches the engine read-only.
func (b *Blockchain) outputSource(height, txIndex uint32) (*wire.Transaction, wire.UnlockTime, error) {
	rec, ok := b.store.get(height)
	if !ok || uint64(txIndex) >= uint64(len(rec.Transactions)) {
		return nil, 0, b.internalError("output index references missing transaction %d:%d", height, txIndex)
	}
	tx := &rec.Transactions[txIndex].Transaction
	return tx, tx.UnlockTime, nil
}

// inputSignatures returns the signature vector belonging to an input, or
// nil when the transaction carries none.
func inputSignatures(tx *wire.Transaction, inputIndex int) []crypto.Signature {
	if inputIndex >= len(tx.Signatures) {
		return nil
	}
	return tx.Signatures[inputIndex]
}
