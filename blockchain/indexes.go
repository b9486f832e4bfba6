package blockchain

import (
	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// outputRef locates the transaction output that produced an entry in a
// per-amount output vector. The entry's position in the vector IS the
// global output index ring members reference; it is never stored.
type outputRef struct {
	Height      uint32
	TxIndex     uint32 // position within the block, 0 is the base tx
	OutputIndex uint32
}

// multisigRef is an outputRef plus the spent flag for multisig outputs.
type multisigRef struct {
	Height      uint32
	TxIndex     uint32
	OutputIndex uint32
	IsUsed      bool
}

// txLocation locates a committed transaction on the main chain.
type txLocation struct {
	Height  uint32
	TxIndex uint32
}

// chainIndexes holds the in-memory indices derived from the main chain.
// Push and pop are exact inverses: popping a transaction restores every
// structure to its prior state bit for bit.
type chainIndexes struct {
	spentKeyImages  map[crypto.KeyImage]uint32
	keyOutputs      map[uint64][]outputRef
	multisigOutputs map[uint64][]multisigRef
	txLocations     map[crypto.Hash]txLocation
}

func newChainIndexes() *chainIndexes {
	return &chainIndexes{
		spentKeyImages:  make(map[crypto.KeyImage]uint32),
		keyOutputs:      make(map[uint64][]outputRef),
		multisigOutputs: make(map[uint64][]multisigRef),
		txLocations:     make(map[crypto.Hash]txLocation),
	}
}

// isSpentKeyImage returns true if the key image is spent on the main chain.
func (idx *chainIndexes) isSpentKeyImage(ki crypto.KeyImage) bool {
	_, ok := idx.spentKeyImages[ki]
	return ok
}

// keyOutput resolves a per-amount global output index.
func (idx *chainIndexes) keyOutput(amount uint64, globalIndex uint32) (outputRef, bool) {
	refs := idx.keyOutputs[amount]
	if uint64(globalIndex) >= uint64(len(refs)) {
		return outputRef{}, false
	}
	return refs[globalIndex], true
}

// multisigOutput resolves a per-amount multisig output index.
func (idx *chainIndexes) multisigOutput(amount uint64, globalIndex uint32) (multisigRef, bool) {
	refs := idx.multisigOutputs[amount]
	if uint64(globalIndex) >= uint64(len(refs)) {
		return multisigRef{}, false
	}
	return refs[globalIndex], true
}

// pushTransaction registers a committed transaction: spends its inputs and
// assigns each output a global index equal to the length of its per-amount
// vector prior to insertion. The assigned indexes are returned in output
// order.
func (idx *chainIndexes) pushTransaction(tx *wire.Transaction, hash crypto.Hash, height, txIndex uint32) ([]uint32, error) {
	if _, exists := idx.txLocations[hash]; exists {
		return nil, errors.Errorf("transaction %s is already indexed", hash)
	}

	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if _, spent := idx.spentKeyImages[in.KeyImage]; spent {
				return nil, errors.Errorf("key image %s is already spent", in.KeyImage)
			}
		case *wire.MultisigInput:
			ref, ok := idx.multisigOutput(in.Amount, in.OutputIndex)
			if !ok {
				return nil, errors.Errorf("multisig output %d:%d does not exist", in.Amount, in.OutputIndex)
			}
			if ref.IsUsed {
				return nil, errors.Errorf("multisig output %d:%d is already spent", in.Amount, in.OutputIndex)
			}
		}
	}

	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			idx.spentKeyImages[in.KeyImage] = height
		case *wire.MultisigInput:
			idx.multisigOutputs[in.Amount][in.OutputIndex].IsUsed = true
		}
	}

	globalIndexes := make([]uint32, len(tx.Outputs))
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		ref := outputRef{Height: height, TxIndex: txIndex, OutputIndex: uint32(i)}
		switch out.Target.(type) {
		case *wire.KeyOutput:
			globalIndexes[i] = uint32(len(idx.keyOutputs[out.Amount]))
			idx.keyOutputs[out.Amount] = append(idx.keyOutputs[out.Amount], ref)
		case *wire.MultisigOutput:
			globalIndexes[i] = uint32(len(idx.multisigOutputs[out.Amount]))
			idx.multisigOutputs[out.Amount] = append(idx.multisigOutputs[out.Amount],
				multisigRef{Height: height, TxIndex: txIndex, OutputIndex: uint32(i)})
		}
	}

	idx.txLocations[hash] = txLocation{Height: height, TxIndex: txIndex}
	return globalIndexes, nil
}

// popTransaction reverts pushTransaction. Output vectors only ever shrink
// from the tail in exact reverse insertion order; any divergence from the
// expected (height, txIndex, outputSlot) is a broken invariant surfaced to
// the caller.
func (idx *chainIndexes) popTransaction(tx *wire.Transaction, hash crypto.Hash, height, txIndex uint32) error {
	loc, ok := idx.txLocations[hash]
	if !ok {
		return errors.Errorf("transaction %s is not indexed", hash)
	}
	if loc.Height != height || loc.TxIndex != txIndex {
		return errors.Errorf("transaction %s indexed at %d:%d, expected %d:%d",
			hash, loc.Height, loc.TxIndex, height, txIndex)
	}

	for i := len(tx.Outputs) - 1; i >= 0; i-- {
		out := &tx.Outputs[i]
		switch out.Target.(type) {
		case *wire.KeyOutput:
			refs := idx.keyOutputs[out.Amount]
			if len(refs) == 0 {
				return errors.Errorf("key output vector for amount %d is empty on pop", out.Amount)
			}
			tail := refs[len(refs)-1]
			if tail.Height != height || tail.TxIndex != txIndex || tail.OutputIndex != uint32(i) {
				return errors.Errorf("key output tail for amount %d is %v, expected %d:%d:%d",
					out.Amount, tail, height, txIndex, i)
			}
			if len(refs) == 1 {
				delete(idx.keyOutputs, out.Amount)
			} else {
				idx.keyOutputs[out.Amount] = refs[:len(refs)-1]
			}
		case *wire.MultisigOutput:
			refs := idx.multisigOutputs[out.Amount]
			if len(refs) == 0 {
				return errors.Errorf("multisig output vector for amount %d is empty on pop", out.Amount)
			}
			tail := refs[len(refs)-1]
			if tail.Height != height || tail.TxIndex != txIndex || tail.OutputIndex != uint32(i) {
				return errors.Errorf("multisig output tail for amount %d is %v, expected %d:%d:%d",
					out.Amount, tail, height, txIndex, i)
			}
			if tail.IsUsed {
				return errors.Errorf("multisig output %d:%d is still marked spent on pop",
					out.Amount, len(refs)-1)
			}
			if len(refs) == 1 {
				delete(idx.multisigOutputs, out.Amount)
			} else {
				idx.multisigOutputs[out.Amount] = refs[:len(refs)-1]
			}
		}
	}

	for _, in := range tx.Inputs {
		switch in := in.(type) {
		case *wire.KeyInput:
			if _, spent := idx.spentKeyImages[in.KeyImage]; !spent {
				return errors.Errorf("key image %s is not spent on pop", in.KeyImage)
			}
			delete(idx.spentKeyImages, in.KeyImage)
		case *wire.MultisigInput:
			ref, ok := idx.multisigOutput(in.Amount, in.OutputIndex)
			if !ok || !ref.IsUsed {
				return errors.Errorf("multisig output %d:%d is not spent on pop", in.Amount, in.OutputIndex)
			}
			idx.multisigOutputs[in.Amount][in.OutputIndex].IsUsed = false
		}
	}

	delete(idx.txLocations, hash)
	return nil
}
