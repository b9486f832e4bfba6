package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
)

// Transaction versions. Version 2 unlocks deposit outputs and tx-extra
// messages.
const (
	TxVersion1 = 1
	TxVersion2 = 2
)

// Input tag bytes on the wire.
const (
	txInTagBase     = 0xff
	txInTagKey      = 0x02
	txInTagMultisig = 0x03
)

// Output target tag bytes on the wire.
const (
	txOutTagKey      = 0x02
	txOutTagMultisig = 0x03
)

// TxInput is one of BaseInput, KeyInput or MultisigInput.
type TxInput interface {
	serializeSize() int
	serialize(w io.Writer) error
}

// InputSignatureCount is the number of signatures an input demands in the
// transaction's signature section.
func InputSignatureCount(in TxInput) int {
	switch in := in.(type) {
	case *KeyInput:
		return len(in.OutputIndexes)
	case *MultisigInput:
		return int(in.SignatureCount)
	default:
		return 0
	}
}

// BaseInput is the coinbase input. Its height must equal the height of the
// block that carries the transaction.
type BaseInput struct {
	BlockHeight uint32
}

// KeyInput spends a key output through a ring of mixins. OutputIndexes holds
// absolute per-amount global output indexes; the wire form is
// delta-encoded.
type KeyInput struct {
	Amount        uint64
	OutputIndexes []uint32
	KeyImage      crypto.KeyImage
}

// MultisigInput spends a multisig output, identified by its per-amount
// global index. Term must match the spent output's term.
type MultisigInput struct {
	Amount         uint64
	SignatureCount uint8
	OutputIndex    uint32
	Term           uint32
}

// TxOutputTarget is one of KeyOutput or MultisigOutput.
type TxOutputTarget interface {
	serializeSize() int
	serialize(w io.Writer) error
}

// KeyOutput pays a one-time public key.
type KeyOutput struct {
	Key crypto.PublicKey
}

// MultisigOutput pays a set of keys, of which RequiredSignatureCount must
// sign to spend. Term > 0 marks a time-locked deposit output.
type MultisigOutput struct {
	Keys                   []crypto.PublicKey
	RequiredSignatureCount uint8
	Term                   uint32
}

// TxOutput is a single transaction output.
type TxOutput struct {
	Amount uint64
	Target TxOutputTarget
}

// TransactionPrefix is the signed portion of a transaction.
type TransactionPrefix struct {
	Version    uint8
	UnlockTime UnlockTime
	Inputs     []TxInput
	Outputs    []TxOutput
	Extra      []byte
}

// Transaction is a full transaction: the prefix plus the per-input
// signature vectors. Signatures[i] belongs to Inputs[i] and its length
// equals InputSignatureCount(Inputs[i]).
type Transaction struct {
	TransactionPrefix
	Signatures [][]crypto.Signature
}

func (in *BaseInput) serializeSize() int {
	return 1 + VarUintSerializeSize(uint64(in.BlockHeight))
}

func (in *BaseInput) serialize(w io.Writer) error {
	if err := writeBytes(w, []byte{txInTagBase}); err != nil {
		return err
	}
	return WriteVarUint(w, uint64(in.BlockHeight))
}

func (in *KeyInput) serializeSize() int {
	size := 1 + VarUintSerializeSize(in.Amount) +
		VarUintSerializeSize(uint64(len(in.OutputIndexes))) +
		crypto.HashSize
	prev := uint32(0)
	for i, idx := range in.OutputIndexes {
		if i == 0 {
			size += VarUintSerializeSize(uint64(idx))
		} else {
			size += VarUintSerializeSize(uint64(idx - prev))
		}
		prev = idx
	}
	return size
}

func (in *KeyInput) serialize(w io.Writer) error {
	if err := writeBytes(w, []byte{txInTagKey}); err != nil {
		return err
	}
	if err := WriteVarUint(w, in.Amount); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(len(in.OutputIndexes))); err != nil {
		return err
	}
	// Ring members are delta-encoded: the first index is absolute, each
	// following index is the difference from its predecessor.
	prev := uint32(0)
	for i, idx := range in.OutputIndexes {
		delta := idx
		if i > 0 {
			if idx <= prev {
				return errors.New("key input ring indexes are not strictly increasing")
			}
			delta = idx - prev
		}
		if err := WriteVarUint(w, uint64(delta)); err != nil {
			return err
		}
		prev = idx
	}
	_, err := w.Write(in.KeyImage[:])
	return errors.WithStack(err)
}

func (in *MultisigInput) serializeSize() int {
	return 1 + VarUintSerializeSize(in.Amount) +
		VarUintSerializeSize(uint64(in.SignatureCount)) +
		VarUintSerializeSize(uint64(in.OutputIndex)) +
		VarUintSerializeSize(uint64(in.Term))
}

func (in *MultisigInput) serialize(w io.Writer) error {
	if err := writeBytes(w, []byte{txInTagMultisig}); err != nil {
		return err
	}
	if err := WriteVarUint(w, in.Amount); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(in.SignatureCount)); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(in.OutputIndex)); err != nil {
		return err
	}
	return WriteVarUint(w, uint64(in.Term))
}

func readTxInput(r io.Reader) (TxInput, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	switch tag[0] {
	case txInTagBase:
		height, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		if height > MaxBlockNumber {
			return nil, errors.Errorf("base input height %d exceeds the maximum block number", height)
		}
		return &BaseInput{BlockHeight: uint32(height)}, nil

	case txInTagKey:
		in := &KeyInput{}
		amount, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		in.Amount = amount
		count, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, errors.New("key input carries an empty ring")
		}
		if count > MaxRingSize {
			return nil, errors.Errorf("key input ring size %d exceeds the maximum of %d", count, MaxRingSize)
		}
		in.OutputIndexes = make([]uint32, count)
		prev := uint64(0)
		for i := range in.OutputIndexes {
			delta, err := ReadVarUint(r)
			if err != nil {
				return nil, err
			}
			if i > 0 && delta == 0 {
				return nil, errors.New("key input ring indexes are not strictly increasing")
			}
			prev += delta
			if prev > 0xffffffff {
				return nil, errors.New("key input ring index overflows 32 bits")
			}
			in.OutputIndexes[i] = uint32(prev)
		}
		if _, err := io.ReadFull(r, in.KeyImage[:]); err != nil {
			return nil, errors.WithStack(err)
		}
		return in, nil

	case txInTagMultisig:
		in := &MultisigInput{}
		amount, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		in.Amount = amount
		sigCount, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		if sigCount == 0 || sigCount > 0xff {
			return nil, errors.Errorf("invalid multisig input signature count %d", sigCount)
		}
		in.SignatureCount = uint8(sigCount)
		outputIndex, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		if outputIndex > 0xffffffff {
			return nil, errors.New("multisig input output index overflows 32 bits")
		}
		in.OutputIndex = uint32(outputIndex)
		term, err := ReadVarUint(r)
		if err != nil {
			return nil, err
		}
		if term > 0xffffffff {
			return nil, errors.New("multisig input term overflows 32 bits")
		}
		in.Term = uint32(term)
		return in, nil

	default:
		return nil, errors.Errorf("unknown transaction input tag 0x%02x", tag[0])
	}
}

func (t *KeyOutput) serializeSize() int {
	return 1 + crypto.HashSize
}

func (t *KeyOutput) serialize(w io.Writer) error {
	if err := writeBytes(w, []byte{txOutTagKey}); err != nil {
		return err
	}
	_, err := w.Write(t.Key[:])
	return errors.WithStack(err)
}

func (t *MultisigOutput) serializeSize() int {
	return 1 + VarUintSerializeSize(uint64(len(t.Keys))) +
		len(t.Keys)*crypto.HashSize +
		VarUintSerializeSize(uint64(t.RequiredSignatureCount)) +
		VarUintSerializeSize(uint64(t.Term))
}

func (t *MultisigOutput) serialize(w io.Writer) error {
	if err := writeBytes(w, []byte{txOutTagMultisig}); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(len(t.Keys))); err != nil {
		return err
	}
	for i := range t.Keys {
		if _, err := w.Write(t.Keys[i][:]); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := WriteVarUint(w, uint64(t.RequiredSignatureCount)); err != nil {
		return err
	}
	return WriteVarUint(w, uint64(t.Term))
}

func readTxOutput(r io.Reader) (TxOutput, error) {
	var out TxOutput
	amount, err := ReadVarUint(r)
	if err != nil {
		return out, err
	}
	out.Amount = amount

	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return out, errors.WithStack(err)
	}
	switch tag[0] {
	case txOutTagKey:
		target := &KeyOutput{}
		if _, err := io.ReadFull(r, target.Key[:]); err != nil {
			return out, errors.WithStack(err)
		}
		out.Target = target
		return out, nil

	case txOutTagMultisig:
		target := &MultisigOutput{}
		keyCount, err := ReadVarUint(r)
		if err != nil {
			return out, err
		}
		if keyCount == 0 || keyCount > 0xff {
			return out, errors.Errorf("invalid multisig output key count %d", keyCount)
		}
		target.Keys = make([]crypto.PublicKey, keyCount)
		for i := range target.Keys {
			if _, err := io.ReadFull(r, target.Keys[i][:]); err != nil {
				return out, errors.WithStack(err)
			}
		}
		required, err := ReadVarUint(r)
		if err != nil {
			return out, err
		}
		if required == 0 || required > keyCount {
			return out, errors.Errorf("invalid multisig required signature count %d of %d keys", required, keyCount)
		}
		target.RequiredSignatureCount = uint8(required)
		term, err := ReadVarUint(r)
		if err != nil {
			return out, err
		}
		if term > 0xffffffff {
			return out, errors.New("multisig output term overflows 32 bits")
		}
		target.Term = uint32(term)
		out.Target = target
		return out, nil

	default:
		return out, errors.Errorf("unknown transaction output tag 0x%02x", tag[0])
	}
}

// SerializePrefix encodes the signed portion of the transaction to w.
func (tx *TransactionPrefix) SerializePrefix(w io.Writer) error {
	if err := WriteVarUint(w, uint64(tx.Version)); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(tx.UnlockTime)); err != nil {
		return err
	}
	if err := WriteVarUint(w, uint64(len(tx.Inputs))); err != nil {
		return err
	}
	for _, in := range tx.Inputs {
		if err := in.serialize(w); err != nil {
			return err
		}
	}
	if err := WriteVarUint(w, uint64(len(tx.Outputs))); err != nil {
		return err
	}
	for i := range tx.Outputs {
		if err := WriteVarUint(w, tx.Outputs[i].Amount); err != nil {
			return err
		}
		if err := tx.Outputs[i].Target.serialize(w); err != nil {
			return err
		}
	}
	if err := WriteVarUint(w, uint64(len(tx.Extra))); err != nil {
		return err
	}
	return writeBytes(w, tx.Extra)
}

// DeserializePrefix decodes the signed portion of the transaction from r.
func (tx *TransactionPrefix) DeserializePrefix(r io.Reader) error {
	version, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if version == 0 || version > 0xff {
		return errors.Errorf("invalid transaction version %d", version)
	}
	tx.Version = uint8(version)

	unlock, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	tx.UnlockTime = UnlockTime(unlock)

	inCount, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if inCount > MaxTxInCount {
		return errors.Errorf("transaction input count %d exceeds the maximum of %d", inCount, MaxTxInCount)
	}
	tx.Inputs = make([]TxInput, inCount)
	for i := range tx.Inputs {
		in, err := readTxInput(r)
		if err != nil {
			return err
		}
		tx.Inputs[i] = in
	}

	outCount, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if outCount > MaxTxOutCount {
		return errors.Errorf("transaction output count %d exceeds the maximum of %d", outCount, MaxTxOutCount)
	}
	tx.Outputs = make([]TxOutput, outCount)
	for i := range tx.Outputs {
		out, err := readTxOutput(r)
		if err != nil {
			return err
		}
		tx.Outputs[i] = out
	}

	extraSize, err := ReadVarUint(r)
	if err != nil {
		return err
	}
	if extraSize > MaxTxExtraSize {
		return errors.Errorf("transaction extra size %d exceeds the maximum of %d", extraSize, MaxTxExtraSize)
	}
	tx.Extra = make([]byte, extraSize)
	return readBytes(r, tx.Extra)
}

// PrefixSerializeSize returns the encoded length of the signed portion.
func (tx *TransactionPrefix) PrefixSerializeSize() int {
	size := VarUintSerializeSize(uint64(tx.Version)) +
		VarUintSerializeSize(uint64(tx.UnlockTime)) +
		VarUintSerializeSize(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		size += in.serializeSize()
	}
	size += VarUintSerializeSize(uint64(len(tx.Outputs)))
	for i := range tx.Outputs {
		size += VarUintSerializeSize(tx.Outputs[i].Amount)
		size += tx.Outputs[i].Target.serializeSize()
	}
	size += VarUintSerializeSize(uint64(len(tx.Extra))) + len(tx.Extra)
	return size
}

// Serialize encodes the full transaction, signatures included, to w.
func (tx *Transaction) Serialize(w io.Writer) error {
	if err := tx.SerializePrefix(w); err != nil {
		return err
	}
	if len(tx.Signatures) != 0 && len(tx.Signatures) != len(tx.Inputs) {
		return errors.Errorf("transaction has %d signature vectors for %d inputs",
			len(tx.Signatures), len(tx.Inputs))
	}
	for i, sigs := range tx.Signatures {
		want := InputSignatureCount(tx.Inputs[i])
		if len(sigs) != want {
			return errors.Errorf("input %d wants %d signatures, have %d", i, want, len(sigs))
		}
		for j := range sigs {
			if _, err := w.Write(sigs[j][:]); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// Deserialize decodes a full transaction from r. The signature section has
// no count prefix on the wire; its shape is derived from the inputs.
func (tx *Transaction) Deserialize(r io.Reader) error {
	if err := tx.DeserializePrefix(r); err != nil {
		return err
	}
	totalSigs := 0
	for _, in := range tx.Inputs {
		totalSigs += InputSignatureCount(in)
	}
	if totalSigs == 0 {
		tx.Signatures = nil
		return nil
	}
	tx.Signatures = make([][]crypto.Signature, len(tx.Inputs))
	for i, in := range tx.Inputs {
		count := InputSignatureCount(in)
		sigs := make([]crypto.Signature, count)
		for j := 0; j < count; j++ {
			if _, err := io.ReadFull(r, sigs[j][:]); err != nil {
				return errors.WithStack(err)
			}
		}
		tx.Signatures[i] = sigs
	}
	return nil
}

// SerializeSize returns the encoded length of the full transaction.
func (tx *Transaction) SerializeSize() int {
	size := tx.PrefixSerializeSize()
	for _, sigs := range tx.Signatures {
		size += len(sigs) * crypto.SignatureSize
	}
	return size
}

// Bytes returns the serialized transaction. It panics on a malformed
// signature section since that indicates a programming error, not invalid
// wire data.
func (tx *Transaction) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// TxHash computes the transaction identifier: the Keccak-256 digest of the
// serialized transaction.
func (tx *Transaction) TxHash() crypto.Hash {
	return crypto.HashData(tx.Bytes())
}

// PrefixHash computes the digest of the signed portion only. Ring
// signatures commit to this value.
func (tx *Transaction) PrefixHash() crypto.Hash {
	var buf bytes.Buffer
	buf.Grow(tx.PrefixSerializeSize())
	if err := tx.SerializePrefix(&buf); err != nil {
		panic(err)
	}
	return crypto.HashData(buf.Bytes())
}

// OutputsAmount sums the transaction's output values. The second return is
// false on overflow.
func (tx *TransactionPrefix) OutputsAmount() (uint64, bool) {
	var sum uint64
	for i := range tx.Outputs {
		next := sum + tx.Outputs[i].Amount
		if next < sum {
			return 0, false
		}
		sum = next
	}
	return sum, true
}

// InputsAmount sums the transaction's declared input values. Base inputs
// carry no value. The second return is false on overflow.
func (tx *TransactionPrefix) InputsAmount() (uint64, bool) {
	var sum uint64
	for _, in := range tx.Inputs {
		var v uint64
		switch in := in.(type) {
		case *KeyInput:
			v = in.Amount
		case *MultisigInput:
			v = in.Amount
		}
		next := sum + v
		if next < sum {
			return 0, false
		}
		sum = next
	}
	return sum, true
}

// IsCoinbase returns true if the transaction's single input is a BaseInput.
func (tx *TransactionPrefix) IsCoinbase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}
	_, ok := tx.Inputs[0].(*BaseInput)
	return ok
}
