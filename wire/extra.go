package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/crypto"
)

// Tx-extra field tags.
const (
	extraTagPadding        = 0x00
	extraTagPublicKey      = 0x01
	extraTagNonce          = 0x02
	extraTagMergeMiningTag = 0x03
	extraTagMessages       = 0x04
)

// extraNoncePaymentID is the sub-tag inside an extra nonce field marking a
// 32-byte payment id.
const extraNoncePaymentID = 0x00

// maxExtraNonceSize bounds a single extra nonce field.
const maxExtraNonceSize = 255

// MergeMiningTag binds a block to a merge-mined parent chain.
type MergeMiningTag struct {
	Depth      uint64
	MerkleRoot crypto.Hash
}

// ExtraFields is the parsed form of a transaction's extra blob. Pointer
// fields are nil when the corresponding tag is absent.
type ExtraFields struct {
	PublicKey      *crypto.PublicKey
	Nonce          []byte
	PaymentID      *crypto.Hash
	MergeMiningTag *MergeMiningTag
	Messages       [][]byte
}

// ParseExtra decodes the tagged fields of a transaction extra blob. Unknown
// tags terminate parsing without error, matching the reference behavior of
// ignoring trailing data it cannot understand.
func ParseExtra(extra []byte) (*ExtraFields, error) {
	fields := &ExtraFields{}
	r := bytes.NewReader(extra)
	for r.Len() > 0 {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		switch tag {
		case extraTagPadding:
			// Padding is a run of zero bytes through the end of the blob.
			for r.Len() > 0 {
				b, err := r.ReadByte()
				if err != nil {
					return nil, errors.WithStack(err)
				}
				if b != 0 {
					return nil, errors.New("tx extra padding contains a nonzero byte")
				}
			}

		case extraTagPublicKey:
			if fields.PublicKey != nil {
				return nil, errors.New("tx extra carries more than one public key")
			}
			var key crypto.PublicKey
			if _, err := io.ReadFull(r, key[:]); err != nil {
				return nil, errors.New("tx extra public key field is truncated")
			}
			fields.PublicKey = &key

		case extraTagNonce:
			size, err := ReadVarUint(r)
			if err != nil {
				return nil, err
			}
			if size > maxExtraNonceSize {
				return nil, errors.Errorf("tx extra nonce size %d exceeds the maximum of %d", size, maxExtraNonceSize)
			}
			nonce := make([]byte, size)
			if err := readBytes(r, nonce); err != nil {
				return nil, errors.New("tx extra nonce field is truncated")
			}
			fields.Nonce = nonce
			if len(nonce) == 1+crypto.HashSize && nonce[0] == extraNoncePaymentID {
				var pid crypto.Hash
				copy(pid[:], nonce[1:])
				fields.PaymentID = &pid
			}

		case extraTagMergeMiningTag:
			size, err := ReadVarUint(r)
			if err != nil {
				return nil, err
			}
			body := make([]byte, size)
			if err := readBytes(r, body); err != nil {
				return nil, errors.New("tx extra merge mining tag is truncated")
			}
			br := bytes.NewReader(body)
			depth, err := ReadVarUint(br)
			if err != nil {
				return nil, err
			}
			tag := &MergeMiningTag{Depth: depth}
			if err := readHash(br, &tag.MerkleRoot); err != nil {
				return nil, errors.New("tx extra merge mining tag is truncated")
			}
			if br.Len() != 0 {
				return nil, errors.New("tx extra merge mining tag carries trailing bytes")
			}
			fields.MergeMiningTag = tag

		case extraTagMessages:
			size, err := ReadVarUint(r)
			if err != nil {
				return nil, err
			}
			if size > MaxTxExtraSize {
				return nil, errors.Errorf("tx extra message size %d exceeds the maximum", size)
			}
			msg := make([]byte, size)
			if err := readBytes(r, msg); err != nil {
				return nil, errors.New("tx extra message field is truncated")
			}
			fields.Messages = append(fields.Messages, msg)

		default:
			// Unknown field: the remainder of the blob is opaque.
			return fields, nil
		}
	}
	return fields, nil
}

// AppendPublicKeyToExtra appends a tagged transaction public key field.
func AppendPublicKeyToExtra(extra []byte, key crypto.PublicKey) []byte {
	extra = append(extra, extraTagPublicKey)
	return append(extra, key[:]...)
}

// AppendNonceToExtra appends a raw nonce field. An error is returned when
// the nonce exceeds the single-field limit.
func AppendNonceToExtra(extra []byte, nonce []byte) ([]byte, error) {
	if len(nonce) > maxExtraNonceSize {
		return nil, errors.Errorf("extra nonce of %d bytes exceeds the maximum of %d",
			len(nonce), maxExtraNonceSize)
	}
	extra = append(extra, extraTagNonce)
	var size bytes.Buffer
	_ = WriteVarUint(&size, uint64(len(nonce)))
	extra = append(extra, size.Bytes()...)
	return append(extra, nonce...), nil
}

// AppendPaymentIDToExtra appends a nonce field carrying a payment id.
func AppendPaymentIDToExtra(extra []byte, paymentID crypto.Hash) []byte {
	extra = append(extra, extraTagNonce, byte(1+crypto.HashSize), extraNoncePaymentID)
	return append(extra, paymentID[:]...)
}

// AppendMergeMiningTagToExtra appends a merge mining tag field.
func AppendMergeMiningTagToExtra(extra []byte, tag MergeMiningTag) []byte {
	var body bytes.Buffer
	_ = WriteVarUint(&body, tag.Depth)
	body.Write(tag.MerkleRoot[:])
	extra = append(extra, extraTagMergeMiningTag)
	var size bytes.Buffer
	_ = WriteVarUint(&size, uint64(body.Len()))
	extra = append(extra, size.Bytes()...)
	return append(extra, body.Bytes()...)
}
