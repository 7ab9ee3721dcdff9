package envelope

import "encoding/binary"

// Letter is the wrapped envelope format. The body carries explicit markers of what was
// done to Data so a receiver can tell an encrypted message from a plaintext one.
type Letter struct {
	LetterID uint64      `json:"LetterID"`
	Body     *LetterBody `json:"Body"`
}

// LetterBody is a payload with modifications and indicators of what was modified.
type LetterBody struct {
	Encrypted   bool   `json:"Encrypted"`
	EType       string `json:"EncryptionType,omitempty"`
	Compressed  bool   `json:"Compressed"`
	CType       string `json:"CompressionType,omitempty"`
	UTCDateTime string `json:"UTCDateTime"`
	Data        []byte `json:"Data"`
	Signature   []byte `json:"Signature,omitempty"`
}

const signatureDomain = "securedcomm.letter.v1"

// signedBytes is what a letter signature covers: the letter ID, every marker of the
// body and the data. Variable length fields are length prefixed so no two letters share
// an encoding.
func signedBytes(letterID uint64, body *LetterBody) []byte {

	out := make([]byte, 0, len(signatureDomain)+len(body.EType)+len(body.CType)+len(body.UTCDateTime)+len(body.Data)+48)
	out = appendField(out, []byte(signatureDomain))
	out = binary.BigEndian.AppendUint64(out, letterID)
	out = appendFlag(out, body.Encrypted)
	out = appendField(out, []byte(body.EType))
	out = appendFlag(out, body.Compressed)
	out = appendField(out, []byte(body.CType))
	out = appendField(out, []byte(body.UTCDateTime))

	return appendField(out, body.Data)
}

func appendField(out, field []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(field)))
	return append(out, field...)
}

func appendFlag(out []byte, flag bool) []byte {
	if flag {
		return append(out, 1)
	}
	return append(out, 0)
}
