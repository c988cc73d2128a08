package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

var (
	lenPrefix = []byte("LEN:")
	ackMsg    = []byte("ACK")
	finMsg    = []byte("FIN")
)

// MaxLength is the largest LEN a receiver accepts. Payloads are assembled in
// memory.
const MaxLength = 1 << 30

func EncodeLen(totalBytes int) []byte {
	return strconv.AppendInt(bytes.Clone(lenPrefix), int64(totalBytes), 10)
}

// DecodeLen parses "LEN:<decimal>" and rejects zero, negative and lengths
// above MaxLength.
func DecodeLen(msg []byte) (int, error) {
	if !bytes.HasPrefix(msg, lenPrefix) {
		return 0, ErrMalformedLen
	}
	n, err := strconv.Atoi(string(msg[len(lenPrefix):]))
	if err != nil || n < 0 || n > MaxLength {
		return 0, ErrInvalidLength
	}
	if n == 0 {
		return 0, ErrEmptyPayload
	}
	return n, nil
}

func EncodeAck(f Framing, seq int) []byte {
	if f == FramingRaw {
		return bytes.Clone(ackMsg)
	}
	msg := append(bytes.Clone(ackMsg), ':')
	return strconv.AppendInt(msg, int64(seq), 10)
}

// DecodeAck reports the acknowledged index. With raw framing every datagram
// is an acknowledgment and the index is -1.
func DecodeAck(f Framing, msg []byte) (int, bool) {
	if f == FramingRaw {
		return -1, true
	}
	rest, ok := bytes.CutPrefix(msg, ackMsg)
	if !ok {
		return 0, false
	}
	rest, ok = bytes.CutPrefix(rest, []byte(":"))
	if !ok {
		return 0, false
	}
	seq, err := strconv.Atoi(string(rest))
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func EncodeFin() []byte {
	return bytes.Clone(finMsg)
}

func IsFin(msg []byte) bool {
	return bytes.Equal(msg, finMsg)
}

func EncodeChunk(f Framing, seq int, data []byte) []byte {
	if f == FramingRaw {
		return data
	}
	frame := make([]byte, seqHeaderLen+len(data))
	binary.BigEndian.PutUint32(frame, uint32(seq))
	copy(frame[seqHeaderLen:], data)
	return frame
}

// DecodeChunk splits a datagram into its index and payload. Raw chunks carry
// no index, so the caller's expected index is returned.
func DecodeChunk(f Framing, expected int, msg []byte) (int, []byte, error) {
	if f == FramingRaw {
		return expected, msg, nil
	}
	if len(msg) < seqHeaderLen {
		return 0, nil, ErrInvalidChunk
	}
	return int(binary.BigEndian.Uint32(msg)), msg[seqHeaderLen:], nil
}
