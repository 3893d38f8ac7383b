// Package frame implements the self-describing binary frame format
// carried opaquely over any datagram or message-oriented transport, and
// binds frame header fields to the crypto adapter's associated data.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// Type identifies the frame's purpose.
type Type uint8

const (
	TypeHandshake     Type = 0x01
	TypeData          Type = 0x02
	TypeControl       Type = 0x03
	TypeStreamControl Type = 0x04
	TypeAuth          Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeData:
		return "DATA"
	case TypeControl:
		return "CONTROL"
	case TypeStreamControl:
		return "STREAM_CONTROL"
	case TypeAuth:
		return "AUTH"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Flag bits carried in the frame header.
type Flags uint8

const (
	FlagNone Flags = 0
)

const (
	magicByte0 = 0x53 // 'S'
	magicByte1 = 0x54 // 'T'

	// SessionIDSize is the fixed width of the session id field.
	SessionIDSize = 8

	// MaxFrameSize is the maximum total encoded frame size (spec §4.3).
	MaxFrameSize = 2 * 1024 * 1024

	// minHeaderSize is magic(2) + type(1) + sid(8) + flags(1) + the
	// minimum one-byte varints for stream/seq/plen/mlen.
	minHeaderSize = 2 + 1 + SessionIDSize + 1 + 1 + 1 + 1 + 1
)

var (
	ErrBadMagic       = errors.New("frame: bad magic")
	ErrTruncatedFrame = errors.New("frame: truncated")
	ErrOversizeFrame  = errors.New("frame: exceeds maximum size")
	ErrUnknownType    = errors.New("frame: unknown type")
	ErrDecryptFailed  = errors.New("frame: decrypt failed")
)

// ZeroSessionID is used for the session id field before a session exists
// (i.e. during the handshake).
var ZeroSessionID = [SessionIDSize]byte{}

// Frame is a single self-describing wire frame, per spec §3.1/§4.3.
type Frame struct {
	Type      Type
	SessionID [SessionIDSize]byte
	StreamID  uint64
	Sequence  uint64
	Flags     Flags
	Payload   []byte         // cleartext (handshake) or adapter ciphertext
	Meta      cryptoadapter.Metadata // opaque, consumed by Decrypt; nil/empty if unencrypted
}

// Encode serializes f to its wire representation.
func (f *Frame) Encode() ([]byte, error) {
	if !validType(f.Type) {
		return nil, ErrUnknownType
	}
	if len(f.Payload) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}

	var metaBytes []byte
	if len(f.Meta) > 0 {
		var err error
		metaBytes, err = tlv.Encode(tlv.Map(f.Meta))
		if err != nil {
			return nil, fmt.Errorf("frame: encode meta: %w", err)
		}
	}

	buf := make([]byte, 0, minHeaderSize+len(f.Payload)+len(metaBytes))
	buf = append(buf, magicByte0, magicByte1, byte(f.Type))
	buf = append(buf, f.SessionID[:]...)
	buf = appendVarint(buf, f.StreamID)
	buf = appendVarint(buf, f.Sequence)
	buf = append(buf, byte(f.Flags))
	buf = appendVarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = appendVarint(buf, uint64(len(metaBytes)))
	buf = append(buf, metaBytes...)

	if len(buf) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	return buf, nil
}

// Decode parses a frame from buf. buf must contain exactly one frame —
// the transport contract (spec §6) guarantees a frame is delivered whole
// or not at all, so there is no internal length-prefixing at this layer.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	if len(buf) < 2+1+SessionIDSize {
		return nil, ErrTruncatedFrame
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return nil, ErrBadMagic
	}

	f := &Frame{Type: Type(buf[2])}
	if !validType(f.Type) {
		return nil, ErrUnknownType
	}
	off := 3
	copy(f.SessionID[:], buf[off:off+SessionIDSize])
	off += SessionIDSize

	streamID, n, err := readVarint(buf[off:])
	if err != nil {
		return nil, ErrTruncatedFrame
	}
	f.StreamID = streamID
	off += n

	seq, n, err := readVarint(buf[off:])
	if err != nil {
		return nil, ErrTruncatedFrame
	}
	f.Sequence = seq
	off += n

	if off >= len(buf) {
		return nil, ErrTruncatedFrame
	}
	f.Flags = Flags(buf[off])
	off++

	plen, n, err := readVarint(buf[off:])
	if err != nil {
		return nil, ErrTruncatedFrame
	}
	off += n
	if plen > MaxFrameSize || uint64(len(buf)-off) < plen {
		if plen > MaxFrameSize {
			return nil, ErrOversizeFrame
		}
		return nil, ErrTruncatedFrame
	}
	f.Payload = append([]byte(nil), buf[off:off+int(plen)]...)
	off += int(plen)

	mlen, n, err := readVarint(buf[off:])
	if err != nil {
		return nil, ErrTruncatedFrame
	}
	off += n
	if uint64(len(buf)-off) < mlen {
		return nil, ErrTruncatedFrame
	}
	if mlen > 0 {
		metaVal, consumed, err := tlv.Decode(buf[off : off+int(mlen)])
		if err != nil {
			return nil, fmt.Errorf("frame: decode meta: %w", err)
		}
		if consumed != int(mlen) {
			return nil, ErrTruncatedFrame
		}
		m, ok := metaVal.(tlv.Map)
		if !ok {
			return nil, fmt.Errorf("frame: meta is not a map")
		}
		f.Meta = cryptoadapter.Metadata(m)
	}
	off += int(mlen)

	return f, nil
}

func validType(t Type) bool {
	switch t {
	case TypeHandshake, TypeData, TypeControl, TypeStreamControl, TypeAuth:
		return true
	default:
		return false
	}
}

// associatedData builds the associated-data map bound at encrypt time:
// type, session id, stream id, sequence — verbatim header fields, per
// spec §4.3. Any header mutation after encryption invalidates this and
// Decrypt fails.
func associatedData(f *Frame) tlv.Map {
	sid := make([]byte, SessionIDSize)
	copy(sid, f.SessionID[:])
	return tlv.Map{
		"type":       uint64(f.Type),
		"session_id": sid,
		"stream_id":  f.StreamID,
		"sequence":   f.Sequence,
	}
}

// EncryptInto encrypts payload under key with adapter and fills f's
// Payload/Meta with the result. f's Type, SessionID, StreamID and
// Sequence must already be set — they are bound as associated data.
// Flags is not part of the associated data.
func EncryptInto(f *Frame, payload, key []byte, adapter cryptoadapter.Adapter) error {
	ct, meta, err := adapter.Encrypt(payload, key, associatedData(f))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	f.Payload = ct
	f.Meta = meta
	return nil
}

// DecryptFrom reconstructs the associated data from f's header fields
// and decrypts f.Payload under key using f.Meta. Any mismatch between
// the header and what was bound at encrypt time fails with
// ErrDecryptFailed, which is what binds the header to the payload.
func DecryptFrom(f *Frame, key []byte, adapter cryptoadapter.Adapter) ([]byte, error) {
	pt, err := adapter.Decrypt(f.Payload, key, f.Meta, associatedData(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}

// WriteTo writes f to w as a length-prefixed frame: a 4-byte big-endian
// length followed by f.Encode()'s bytes. The underlying transport
// streams (QUIC/HTTP2/WebSocket) are plain io.Reader/io.Writer at this
// layer, so the "delivered whole or not at all" contract Decode relies
// on is established here, the way the teacher's own FrameReader/
// FrameWriter delimits frames over a raw connection.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	encoded, err := f.Encode()
	if err != nil {
		return 0, err
	}
	return WriteEncoded(w, encoded)
}

// WriteEncoded writes an already-Encode()'d frame to w with the same
// length prefix WriteTo uses. Stream.Send returns its frames pre-encoded
// (it segments one payload into several), so callers forwarding that
// output onto a transport stream write it directly instead of decoding
// and re-encoding each chunk.
func WriteEncoded(w io.Writer, encoded []byte) (int64, error) {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(encoded)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return 0, fmt.Errorf("frame: write length prefix: %w", err)
	}
	n, err := w.Write(encoded)
	if err != nil {
		return int64(4 + n), fmt.Errorf("frame: write body: %w", err)
	}
	return int64(4 + n), nil
}

// ReadFrom reads one length-prefixed frame from r, the inverse of
// WriteTo.
func ReadFrom(r io.Reader) (*Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("frame: read body: %w", err)
	}
	return Decode(buf)
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		if i >= 10 {
			return 0, 0, errors.New("frame: overlong varint")
		}
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("frame: truncated varint")
}
