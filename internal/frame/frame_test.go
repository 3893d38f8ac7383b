package frame

import (
	"bytes"
	"testing"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Type:      TypeData,
		SessionID: [SessionIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8},
		StreamID:  42,
		Sequence:  7,
		Flags:     FlagNone,
		Payload:   []byte("hello world"),
	}

	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != f.Type || got.SessionID != f.SessionID || got.StreamID != f.StreamID ||
		got.Sequence != f.Sequence || got.Flags != f.Flags || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf, _ := (&Frame{Type: TypeData}).Encode()
	buf[0] = 0x00
	if _, err := Decode(buf); err != ErrBadMagic {
		t.Errorf("Decode() error = %v, want ErrBadMagic", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf, _ := (&Frame{Type: TypeData, Payload: []byte("payload")}).Encode()
	for i := 1; i < len(buf); i++ {
		_, err := Decode(buf[:i])
		if err == nil {
			t.Errorf("Decode(%d bytes) succeeded, want an error", i)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	buf, _ := (&Frame{Type: TypeData}).Encode()
	buf[2] = 0x09
	if _, err := Decode(buf); err != ErrUnknownType {
		t.Errorf("Decode() error = %v, want ErrUnknownType", err)
	}
}

func TestEncodeOversizeFrame(t *testing.T) {
	f := &Frame{Type: TypeData, Payload: make([]byte, MaxFrameSize+1)}
	if _, err := f.Encode(); err != ErrOversizeFrame {
		t.Errorf("Encode() error = %v, want ErrOversizeFrame", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a := cryptoadapter.New()
	key := []byte("shared_seed_32_bytes_minimum!!!!")

	f := &Frame{
		Type:      TypeData,
		SessionID: [SessionIDSize]byte{9, 9, 9, 9, 9, 9, 9, 9},
		StreamID:  3,
		Sequence:  1,
	}
	if err := EncryptInto(f, []byte("secret payload"), key, a); err != nil {
		t.Fatalf("EncryptInto() error = %v", err)
	}

	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	pt, err := DecryptFrom(decoded, key, a)
	if err != nil {
		t.Fatalf("DecryptFrom() error = %v", err)
	}
	if string(pt) != "secret payload" {
		t.Errorf("DecryptFrom() = %q, want %q", pt, "secret payload")
	}
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	f := &Frame{
		Type:      TypeData,
		SessionID: [SessionIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8},
		StreamID:  5,
		Sequence:  10,
		Payload:   []byte("framed over a byte stream"),
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if got.Type != f.Type || got.SessionID != f.SessionID || got.StreamID != f.StreamID ||
		got.Sequence != f.Sequence || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestWriteToReadFromTwoFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	first := &Frame{Type: TypeData, Payload: []byte("first")}
	second := &Frame{Type: TypeData, Payload: []byte("second")}
	if _, err := first.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if _, err := second.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got1, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom() first error = %v", err)
	}
	got2, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom() second error = %v", err)
	}
	if string(got1.Payload) != "first" || string(got2.Payload) != "second" {
		t.Errorf("got %q, %q; want first, second", got1.Payload, got2.Payload)
	}
}

func TestWriteEncodedMatchesWriteTo(t *testing.T) {
	f := &Frame{Type: TypeData, StreamID: 7, Sequence: 3, Payload: []byte("chunk")}
	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var viaWriteTo, viaWriteEncoded bytes.Buffer
	if _, err := f.WriteTo(&viaWriteTo); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if _, err := WriteEncoded(&viaWriteEncoded, encoded); err != nil {
		t.Fatalf("WriteEncoded() error = %v", err)
	}
	if !bytes.Equal(viaWriteTo.Bytes(), viaWriteEncoded.Bytes()) {
		t.Errorf("WriteEncoded produced different bytes than WriteTo: got %x, want %x",
			viaWriteEncoded.Bytes(), viaWriteTo.Bytes())
	}

	got, err := ReadFrom(&viaWriteEncoded)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if got.StreamID != f.StreamID || got.Sequence != f.Sequence || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("round trip via WriteEncoded mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecryptFailsWhenHeaderMutated(t *testing.T) {
	a := cryptoadapter.New()
	key := []byte("shared_seed_32_bytes_minimum!!!!")

	f := &Frame{Type: TypeData, StreamID: 1, Sequence: 1}
	if err := EncryptInto(f, []byte("payload"), key, a); err != nil {
		t.Fatalf("EncryptInto() error = %v", err)
	}

	// Mutating a header field after encryption (e.g. a tampered sequence
	// number) must invalidate the bound associated data.
	f.Sequence = 2
	if _, err := DecryptFrom(f, key, a); err == nil {
		t.Error("DecryptFrom() succeeded after header mutation, want failure")
	}
}
