package chamber

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
)

func testLabel(b byte) Label {
	var l Label
	for i := range l {
		l[i] = b
	}
	return l
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, cryptoadapter.New(), []byte("chamber-test-key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	label := testLabel(0x01)
	want := []byte("the night has a thousand eyes")
	if err := s.Put(label, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(label)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get() = %q, want %q", got, want)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, cryptoadapter.New(), []byte("key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := s.Get(testLabel(0xFF)); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, cryptoadapter.New(), []byte("key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	label := testLabel(0x02)
	if err := s.Put(label, []byte("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(label, []byte("second")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(label)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, cryptoadapter.New(), []byte("key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	label := testLabel(0x03)
	if err := s.Put(label, []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(label); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Has(label) {
		t.Error("Has() true after Delete()")
	}
	if _, err := s.Get(label); err != ErrNotFound {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, cryptoadapter.New(), []byte("key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Delete(testLabel(0x09)); err != nil {
		t.Errorf("Delete() of missing label error = %v", err)
	}
}

func TestGetWithWrongKeyFailsCorrupt(t *testing.T) {
	dir := t.TempDir()
	adapter := cryptoadapter.New()
	s, err := Open(dir, adapter, []byte("right-key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	label := testLabel(0x04)
	if err := s.Put(label, []byte("secret")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	wrong, err := Open(dir, adapter, []byte("wrong-key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := wrong.Get(label); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get() with wrong key error = %v, want ErrCorrupt", err)
	}
}

func TestLabelFromBytesValidatesLength(t *testing.T) {
	if _, err := LabelFromBytes([]byte("too short")); err == nil {
		t.Error("LabelFromBytes() with wrong length succeeded")
	}
	full := make([]byte, LabelSize)
	if _, err := LabelFromBytes(full); err != nil {
		t.Errorf("LabelFromBytes() with correct length error = %v", err)
	}
}
