// Package chamber implements the node's persisted, encrypted record
// store: arbitrary byte values addressed by a 32-byte label, sealed at
// rest under the node's crypto adapter and written one file per label.
package chamber

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// LabelSize is the size in bytes of a record label.
const LabelSize = 32

// Label addresses one record in the store.
type Label [LabelSize]byte

// LabelFromBytes builds a Label from a byte slice of exactly LabelSize.
func LabelFromBytes(b []byte) (Label, error) {
	var l Label
	if len(b) != LabelSize {
		return l, fmt.Errorf("chamber: invalid label length %d, want %d", len(b), LabelSize)
	}
	copy(l[:], b)
	return l, nil
}

var (
	// ErrNotFound is returned when no record exists under a label.
	ErrNotFound = errors.New("chamber: record not found")

	// ErrCorrupt is returned when a stored record fails to decode or
	// decrypt — either on-disk corruption or an attempt to open it
	// under the wrong key.
	ErrCorrupt = errors.New("chamber: record corrupt or key mismatch")
)

const recordFileExt = ".rec"

// Store is a directory of AEAD-sealed TLV records, one file per label.
// Writes are atomic: a temp file is written and renamed into place so a
// crash mid-write never leaves a truncated record behind, following the
// same pattern identity.NodeID.Store uses for the node's own identity
// file.
type Store struct {
	dir     string
	adapter cryptoadapter.Adapter
	key     []byte
}

// Open returns a Store rooted at dir, creating it if necessary. Records
// are sealed under key, which callers typically derive via
// cryptoadapter.Adapter.DeriveKey with a purpose distinct from any
// session or handshake key.
func Open(dir string, adapter cryptoadapter.Adapter, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, errors.New("chamber: key must not be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("chamber: create store directory: %w", err)
	}
	return &Store{dir: dir, adapter: adapter, key: key}, nil
}

func (s *Store) path(label Label) string {
	return filepath.Join(s.dir, hex.EncodeToString(label[:])+recordFileExt)
}

// Put seals value under label and writes it to disk, overwriting any
// existing record for that label.
func (s *Store) Put(label Label, value []byte) error {
	ad := tlv.Map{"label": label[:]}
	ciphertext, metadata, err := s.adapter.Encrypt(value, s.key, ad)
	if err != nil {
		return fmt.Errorf("chamber: seal record: %w", err)
	}

	record := tlv.Map{
		"label":      label[:],
		"ciphertext": ciphertext,
		"metadata":   metadata,
	}
	encoded, err := tlv.Encode(record)
	if err != nil {
		return fmt.Errorf("chamber: encode record: %w", err)
	}

	path := s.path(label)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, encoded, 0600); err != nil {
		return fmt.Errorf("chamber: write record: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("chamber: persist record: %w", err)
	}
	return nil
}

// Get reads back the value stored under label, returning ErrNotFound if
// no record exists and ErrCorrupt if it cannot be decoded or decrypted.
func (s *Store) Get(label Label) ([]byte, error) {
	data, err := os.ReadFile(s.path(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chamber: read record: %w", err)
	}

	decoded, _, err := tlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	record, ok := decoded.(tlv.Map)
	if !ok {
		return nil, fmt.Errorf("%w: not a record map", ErrCorrupt)
	}

	ciphertext, ok := record["ciphertext"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: missing ciphertext", ErrCorrupt)
	}
	metadata, ok := record["metadata"].(tlv.Map)
	if !ok {
		return nil, fmt.Errorf("%w: missing metadata", ErrCorrupt)
	}

	ad := tlv.Map{"label": label[:]}
	value, err := s.adapter.Decrypt(ciphertext, s.key, metadata, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return value, nil
}

// Delete removes the record stored under label. Deleting a label that
// does not exist is not an error.
func (s *Store) Delete(label Label) error {
	if err := os.Remove(s.path(label)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chamber: delete record: %w", err)
	}
	return nil
}

// Has reports whether a record exists under label.
func (s *Store) Has(label Label) bool {
	_, err := os.Stat(s.path(label))
	return err == nil
}
