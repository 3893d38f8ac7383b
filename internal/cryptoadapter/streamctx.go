package cryptoadapter

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// StreamContext is an opaque crypto object owned exclusively by a single
// stream. It exists so that nonces (here, the implicit chunk index mixed
// into associated data) never collide across streams sharing the same
// session key — two streams calling EncryptChunk with the same chunk
// index still produce unrelated ciphertexts because the stream id is
// bound into the associated data alongside the chunk index.
type StreamContext struct {
	adapter  Adapter
	streamID uint64

	mu         sync.Mutex
	sendChunks uint64
	recvChunks uint64
}

// NewStreamContext creates a per-stream crypto context bound to streamID.
func NewStreamContext(adapter Adapter, streamID uint64) *StreamContext {
	return &StreamContext{adapter: adapter, streamID: streamID}
}

// EncryptChunk encrypts plaintext for this stream under key, binding the
// stream id and the caller-supplied chunkIndex into the associated data,
// so the same chunk index on two streams never yields interchangeable
// ciphertexts. EncryptChunk does not track which indexes this stream has
// already used.
func (sc *StreamContext) EncryptChunk(plaintext, key []byte, chunkIndex uint64) ([]byte, Metadata, error) {
	ad := sc.chunkAD(chunkIndex)
	return sc.adapter.Encrypt(plaintext, key, ad)
}

// DecryptChunk reverses EncryptChunk.
func (sc *StreamContext) DecryptChunk(ciphertext, key []byte, metadata Metadata, chunkIndex uint64) ([]byte, error) {
	ad := sc.chunkAD(chunkIndex)
	return sc.adapter.Decrypt(ciphertext, key, metadata, ad)
}

// NextSendChunkIndex returns and advances this stream's send-side chunk
// counter, used when segmenting a payload into multiple chunks.
func (sc *StreamContext) NextSendChunkIndex() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	idx := sc.sendChunks
	sc.sendChunks++
	return idx
}

func (sc *StreamContext) chunkAD(chunkIndex uint64) tlv.Map {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sc.streamID)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], chunkIndex)
	return tlv.Map{
		"purpose":     "stream_chunk",
		"stream_id":   buf,
		"chunk_index": idxBuf[:],
	}
}

// String implements fmt.Stringer for debugging.
func (sc *StreamContext) String() string {
	return fmt.Sprintf("StreamContext{stream=%d, sent=%d, recv=%d}", sc.streamID, sc.sendChunks, sc.recvChunks)
}
