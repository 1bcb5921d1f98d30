package transport

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// ZlibStream compresses consecutive frames through one deflate context, the
// "zlib-stream" transport compression. Each frame ends on a sync flush, so
// every compressed frame ends with 00 00 ff ff.
type ZlibStream struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

func NewZlibStream() *ZlibStream {
	s := &ZlibStream{}
	s.w = zlib.NewWriter(&s.buf)
	return s
}

// Compress is not safe for concurrent use; the write pump is its only caller.
func (s *ZlibStream) Compress(msg []byte) ([]byte, error) {
	s.buf.Reset()
	if _, err := s.w.Write(msg); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return nil, fmt.Errorf("zlib flush: %w", err)
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out, nil
}
