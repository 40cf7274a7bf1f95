package b2

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// sha1TrailerReader hashes a stream as it is read and, once the source is
// exhausted, yields the hex digest as a 40-byte trailer. It backs the
// hex_digits_at_end upload mode.
type sha1TrailerReader struct {
	src     io.Reader
	hash    hash.Hash
	trailer io.Reader
}

func newSHA1TrailerReader(src io.Reader) *sha1TrailerReader {
	h := sha1.New()
	return &sha1TrailerReader{
		src:  io.TeeReader(src, h),
		hash: h,
	}
}

func (r *sha1TrailerReader) Read(p []byte) (int, error) {
	if r.trailer == nil {
		n, err := r.src.Read(p)
		if err == io.EOF {
			r.trailer = strings.NewReader(hex.EncodeToString(r.hash.Sum(nil)))
			if n > 0 {
				return n, nil
			}
			return r.trailer.Read(p)
		}
		return n, err
	}
	return r.trailer.Read(p)
}
