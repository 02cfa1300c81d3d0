package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/pinbridge/vault/internal/util"
)

// Split cuts data into chunks of at most size bytes. The chunks alias data.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// Assemble concatenates chunks in order. Every chunk must be present and the
// result must have the declared size. The buffer is sized from the chunks
// actually held, never from size.
func Assemble(chunks [][]byte, size int64) ([]byte, error) {
	var total int64
	for i, c := range chunks {
		if c == nil {
			return nil, fmt.Errorf("%w: chunk %d missing", util.ErrIntegrity, i)
		}
		total += int64(len(c))
	}
	if total != size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", util.ErrIntegrity, total, size)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of data
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks data against a hex SHA-256
func Verify(data []byte, hash string) error {
	got := Hash(data)
	if subtle.ConstantTimeCompare([]byte(got), []byte(hash)) != 1 {
		return fmt.Errorf("%w: expected %s, got %s", util.ErrHashMismatch, hash, got)
	}
	return nil
}
