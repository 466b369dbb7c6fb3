// Package blocks moves file content between peers in fixed-size,
// hash-addressed blocks.
package blocks

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// BlockSize is the size of every block but the last.
const BlockSize = 128 << 10

// Layout describes content split into blocks.
type Layout struct {
	Size   int64
	Blocks []models.Block
	Hash   []byte
}

// Split reads r to the end. fn is called with each block and its data;
// the data slice is reused after fn returns.
func Split(r io.Reader, fn func(b models.Block, data []byte) error) (Layout, error) {
	var (
		layout Layout
		buf    = make([]byte, BlockSize)
	)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			b := models.Block{Offset: layout.Size, Size: int32(n), Hash: sum[:]}

			if fn != nil {
				if ferr := fn(b, buf[:n]); ferr != nil {
					return Layout{}, ferr
				}
			}

			layout.Blocks = append(layout.Blocks, b)
			layout.Size += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}

		if err != nil {
			return Layout{}, fmt.Errorf("reading content: %w", err)
		}
	}

	layout.Hash = HashOf(layout.Blocks)

	return layout, nil
}

// HashOf returns the whole-file hash of a block list. It matches
// protocol.HashBlocks for the same blocks.
func HashOf(blocks []models.Block) []byte {
	info := make([]protocol.BlockInfo, len(blocks))
	for i, b := range blocks {
		info[i] = protocol.BlockInfo{Offset: b.Offset, Size: b.Size, Hash: b.Hash}
	}

	return protocol.HashBlocks(info)
}

// distinct returns the blocks with unique hashes in order of first use.
func distinct(blocks []models.Block) []models.Block {
	seen := make(map[string]struct{}, len(blocks))
	out := make([]models.Block, 0, len(blocks))

	for _, b := range blocks {
		if _, ok := seen[string(b.Hash)]; ok {
			continue
		}

		seen[string(b.Hash)] = struct{}{}
		out = append(out, b)
	}

	return out
}
