package internal

import (
	"errors"

	"github.com/samber/lo"
)

// ChunkSize is the largest payload slice carried by one datagram.
const ChunkSize = 1000

var ErrEmptyPayload = errors.New("EmptyPayload")

type DataChunk struct {
	Index int
	Data  []byte
}

// FileFromPeer is a payload being assembled on the receiving side.
type FileFromPeer struct {
	TotalBytes  int
	TotalChunks int
	DataChunks  []DataChunk
}

// maxPrealloc bounds the chunk slots reserved up front. The count comes from
// the peer, so the rest grows as chunks actually arrive.
const maxPrealloc = 1024

func NewFileFromPeer(totalBytes, chunkSize int) *FileFromPeer {
	count := ChunkCount(totalBytes, chunkSize)
	return &FileFromPeer{
		TotalBytes:  totalBytes,
		TotalChunks: count,
		DataChunks:  make([]DataChunk, 0, min(count, maxPrealloc)),
	}
}

// Next is the index of the chunk the file is waiting for.
func (f *FileFromPeer) Next() int {
	return len(f.DataChunks)
}

func (f *FileFromPeer) Complete() bool {
	return len(f.DataChunks) >= f.TotalChunks
}

func (f *FileFromPeer) Append(data []byte) {
	f.DataChunks = append(f.DataChunks, DataChunk{Index: len(f.DataChunks), Data: data})
}

func (f *FileFromPeer) Bytes() []byte {
	return Join(f.DataChunks)
}

// ChunkCount is ceil(total / size). Non-positive totals have no chunks.
func ChunkCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	n := total / size
	if total%size != 0 {
		n++
	}
	return n
}

// Split partitions data into slices of at most size bytes, the last one
// holding the remainder. The slices share data's backing array.
func Split(data []byte, size int) ([]DataChunk, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	parts := lo.Chunk(data, size)
	chunks := make([]DataChunk, len(parts))
	for i, p := range parts {
		chunks[i] = DataChunk{Index: i, Data: p}
	}
	return chunks, nil
}

// Join concatenates chunks in the order given, which is receipt order.
func Join(chunks []DataChunk) []byte {
	return lo.Flatten(lo.Map(chunks, func(c DataChunk, _ int) []byte {
		return c.Data
	}))
}
