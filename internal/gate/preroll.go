package gate

import "github.com/voxbridge/voxbridge/pkg/audio"

// prerollBuffer is a bounded FIFO of recently captured chunks kept while the
// gate is closed, so the lead-in of detected speech is not lost to detector
// debounce. The bound is a byte budget, not a chunk count: oldest chunks are
// evicted whenever the total PCM size would exceed the budget.
type prerollBuffer struct {
	budget int
	chunks []audio.Chunk
	size   int
}

func newPrerollBuffer(budget int) *prerollBuffer {
	return &prerollBuffer{budget: budget}
}

// Append adds a chunk, evicting oldest-first until the byte budget holds.
// The budget is strict: a chunk larger than the whole budget empties the
// buffer and is itself dropped.
func (b *prerollBuffer) Append(c audio.Chunk) {
	b.chunks = append(b.chunks, c)
	b.size += len(c.PCM)
	for b.size > b.budget && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0].PCM)
		b.chunks[0] = audio.Chunk{}
		b.chunks = b.chunks[1:]
	}
}

// Flush returns the buffered chunks in arrival order and clears the buffer.
func (b *prerollBuffer) Flush() []audio.Chunk {
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// Clear drops all buffered chunks.
func (b *prerollBuffer) Clear() {
	b.chunks = nil
	b.size = 0
}

// Size returns the total buffered PCM bytes.
func (b *prerollBuffer) Size() int { return b.size }

// Len returns the number of buffered chunks.
func (b *prerollBuffer) Len() int { return len(b.chunks) }
