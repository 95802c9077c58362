package service

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Batch is one queued fleet launch request
type Batch struct {
	ID      string    `json:"id"`
	Serials []string  `json:"serials"`
	Queued  time.Time `json:"queued"`
}

// BatchScheduler launches sessions for whole device fleets in staggered
// chunks, sized by the live tier band so a large batch does not stampede
// the controller.
type BatchScheduler struct {
	pool       *SessionPool
	batchQueue chan *Batch
}

func NewBatchScheduler(pool *SessionPool) *BatchScheduler {
	scheduler := &BatchScheduler{
		pool:       pool,
		batchQueue: make(chan *Batch, 100),
	}

	// Start batch queue processor
	go scheduler.ProcessBatchQueue()

	return scheduler
}

// Schedule enqueues a batch launch for the given serials
func (b *BatchScheduler) Schedule(serials []string) (*Batch, error) {
	if len(serials) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	batch := &Batch{
		ID:      uuid.New().String(),
		Serials: serials,
		Queued:  time.Now(),
	}

	select {
	case b.batchQueue <- batch:
		log.Printf("📋 Batch %s queued (%d devices)", batch.ID, len(serials))
		return batch, nil
	default:
		return nil, fmt.Errorf("batch queue full")
	}
}

// ProcessBatchQueue launches queued batches one at a time
func (b *BatchScheduler) ProcessBatchQueue() {
	for batch := range b.batchQueue {
		b.launch(batch)
	}
}

// chunking derives the batch chunk size and inter-chunk delay from the
// session count the pool will reach once the batch is admitted
func (b *BatchScheduler) chunking(batchSize int) (int, time.Duration) {
	return chunkingFor(b.pool.Size() + batchSize)
}

// launch admits a batch chunk by chunk. Chunk size and inter-chunk delay
// come from the tier band for the resulting live-session count; a failed
// admission is logged and the rest of the chunk proceeds.
func (b *BatchScheduler) launch(batch *Batch) {
	chunkSize, chunkDelay := b.chunking(len(batch.Serials))
	chunks := partition(batch.Serials, chunkSize)
	log.Printf("🚀 Batch %s: launching %d devices in %d chunks of %d (%v apart)",
		batch.ID, len(batch.Serials), len(chunks), chunkSize, chunkDelay)

	launched := 0
	for i, chunk := range chunks {
		for _, serial := range chunk {
			if _, err := b.pool.Acquire(serial, SessionOptions{}); err != nil {
				log.Printf("⚠️ Batch %s: failed to admit %s: %v", batch.ID, serial, err)
				continue
			}
			launched++
		}
		if i < len(chunks)-1 {
			time.Sleep(chunkDelay)
		}
	}

	log.Printf("✅ Batch %s: %d/%d devices launched", batch.ID, launched, len(batch.Serials))
}

// partition splits serials into chunks of at most size
func partition(serials []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for len(serials) > size {
		chunks = append(chunks, serials[:size])
		serials = serials[size:]
	}
	if len(serials) > 0 {
		chunks = append(chunks, serials)
	}
	return chunks
}
