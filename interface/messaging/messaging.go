package messaging

import (
	"context"
	"sync"

	"github.com/airbusgeo/sentinel2-downloader/service/log"
)

// Publisher publishes messages on a queue or a topic
type Publisher interface {
	Publish(ctx context.Context, data ...[]byte) error
}

// LogPublisher implements Publisher, writing the messages in the logs
type LogPublisher struct{}

// Publish implements Publisher
func (LogPublisher) Publish(ctx context.Context, data ...[]byte) error {
	for _, d := range data {
		log.Logger(ctx).Sugar().Infof("event: %s", d)
	}
	return nil
}

// MemoryPublisher implements Publisher, keeping the messages in memory
type MemoryPublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

// Publish implements Publisher
func (p *MemoryPublisher) Publish(ctx context.Context, data ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range data {
		p.messages = append(p.messages, append([]byte(nil), d...))
	}
	return nil
}

// Messages returns the messages published so far
func (p *MemoryPublisher) Messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.messages...)
}
