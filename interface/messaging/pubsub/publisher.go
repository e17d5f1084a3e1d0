package pubsub

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/airbusgeo/sentinel2-downloader/interface/messaging"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
	"google.golang.org/api/option"
)

// Publisher implements messaging.Publisher on a Google Pub/Sub topic
type Publisher struct {
	client        *pubsub.Client
	topic         *pubsub.Topic
	maxRetries    int
	retryDelay    time.Duration
	clientOptions []option.ClientOption
}

var _ messaging.Publisher = (*Publisher)(nil)

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithMaxRetries sets the number of retries of a publication in case of temporary failure
func WithMaxRetries(n int) PublisherOption {
	return func(p *Publisher) { p.maxRetries = n }
}

// WithRetryDelay sets the initial delay between two retries
func WithRetryDelay(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.retryDelay = d }
}

// WithClientOptions configures the connection to the service (e.g. a regional endpoint)
func WithClientOptions(opts ...option.ClientOption) PublisherOption {
	return func(p *Publisher) { p.clientOptions = append(p.clientOptions, opts...) }
}

// NewPublisher creates a publisher on the topic of the project.
// Stop must be called to flush pending messages and release the client.
func NewPublisher(ctx context.Context, projectID, topicID string, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{retryDelay: time.Second}
	for _, opt := range opts {
		opt(p)
	}
	client, err := pubsub.NewClient(ctx, projectID, p.clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("NewPublisher.NewClient: %w", err)
	}
	p.client = client
	p.topic = client.Topic(topicID)
	return p, nil
}

// Publish implements messaging.Publisher, waiting for the server acknowledgement of every message
func (p *Publisher) Publish(ctx context.Context, data ...[]byte) error {
	results := make([]*pubsub.PublishResult, len(data))
	for i, d := range data {
		results[i] = p.topic.Publish(ctx, &pubsub.Message{Data: d})
	}
	var err error
	for i, res := range results {
		_, e := res.Get(ctx)
		if e != nil && p.maxRetries > 0 {
			log.Logger(ctx).Sugar().Debugf("[PubSub] publish on %s failed: %v: retrying", p.topic.ID(), e)
			e = service.Retriable(ctx, func() error {
				_, e := p.topic.Publish(ctx, &pubsub.Message{Data: data[i]}).Get(ctx)
				return e
			}, p.retryDelay, p.maxRetries)
		}
		if e != nil {
			log.Logger(ctx).Sugar().Warnf("[PubSub] publish on %s failed: %v", p.topic.ID(), e)
			err = service.MergeErrors(true, err, service.MakeTemporary(fmt.Errorf("Publish[%s]: %w", p.topic.ID(), e)))
		}
	}
	return err
}

// Stop flushes the pending messages and closes the client
func (p *Publisher) Stop() {
	p.topic.Stop()
	p.client.Close()
}
