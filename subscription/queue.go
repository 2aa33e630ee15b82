package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/Hiviexd/kanban-board/domain"
)

// queueClient is the subset of *azqueue.QueueClient the sink needs.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink durably records every change event on an Azure storage queue.
type QueueSink struct {
	queue queueClient
	ttl   *int32
}

// NewQueueSink connects to the named queue. A ttl of zero keeps the service
// default; a negative ttl stores messages without expiry.
func NewQueueSink(connStr, queueName string, ttl time.Duration) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return newQueueSink(qc, ttl), nil
}

func newQueueSink(q queueClient, ttl time.Duration) *QueueSink {
	s := &QueueSink{queue: q}
	switch {
	case ttl < 0:
		never := int32(-1)
		s.ttl = &never
	case ttl > 0:
		secs := int32(ttl / time.Second)
		s.ttl = &secs
	}
	return s
}

// Publish implements domain.Sink.
func (s *QueueSink) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	var opts *azqueue.EnqueueMessageOptions
	if s.ttl != nil {
		opts = &azqueue.EnqueueMessageOptions{TimeToLive: s.ttl}
	}
	if _, err := s.queue.EnqueueMessage(ctx, string(data), opts); err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", domain.ErrDeliveryFailure, ev.Kind, err)
	}
	return nil
}
