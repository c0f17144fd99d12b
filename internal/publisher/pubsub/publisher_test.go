package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"

	"github.com/stretchr/testify/require"
)

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "imports", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	p := &Publisher{topic: panicTopic{}}
	_, err := p.Publish(context.Background(), "imports", make(chan int))
	require.Error(t, err)
}

type panicTopic struct{}

func (panicTopic) Publish(context.Context, *pubsub.Message) *pubsub.PublishResult {
	panic("publish must not be reached")
}
