package client

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaProducerProduce(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, topic: "pii-audit"}

	err := p.Produce(context.Background(), []byte("user-1"), []byte(`{"action":"pii.read"}`), map[string]string{"action": "pii.read"})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)
	assert.Equal(t, "user-1", string(w.messages[0].Key))
	assert.Equal(t, "action", w.messages[0].Headers[0].Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaProducerError(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("broker down")}, topic: "pii-audit"}
	err := p.Produce(context.Background(), nil, []byte("{}"), nil)
	assert.Error(t, err)
}

func TestKafkaHealthCheckWithoutBrokers(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{}}
	assert.Error(t, p.HealthCheck(context.Background()))
}
