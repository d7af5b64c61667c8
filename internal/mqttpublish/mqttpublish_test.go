package mqttpublish

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// newQueueOnlyPublisher builds a Publisher with just the queue machinery,
// no live paho client or drain goroutine — enough to exercise Publish's
// non-blocking enqueue/drop behaviour and Statistics/Flush bookkeeping in
// isolation from the network.
func newQueueOnlyPublisher(maxQueue int) *Publisher {
	return &Publisher{
		cfg:   Config{MaxQueueSize: maxQueue},
		queue: make(chan model.MqttMessage, maxQueue),
		head:  make(chan model.MqttMessage, 1),
		done:  make(chan struct{}),
		log:   nopLogger{},
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})    {}
func (nopLogger) Warning(string, ...interface{}) {}
func (nopLogger) Error(string, ...interface{})   {}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	p := newQueueOnlyPublisher(2)
	p.Publish(model.MqttMessage{Topic: "a"})
	p.Publish(model.MqttMessage{Topic: "b"})
	p.Publish(model.MqttMessage{Topic: "c"}) // queue full, dropped

	stats := p.Statistics()
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueLen)
}

func TestFlushReportsEmptyQueue(t *testing.T) {
	p := newQueueOnlyPublisher(4)
	assert.True(t, p.Flush(0)) // nothing queued, should report drained immediately

	p.Publish(model.MqttMessage{Topic: "a"})
	assert.False(t, p.Flush(0)) // queue non-empty and no drain loop running to empty it
}

func TestRequeueAtHeadDropsWhenHeadOccupied(t *testing.T) {
	p := newQueueOnlyPublisher(4)
	p.requeueAtHead(model.MqttMessage{Topic: "first"})
	p.requeueAtHead(model.MqttMessage{Topic: "second"}) // head slot already full

	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestSetErrorHookFiresOnQueueFull(t *testing.T) {
	p := newQueueOnlyPublisher(1)
	var got []string
	p.SetErrorHook(func(errorType string) { got = append(got, errorType) })

	p.Publish(model.MqttMessage{Topic: "a"})
	p.Publish(model.MqttMessage{Topic: "b"}) // queue full

	assert.Equal(t, []string{"queue_full"}, got)
}
