package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTarget struct {
	mu          sync.Mutex
	invalidated []string
	refreshes   int
}

func (f *fakeTarget) RequestInvalidation(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func (f *fakeTarget) RequestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

// settlement records how a delivery was settled
type settlement struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (s *settlement) Ack(uint64, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
	return nil
}

func (s *settlement) Nack(_ uint64, _ bool, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked++
	s.requeue = requeue
	return nil
}

func (s *settlement) Reject(uint64, bool) error { return nil }

func (s *settlement) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked, s.nacked
}

type fakeDeliveries struct {
	ch     chan amqp.Delivery
	queue  string
	closed bool
}

func (f *fakeDeliveries) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.queue = queue
	if autoAck {
		panic("control deliveries must be settled explicitly")
	}
	return f.ch, nil
}

func (f *fakeDeliveries) Close() error {
	f.closed = true
	return nil
}

func newTestConsumer(t *testing.T, target *fakeTarget) *ControlConsumer {
	t.Helper()
	return newControlConsumer(&fakeDeliveries{}, ControlConsumerConfig{
		Queue:     "worker.control",
		Target:    target,
		KnownSite: func(id string) bool { return id == "site-1" },
		Logger:    zaptest.NewLogger(t),
	})
}

func TestControlConsumer_Handle(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		acked       bool
		invalidated []string
		refreshes   int
	}{
		{name: "invalidate", body: `{"action":"invalidate","site_id":"site-1"}`, acked: true, invalidated: []string{"site-1"}},
		{name: "refresh", body: `{"action":"refresh"}`, acked: true, refreshes: 1},
		{name: "unknown site", body: `{"action":"invalidate","site_id":"nope"}`},
		{name: "missing site", body: `{"action":"invalidate"}`},
		{name: "unknown action", body: `{"action":"reboot"}`},
		{name: "malformed", body: `{action`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{}
			c := newTestConsumer(t, target)
			ack := &settlement{}

			c.handle(amqp.Delivery{Acknowledger: ack, Body: []byte(tt.body)})

			acked, nacked := ack.counts()
			if tt.acked {
				assert.Equal(t, 1, acked)
				assert.Zero(t, nacked)
			} else {
				assert.Zero(t, acked)
				assert.Equal(t, 1, nacked)
				assert.False(t, ack.requeue, "rejected commands go to the DLQ")
			}
			assert.Equal(t, tt.invalidated, target.invalidated)
			assert.Equal(t, tt.refreshes, target.refreshes)
		})
	}
}

func TestControlCommand_UnknownSiteIsWrapped(t *testing.T) {
	cmd := ControlCommand{Action: ActionInvalidate, SiteID: "x"}
	err := cmd.apply(&fakeTarget{}, func(string) bool { return false })
	assert.ErrorIs(t, err, errUnknownSite)
}

func TestControlConsumer_StartDispatchesUntilCancelled(t *testing.T) {
	target := &fakeTarget{}
	deliveries := &fakeDeliveries{ch: make(chan amqp.Delivery, 1)}
	c := newControlConsumer(deliveries, ControlConsumerConfig{
		Queue:  "worker.control",
		Target: target,
		Logger: zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, "worker.control", deliveries.queue)

	ack := &settlement{}
	deliveries.ch <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"action":"refresh"}`)}

	require.Eventually(t, func() bool {
		acked, _ := ack.counts()
		return acked == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.True(t, deliveries.closed)
}

type fakeTopology struct {
	exchanges []string
	queues    map[string]amqp.Table
	order     []string
	bindings  []string
}

func (f *fakeTopology) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeTopology) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if f.queues == nil {
		f.queues = make(map[string]amqp.Table)
	}
	f.queues[name] = args
	f.order = append(f.order, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopology) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDeclareControlTopology(t *testing.T) {
	topo := &fakeTopology{}
	err := declareControlTopology(topo, ControlConsumerConfig{
		Exchange:   "worker.commands",
		Queue:      "worker.control",
		DLQQueue:   "worker.control.dlq",
		RoutingKey: "worker.control.#",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"worker.commands:topic"}, topo.exchanges)
	assert.Equal(t, []string{"worker.control.dlq", "worker.control"}, topo.order, "DLQ exists before it is referenced")
	assert.Equal(t, "worker.control.dlq", topo.queues["worker.control"]["x-dead-letter-routing-key"])
	assert.Equal(t, []string{"worker.commands/worker.control.#->worker.control"}, topo.bindings)
}
