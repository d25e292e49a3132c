// Package tasks provides one-way dispatch and background execution of
// deferred pipeline work: actor profile rebuilds and cluster summaries.
// Dispatch is fire-and-forget; the write path never waits on a task.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Task categories.
const (
	CategoryProfileUpdate  = "profile-update"
	CategoryClusterSummary = "cluster-summary"
)

// TopicFor maps a task category to its Kafka topic.
func TopicFor(category string) string {
	return "lightfast." + category
}

// Task is one unit of deferred work.
type Task struct {
	Category    string    `json:"category"`
	WorkspaceID string    `json:"workspace_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	ClusterID   string    `json:"cluster_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Key returns the partition key. Tasks for the same actor or cluster land on
// the same partition so rebuilds are naturally serialized.
func (t Task) Key() string {
	switch t.Category {
	case CategoryClusterSummary:
		return t.WorkspaceID + ":" + t.ClusterID
	default:
		return t.WorkspaceID + ":" + t.ActorID
	}
}

// Dispatcher enqueues tasks. Implementations must not block the caller on
// downstream work.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
	Close() error
}

// KafkaDispatcher publishes tasks to per-category Kafka topics.
type KafkaDispatcher struct {
	addr    net.Addr
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaDispatcher creates a dispatcher against a comma-separated broker
// list.
func NewKafkaDispatcher(brokers string) *KafkaDispatcher {
	return &KafkaDispatcher{
		addr:    kafka.TCP(strings.Split(brokers, ",")...),
		writers: make(map[string]*kafka.Writer),
	}
}

func (d *KafkaDispatcher) writer(topic string) *kafka.Writer {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         d.addr,
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
		d.writers[topic] = w
	}
	return w
}

// Dispatch publishes the task. The broker round-trip is bounded so a slow
// broker cannot stall an ingest caller that forgot to detach.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	w := d.writer(TopicFor(task.Category))
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Key()),
		Value: value,
		Time:  task.EnqueuedAt,
	})
}

// Close closes all topic writers.
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, w := range d.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// QueueDispatcher is the in-process fallback used when no brokers are
// configured, and in tests. A full queue drops the task; pending work is
// recovered by the next dispatch for the same actor or cluster.
type QueueDispatcher struct {
	ch        chan Task
	closeOnce sync.Once
}

// NewQueueDispatcher creates an in-process dispatcher with the given buffer.
func NewQueueDispatcher(buffer int) *QueueDispatcher {
	if buffer <= 0 {
		buffer = 100
	}
	return &QueueDispatcher{ch: make(chan Task, buffer)}
}

// Dispatch enqueues without blocking.
func (d *QueueDispatcher) Dispatch(_ context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case d.ch <- task:
		return nil
	default:
		slog.Warn("Task queue full, dropping task", "category", task.Category, "key", task.Key())
		return nil
	}
}

// Tasks exposes the queue for a Worker.
func (d *QueueDispatcher) Tasks() <-chan Task {
	return d.ch
}

// Close closes the queue channel.
func (d *QueueDispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.ch) })
	return nil
}
