package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const maxAttempts = 3

// Source yields tasks to a Worker. QueueDispatcher and KafkaSource both
// implement it.
type Source interface {
	Tasks() <-chan Task
}

// Handler executes one task category.
type Handler func(ctx context.Context, task Task) error

// Semaphore is a channel-based counting semaphore.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Must follow a successful Acquire.
func (s *Semaphore) Release() {
	<-s.ch
}

// Worker consumes tasks and runs registered handlers with per-category
// concurrency limits and bounded retries.
type Worker struct {
	source   Source
	handlers map[string]Handler
	sems     map[string]*Semaphore
	wg       sync.WaitGroup
}

// NewWorker creates a Worker over the given source.
func NewWorker(source Source) *Worker {
	return &Worker{
		source:   source,
		handlers: make(map[string]Handler),
		sems:     make(map[string]*Semaphore),
	}
}

// Register binds a handler and concurrency limit to a task category.
func (w *Worker) Register(category string, concurrency int, h Handler) {
	w.handlers[category] = h
	w.sems[category] = NewSemaphore(concurrency)
}

// Run consumes until ctx is done or the source channel closes, then waits
// for in-flight tasks.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case task, ok := <-w.source.Tasks():
			if !ok {
				w.wg.Wait()
				return
			}
			w.dispatch(ctx, task)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, task Task) {
	h, ok := w.handlers[task.Category]
	if !ok {
		slog.Warn("No handler for task category", "category", task.Category)
		return
	}
	sem := w.sems[task.Category]
	if err := sem.Acquire(ctx); err != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer sem.Release()
		w.runWithRetry(ctx, h, task)
	}()
}

func (w *Worker) runWithRetry(ctx context.Context, h Handler, task Task) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		if err = h(ctx, task); err == nil {
			return
		}
		slog.Warn("Task attempt failed",
			"category", task.Category, "key", task.Key(), "attempt", attempt, "error", err)
	}
	slog.Error("Task abandoned after retries",
		"category", task.Category, "key", task.Key(), "error", err)
}

// KafkaSource consumes task topics through a consumer group and feeds them
// to a Worker.
type KafkaSource struct {
	brokers       string
	consumerGroup string
	topics        []string
	messages      chan Task
	readers       []*kafka.Reader
}

// NewKafkaSource creates a source over the given categories' topics.
func NewKafkaSource(brokers, consumerGroup string, categories []string) *KafkaSource {
	topics := make([]string, len(categories))
	for i, c := range categories {
		topics[i] = TopicFor(c)
	}
	return &KafkaSource{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topics:        topics,
		messages:      make(chan Task, 100),
	}
}

// Start launches one reader goroutine per topic.
func (s *KafkaSource) Start(ctx context.Context) {
	brokerList := strings.Split(s.brokers, ",")
	for _, topic := range s.topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokerList,
			Topic:    topic,
			GroupID:  s.consumerGroup,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		s.readers = append(s.readers, reader)

		go func(r *kafka.Reader, t string) {
			for {
				msg, err := r.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("Task topic read error", "topic", t, "error", err)
					continue
				}
				var task Task
				if err := json.Unmarshal(msg.Value, &task); err != nil {
					slog.Warn("Malformed task message", "topic", t, "error", err)
					continue
				}
				select {
				case s.messages <- task:
				case <-ctx.Done():
					return
				}
			}
		}(reader, topic)
	}
}

// Tasks returns the consumed task channel.
func (s *KafkaSource) Tasks() <-chan Task {
	return s.messages
}

// Close stops all readers.
func (s *KafkaSource) Close() error {
	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
