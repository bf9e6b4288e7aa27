package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Enqueued is a task captured by a Recorder.
type Enqueued struct {
	Name      string
	Payload   json.RawMessage
	Countdown time.Duration
	Key       string
}

// ID decodes the payload as IDArgs.
func (e Enqueued) ID() uint {
	var args IDArgs

	_ = json.Unmarshal(e.Payload, &args)

	return args.ID
}

// Recorder is an in-memory Queue that only records enqueued tasks.
type Recorder struct {
	mu    sync.Mutex
	tasks []Enqueued
}

// Compile-time interface check.
var _ Queue = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Enqueue(_ context.Context, name string, args any, opts ...Option) error {
	o := buildOptions(opts)

	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if o.key != "" {
		for _, t := range r.tasks {
			if t.Name == name && t.Key == o.key {
				return nil
			}
		}
	}

	r.tasks = append(r.tasks, Enqueued{
		Name:      name,
		Payload:   payload,
		Countdown: o.countdown,
		Key:       o.key,
	})

	return nil
}

// Tasks returns the recorded tasks, optionally filtered by name.
func (r *Recorder) Tasks(name string) []Enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Enqueued, 0, len(r.tasks))

	for _, t := range r.tasks {
		if name == "" || t.Name == name {
			out = append(out, t)
		}
	}

	return out
}

// Reset forgets every recorded task.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = nil
}
