// Package idqueue implements a FIFO queue whose entries are addressed by
// identity and can be reordered, replaced or removed in place.
//
// Entries with the same UniqueID are treated as the same entry. Adding a
// duplicate is allowed; every identity-based operation then acts on the
// first match from the head.
package idqueue

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/opengda/beamq/internal/model"
)

var (
	ErrNotFound      = errors.New("item not in queue")
	ErrBoundary      = errors.New("item cannot move further")
	ErrAtHead        = fmt.Errorf("%w: already at head", ErrBoundary)
	ErrAtTail        = fmt.Errorf("%w: already at tail", ErrBoundary)
	ErrNoSuchElement = errors.New("queue is empty")
)

// Queue is safe for concurrent use. All operations run under one mutex, so
// a Snapshot never observes a half-applied move.
type Queue[T model.Identified] struct {
	mu      sync.Mutex
	items   []T
	persist func([]T)
}

type Option[T model.Identified] func(*Queue[T])

// WithItems seeds the queue, head first.
func WithItems[T model.Identified](items []T) Option[T] {
	return func(q *Queue[T]) {
		q.items = slices.Clone(items)
	}
}

// WithPersist registers a hook called with a copy of the contents after every
// mutation. The hook runs while the queue lock is held and must not call back
// into the queue.
func WithPersist[T model.Identified](fn func([]T)) Option[T] {
	return func(q *Queue[T]) {
		q.persist = fn
	}
}

func New[T model.Identified](opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue[T]) indexOf(id string) int {
	for i, it := range q.items {
		if it.UniqueID() == id {
			return i
		}
	}
	return -1
}

func (q *Queue[T]) changed() {
	if q.persist != nil {
		q.persist(slices.Clone(q.items))
	}
}

// Add appends item at the tail.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.changed()
}

// Remove deletes the first entry with the given identity.
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	q.changed()
	return true
}

// Replace swaps the entry sharing item's identity for item, keeping its position.
func (q *Queue[T]) Replace(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(item.UniqueID())
	if i < 0 {
		return false
	}
	q.items[i] = item
	q.changed()
	return true
}

// MoveUp swaps the entry with its predecessor (toward the head).
func (q *Queue[T]) MoveUp(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	switch {
	case i < 0:
		return fmt.Errorf("move %s up: %w", id, ErrNotFound)
	case i == 0:
		return fmt.Errorf("move %s up: %w", id, ErrAtHead)
	}
	q.items[i-1], q.items[i] = q.items[i], q.items[i-1]
	q.changed()
	return nil
}

// MoveDown swaps the entry with its successor (toward the tail).
func (q *Queue[T]) MoveDown(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	switch {
	case i < 0:
		return fmt.Errorf("move %s down: %w", id, ErrNotFound)
	case i == len(q.items)-1:
		return fmt.Errorf("move %s down: %w", id, ErrAtTail)
	}
	q.items[i+1], q.items[i] = q.items[i], q.items[i+1]
	q.changed()
	return nil
}

func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Poll removes and returns the head.
func (q *Queue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	head := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.changed()
	return head, true
}

// Element is Peek that fails with ErrNoSuchElement on an empty queue.
func (q *Queue[T]) Element() (T, error) {
	head, ok := q.Peek()
	if !ok {
		return head, ErrNoSuchElement
	}
	return head, nil
}

func (q *Queue[T]) Find(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.items[i], true
	}
	var zero T
	return zero, false
}

func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(id) >= 0
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

// Snapshot returns a head-to-tail copy of the contents.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items = nil
	q.changed()
}

// Update applies fn to the first entry with the given identity in place.
// fn must not change the entry's identity.
func (q *Queue[T]) Update(id string, fn func(*T)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	fn(&q.items[i])
	q.changed()
	return true
}

// Apply replaces the contents with fn's result in a single critical section.
func (q *Queue[T]) Apply(fn func([]T) []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = fn(slices.Clone(q.items))
	q.changed()
}
