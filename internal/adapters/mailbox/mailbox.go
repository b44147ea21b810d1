// Package mailbox delivers values to a callback in push order without
// blocking the producer.
package mailbox

import "sync"

// Mailbox delivers values to fn one at a time, in push order, on its own
// goroutine. Pushes never block the writer.
type Mailbox[T any] struct {
	fn func(T)

	mu    sync.Mutex
	queue []T

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New returns a paused mailbox; values pushed before Start are kept.
func New[T any](fn func(T)) *Mailbox[T] {
	return &Mailbox[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *Mailbox[T]) Start() { go m.run() }

func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Values still queued are dropped.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) run() {
	for {
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.queue[0]
			var zero T
			m.queue[0] = zero
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.fn(v)
		}
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
	}
}
