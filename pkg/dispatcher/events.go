package dispatcher

import (
	"sync"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// eventFlushIdle bounds how long a closed pump waits for a reader to take
// the next event before dropping the rest.
const eventFlushIdle = 500 * time.Millisecond

// Event is delivered on Dispatcher.Events. The concrete types are
// RunStarted, StepCompleted and RunCompleted.
type Event interface {
	Device() string
}

// RunStarted is emitted when a worker begins executing a task.
type RunStarted struct {
	DeviceID string
	TaskID   string
	World    core.World
	Time     time.Time
}

// StepCompleted is emitted once per finished step.
type StepCompleted struct {
	DeviceID string
	TaskID   string
	StepID   string
	Index    int
	Success  bool
	Attempts int
	Duration time.Duration
	Err      error
}

// RunCompleted is emitted exactly once per task, including tasks that were
// cancelled before they started.
type RunCompleted struct {
	DeviceID string
	TaskID   string
	Status   core.TaskStatus
	World    core.World
	LastStep string
	Duration time.Duration
	Err      error
}

// Device returns the device the event belongs to.
func (e RunStarted) Device() string { return e.DeviceID }

// Device returns the device the event belongs to.
func (e StepCompleted) Device() string { return e.DeviceID }

// Device returns the device the event belongs to.
func (e RunCompleted) Device() string { return e.DeviceID }

// pump moves events from producers to a single consumer channel through an
// unbounded buffer so producers never block.
type pump struct {
	out     chan Event
	signal  chan struct{}
	closing chan struct{}
	abort   chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	pending []Event
	closed  bool
}

func newPump() *pump {
	p := &pump{
		out:     make(chan Event),
		signal:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// push queues e. Events pushed after close are dropped.
func (p *pump) push(e Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, e)
	p.mu.Unlock()
	p.wake()
}

func (p *pump) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// close stops accepting events. Queued events are still delivered while a
// reader keeps taking them within eventFlushIdle, or until stop is called.
func (p *pump) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.wake()
}

// stop abandons undelivered events.
func (p *pump) stop() {
	select {
	case <-p.abort:
	default:
		close(p.abort)
	}
}

func (p *pump) run() {
	defer close(p.done)
	defer close(p.out)
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		closed := p.closed
		p.mu.Unlock()

		for i, e := range batch {
			if !p.send(e) {
				if dropped := len(batch) - i + p.discard(); dropped > 0 {
					logger.Warn("Dropped %d undelivered events, no reader", dropped)
				}
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-p.signal:
		case <-p.abort:
			return
		}
	}
}

// send delivers e. Once the pump is closing it gives up when no reader
// takes e within eventFlushIdle.
func (p *pump) send(e Event) bool {
	select {
	case p.out <- e:
		return true
	case <-p.abort:
		return false
	case <-p.closing:
	}

	t := time.NewTimer(eventFlushIdle)
	defer t.Stop()
	select {
	case p.out <- e:
		return true
	case <-p.abort:
	case <-t.C:
	}
	return false
}

// discard drops the pending events and returns how many there were.
func (p *pump) discard() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	p.pending = nil
	return n
}
