package drill

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/gtodrill/internal/observe"
)

// job is one unit of session I/O: a store write or a bus publish.
type job struct {
	op string
	fn func(ctx context.Context) error
}

// persister runs a session's I/O jobs in submission order on its own
// goroutine so the session actor never waits on the network. The queue is
// unbounded; a session produces at most a handful of jobs per second.
type persister struct {
	sessionID string
	timeout   time.Duration
	onError   func(ctx context.Context, op string, err error)

	mu     sync.Mutex
	jobs   []job
	closed bool
	wake   chan struct{}
}

func newPersister(sessionID string, timeout time.Duration, onError func(context.Context, string, error)) *persister {
	return &persister{
		sessionID: sessionID,
		timeout:   timeout,
		onError:   onError,
		wake:      make(chan struct{}, 1),
	}
}

// enqueue appends a job. Jobs submitted after close are dropped.
func (p *persister) enqueue(op string, fn func(ctx context.Context) error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Debug("drill: job after close dropped", "session_id", p.sessionID, "op", op)
		return
	}
	p.jobs = append(p.jobs, job{op: op, fn: fn})
	p.mu.Unlock()
	p.signal()
}

// close lets run return once the queue has drained.
func (p *persister) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

func (p *persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run executes jobs until the queue is closed and empty. Each job gets its
// own timeout derived from base; a cancelled base fails the remaining jobs
// fast instead of skipping them, so errors are still reported.
func (p *persister) run(base context.Context) {
	for {
		p.mu.Lock()
		if len(p.jobs) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			<-p.wake
			continue
		}
		j := p.jobs[0]
		p.jobs[0] = job{}
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(base, p.timeout)
		ctx, span := observe.StartSessionSpan(ctx, "drill.persist", p.sessionID, attribute.String("gtodrill.op", j.op))
		err := j.fn(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		if err != nil && p.onError != nil {
			p.onError(base, j.op, err)
		}
	}
}
