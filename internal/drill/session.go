package drill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/gtodrill/internal/bus"
	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/internal/protocol"
	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/types"
)

// Session status values held in Session.status.
const (
	statusActive int32 = iota
	statusEnded
)

// Inbox commands.
type (
	frameCmd struct{ frame types.VoiceFrame }

	// endCmd carries the client's free-form reason in detail.
	endCmd struct {
		reason types.EndReason
		detail string
	}

	// summaryCmd asks the actor for the running summary.
	summaryCmd struct{ reply chan types.SessionSummary }

	// deliverCmd fires when a delayed interruption falls due.
	deliverCmd struct {
		idx      int
		decision types.InterruptionDecision
	}
)

// Info describes a live session.
type Info struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId,omitempty"`
	TaskType     types.TaskType `json:"taskType"`
	StartedAt    time.Time      `json:"startedAt"`
	DurationSec  int            `json:"durationSec"`
	RemainingSec int            `json:"remainingSec"`
	Frames       int64          `json:"frames"`
}

// Session is one live drill. Its exported methods are safe for concurrent
// use; everything else is owned by the actor goroutine started by
// [Coordinator.Start].
type Session struct {
	c         *Coordinator
	id        string
	req       protocol.StartRequest
	duration  int
	startedAt time.Time
	tuning    Tuning

	inbox      chan any
	out        chan protocol.Envelope
	done       chan struct{}
	detached   chan struct{}
	detachOnce sync.Once
	persist    *persister

	status    atomic.Int32
	remaining atomic.Int64
	frames    atomic.Int64

	// Actor-owned state.
	ticker        Ticker
	ticks         int
	prev          *types.MetricsSnapshot
	lastTs        int64
	transcript    strings.Builder
	wordsSince    int
	lastChallenge string
	stepBacks     []types.StepBackEvent
	interruptions []types.InterruptionRecord
	pending       map[int]Timer
	stats         tally
}

func newSession(c *Coordinator, id string, req protocol.StartRequest, duration int, tuning Tuning) *Session {
	s := &Session{
		c:         c,
		id:        id,
		req:       req,
		duration:  duration,
		startedAt: c.clock.Now(),
		tuning:    tuning,
		inbox:     make(chan any, tuning.InboxSize),
		out:       make(chan protocol.Envelope, tuning.OutboxSize),
		done:      make(chan struct{}),
		detached:  make(chan struct{}),
		pending:   make(map[int]Timer),
	}
	s.persist = newPersister(id, tuning.PersistTimeout, c.storeError(id))
	s.remaining.Store(int64(duration))
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Outbound returns the channel of events for the client. It is closed after
// the ended event.
func (s *Session) Outbound() <-chan protocol.Envelope { return s.out }

// Done is closed once the session has been finalised.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ended reports whether the session has been finalised or is being
// finalised.
func (s *Session) Ended() bool { return s.status.Load() == statusEnded }

// Info returns a point-in-time description of the session.
func (s *Session) Info() Info {
	return Info{
		SessionID:    s.id,
		UserID:       s.req.UserID,
		TaskType:     s.req.TaskType,
		StartedAt:    s.startedAt,
		DurationSec:  s.duration,
		RemainingSec: int(s.remaining.Load()),
		Frames:       s.frames.Load(),
	}
}

// SubmitFrame queues a voice frame for the pipeline. It returns
// [ErrSessionEnded] once the session is finished.
func (s *Session) SubmitFrame(f types.VoiceFrame) error {
	return s.post(frameCmd{frame: f})
}

// End requests termination with reason. Ending an already ended session is
// a no-op. Use [Session.Done] to wait for finalisation.
func (s *Session) End(reason types.EndReason) {
	s.EndWithDetail(reason, "")
}

// maxEndDetail caps the stored end detail, in runes.
const maxEndDetail = 256

// EndWithDetail is [Session.End] with a free-form explanation, usually the
// one a client sent with its end message. The detail lands in the stored
// record.
func (s *Session) EndWithDetail(reason types.EndReason, detail string) {
	detail = strings.TrimSpace(detail)
	if r := []rune(detail); len(r) > maxEndDetail {
		detail = string(r[:maxEndDetail])
	}
	_ = s.post(endCmd{reason: reason, detail: detail})
}

// Summary returns the summary of the session so far. It returns
// [ErrSessionEnded] if the session finishes before answering.
func (s *Session) Summary(ctx context.Context) (types.SessionSummary, error) {
	reply := make(chan types.SessionSummary, 1)
	if err := s.post(summaryCmd{reply: reply}); err != nil {
		return types.SessionSummary{}, err
	}
	select {
	case sum := <-reply:
		return sum, nil
	case <-s.done:
		return types.SessionSummary{}, ErrSessionEnded
	case <-ctx.Done():
		return types.SessionSummary{}, ctx.Err()
	}
}

// Detach tells the session that nobody reads its outbound channel any more.
// Events produced afterwards are discarded. The transport calls it when the
// client connection fails so the actor never blocks on a dead peer.
func (s *Session) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

func (s *Session) post(cmd any) error {
	if s.Ended() {
		return ErrSessionEnded
	}
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.done:
		return ErrSessionEnded
	}
}

// emit sends env to the client unless the client has detached.
func (s *Session) emit(env protocol.Envelope) {
	select {
	case s.out <- env:
	case <-s.detached:
	}
}

// run is the actor loop.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.inbox:
			switch cmd := cmd.(type) {
			case frameCmd:
				s.handleFrame(cmd.frame)
			case deliverCmd:
				s.deliver(cmd)
			case summaryCmd:
				cmd.reply <- s.stats.summary(s.elapsedMs(), s.stepBacks, s.interruptions)
			case endCmd:
				s.finish(cmd.reason, cmd.detail)
				return
			}
		case <-s.ticker.C():
			if s.tick() {
				return
			}
		}
	}
}

func (s *Session) elapsedMs() int64 {
	return s.c.clock.Now().Sub(s.startedAt).Milliseconds()
}

func (s *Session) level() int {
	if st, ok := s.c.pressure.State(s.id); ok {
		return st.Level
	}
	return types.MinPressureLevel
}

// handleFrame runs the per-frame pipeline: analyse, report metrics, detect a
// step-back, evaluate an interruption and keep the snapshot for the next
// frame.
func (s *Session) handleFrame(f types.VoiceFrame) {
	start := time.Now()
	ctx := context.Background()
	c := s.c

	if err := f.Validate(); err != nil {
		s.stats.rejected++
		c.metrics.FramesRejected.Add(ctx, 1)
		slog.Warn("drill: frame dropped", "session_id", s.id, "err", err)
		s.emit(protocol.NewError(err.Error()))
		return
	}

	// Step-back timestamps must not run backwards, so neither may frames.
	if f.TimestampMs < s.lastTs {
		f.TimestampMs = s.lastTs
	}
	s.lastTs = f.TimestampMs

	if f.Transcript != "" {
		if s.transcript.Len() > 0 {
			s.transcript.WriteByte(' ')
		}
		s.transcript.WriteString(f.Transcript)
	}
	s.wordsSince += f.WordCount

	snap, err := c.analyzer.ProcessFrame(s.id, f)
	if err != nil {
		slog.Debug("drill: frame for unknown analyzer session", "session_id", s.id, "err", err)
		return
	}
	s.frames.Add(1)
	s.stats.add(snap.Confidence)
	s.emit(protocol.NewMetrics(snap, s.prev))

	if ev, ok := c.analyzer.DetectStepBack(s.id, snap, s.prev, s.lastChallenge); ok {
		s.recordStepBack(ctx, ev)
	}

	d := c.pressure.EvaluateInterruption(s.id, snap, s.elapsedMs(), s.wordsSince)
	if d.ShouldInterrupt {
		s.interrupt(ctx, d)
	}

	s.prev = &snap
	c.metrics.FramesProcessed.Add(ctx, 1)
	c.metrics.FrameDuration.Record(ctx, time.Since(start).Seconds())
}

func (s *Session) recordStepBack(ctx context.Context, ev types.StepBackEvent) {
	c := s.c
	s.stepBacks = append(s.stepBacks, ev)
	if st, ok := c.pressure.RecordStepBack(s.id); ok {
		slog.Debug("drill: step-back", "session_id", s.id, "kind", ev.Kind, "severity", ev.Severity, "pressure_level", st.Level)
	}
	c.metrics.RecordStepBack(ctx, string(ev.Kind), string(ev.Severity))

	s.persist.enqueue("append_stepback", func(ctx context.Context) error {
		return c.store.AppendStepBack(ctx, s.id, ev)
	})
	s.persist.enqueue("publish", func(ctx context.Context) error {
		return c.publisher.Publish(ctx, bus.SubjectStepBack, stepBackEvent{SessionID: s.id, Event: ev})
	})
	s.emit(protocol.NewStepBack(ev))
}

func (s *Session) interrupt(ctx context.Context, d types.InterruptionDecision) {
	s.wordsSince = 0
	s.lastChallenge = d.Text
	s.c.metrics.RecordInterruption(ctx, string(d.Category), d.PressureLevel)

	idx := len(s.interruptions)
	s.interruptions = append(s.interruptions, types.InterruptionRecord{
		ElapsedMs:     s.elapsedMs(),
		Category:      d.Category,
		Text:          d.Text,
		PressureLevel: d.PressureLevel,
		Rationale:     d.Rationale,
		DelayMs:       d.DelayMs(),
		Delivered:     d.Delay <= 0,
	})

	if d.Delay <= 0 {
		s.emit(protocol.NewInterrupt(d))
		return
	}
	s.pending[idx] = s.c.clock.AfterFunc(d.Delay, func() {
		// post fails once the session ended; the interruption is then
		// simply never spoken.
		_ = s.post(deliverCmd{idx: idx, decision: d})
	})
}

// deliver speaks a delayed interruption that is still pending.
func (s *Session) deliver(cmd deliverCmd) {
	if _, ok := s.pending[cmd.idx]; !ok {
		return
	}
	delete(s.pending, cmd.idx)
	s.interruptions[cmd.idx].Delivered = true
	s.emit(protocol.NewInterrupt(cmd.decision))
}

// tick advances the countdown by one second. It reports whether the session
// ended.
func (s *Session) tick() bool {
	s.ticks++
	remaining := int(s.remaining.Add(-1))
	if remaining < 0 {
		remaining = 0
	}

	if s.ticks%s.tuning.BroadcastEvery == 0 {
		s.emit(protocol.NewTick(remaining, s.ticks))
	}
	for _, w := range warningsAt(remaining, s.duration) {
		level := s.level()
		s.emit(protocol.NewSpeak(w.text(level), w.Kind, level))
	}
	if remaining == 0 {
		s.finish(types.EndTimeout, "")
		return true
	}
	return false
}

// finish finalises the session exactly once: it stops every timer, closes
// the analyzer window and the pressure state, hands the record to the
// persister, emits the ended event and closes the outbound channel.
func (s *Session) finish(reason types.EndReason, detail string) {
	if !s.status.CompareAndSwap(statusActive, statusEnded) {
		return
	}
	c := s.c
	ctx := context.Background()

	s.ticker.Stop()
	for idx, t := range s.pending {
		t.Stop()
		delete(s.pending, idx)
	}

	final, _ := c.pressure.EndSession(s.id)
	c.analyzer.EndSession(s.id)
	c.remove(s.id)

	endedAt := c.clock.Now()
	summary := s.stats.summary(endedAt.Sub(s.startedAt).Milliseconds(), s.stepBacks, s.interruptions)
	rec := store.Record{
		Registration:  s.registration(),
		Transcript:    s.transcript.String(),
		StepBacks:     s.stepBacks,
		Interruptions: s.interruptions,
		FinalPressure: final,
		Summary:       summary,
		EndReason:     reason,
		EndDetail:     detail,
		EndedAt:       endedAt,
	}

	ended := protocol.Ended{
		SessionID:          s.id,
		TotalStepBacks:     len(s.stepBacks),
		TotalInterruptions: len(s.interruptions),
		MaxPressureLevel:   final.MaxLevel,
		Reason:             reason,
		Summary:            &summary,
	}

	s.persist.enqueue("complete", func(ctx context.Context) error {
		if err := c.store.Complete(ctx, rec); err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		if c.afterComplete != nil {
			c.afterComplete(c.base, rec)
		}
		return nil
	})
	s.persist.enqueue("publish", func(ctx context.Context) error {
		return c.publisher.Publish(ctx, bus.SubjectEnded, endedEvent{
			SessionID:          s.id,
			Reason:             reason,
			TotalStepBacks:     ended.TotalStepBacks,
			TotalInterruptions: ended.TotalInterruptions,
			MaxPressureLevel:   ended.MaxPressureLevel,
			Summary:            summary,
			EndedAt:            endedAt,
		})
	})
	s.persist.close()

	c.metrics.RecordSessionEnded(ctx, string(reason))
	observe.SessionLogger(ctx, s.id).Info("drill session ended",
		"reason", reason,
		"frames", summary.FrameCount,
		"step_backs", ended.TotalStepBacks,
		"interruptions", ended.TotalInterruptions,
		"max_pressure_level", ended.MaxPressureLevel,
	)

	s.emit(protocol.NewEnded(ended))
	close(s.out)
}

func (s *Session) registration() store.Registration {
	return store.Registration{
		SessionID:   s.id,
		UserID:      s.req.UserID,
		TaskType:    s.req.TaskType,
		Difficulty:  s.req.Difficulty,
		Scenario:    s.req.Scenario,
		GroupSize:   s.req.GroupSize,
		DurationSec: s.duration,
		StartedAt:   s.startedAt,
	}
}
