// Package report turns a finished drill session into a short narrative
// assessment written by an LLM and attaches it to the stored session.
//
// Reports are produced off the real-time path: [Synthesizer.Handle] is
// called after the final record has been persisted and queues the work on
// a small bounded pool. Failures are logged and counted, never surfaced to
// the candidate.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/pkg/provider/llm"
	"github.com/MrWong99/gtodrill/pkg/store"
)

// systemPrompt is sent with every report request.
const systemPrompt = `You are a senior assessor at an officer selection board. You observed a candidate
rehearse a group task while an examiner deliberately interrupted and pressured them.
Write a candid report of at most four short paragraphs: how the candidate coped with
pressure, the moments they stepped back and what triggered them, how they recovered,
and two concrete things to practise. Address the candidate as "you". Do not invent
events that are not in the log.`

const (
	defaultTimeout         = 60 * time.Second
	defaultConcurrency     = 4
	defaultMaxTranscript   = 6000
	defaultMaxTokens       = 700
	reportTemperature      = 0.4
	minFramesForReport     = 1
	transcriptTruncatedTag = " [...]"
)

// ErrNothingToReport is returned by [Synthesizer.Synthesize] for sessions
// without any accepted frame.
var ErrNothingToReport = errors.New("report: session has no frames")

// Config tunes a [Synthesizer].
type Config struct {
	// Timeout bounds one synthesis including the store write. Default: 60s.
	Timeout time.Duration

	// Concurrency caps reports generated in parallel. Sessions finishing
	// while the pool is full are skipped. Default: 4.
	Concurrency int

	// MaxTranscriptChars caps the transcript included in the prompt. The
	// beginning is kept. Default: 6000.
	MaxTranscriptChars int

	// MaxTokens caps the report length. Default: 700.
	MaxTokens int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxTranscriptChars <= 0 {
		c.MaxTranscriptChars = defaultMaxTranscript
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

// Synthesizer writes post-session reports.
type Synthesizer struct {
	llm     llm.Provider
	store   store.SessionStore
	metrics *observe.Metrics
	cfg     Config

	base   context.Context
	cancel context.CancelFunc
	pool   errgroup.Group
}

// New creates a Synthesizer that asks p for reports and saves them to st.
// A nil metrics uses [observe.DefaultMetrics].
func New(p llm.Provider, st store.SessionStore, metrics *observe.Metrics, cfg Config) *Synthesizer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	cfg = cfg.withDefaults()
	s := &Synthesizer{llm: p, store: st, metrics: metrics, cfg: cfg}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.pool.SetLimit(cfg.Concurrency)
	return s
}

// Handle queues a report for rec. It never blocks; when the pool is full
// the report is skipped. ctx only contributes its values: the work outlives
// the caller and is bounded by the configured timeout and [Synthesizer.Close].
func (s *Synthesizer) Handle(ctx context.Context, rec store.Record) {
	if rec.Summary.FrameCount < minFramesForReport {
		slog.Debug("report: skipped, no frames", "session_id", rec.SessionID)
		return
	}
	ctx = context.WithoutCancel(ctx)
	started := s.pool.TryGo(func() error {
		s.run(ctx, rec)
		return nil
	})
	if !started {
		slog.Warn("report: pool full, report skipped", "session_id", rec.SessionID)
	}
}

func (s *Synthesizer) run(ctx context.Context, rec store.Record) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	ctx, span := observe.StartSessionSpan(ctx, "report.synthesize", rec.SessionID,
		attribute.String("gtodrill.task_type", string(rec.TaskType)))
	defer span.End()

	log := observe.SessionLogger(ctx, rec.SessionID)
	start := time.Now()
	text, err := s.Synthesize(ctx, rec)
	outcome := "ok"
	if err == nil {
		err = s.store.SaveReport(ctx, rec.SessionID, text)
		if err != nil {
			s.metrics.RecordStoreError(ctx, "save_report")
		}
	}
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		log.Warn("report: failed", "err", err)
	} else {
		log.Info("report: saved", "chars", len(text), "duration", time.Since(start))
	}
	s.metrics.RecordReport(ctx, time.Since(start), outcome)
}

// Synthesize asks the LLM for a report on rec and returns its text.
func (s *Synthesizer) Synthesize(ctx context.Context, rec store.Record) (string, error) {
	if rec.Summary.FrameCount < minFramesForReport {
		return "", ErrNothingToReport
	}
	req := BuildPrompt(rec, s.cfg.MaxTranscriptChars)
	req.MaxTokens = s.cfg.MaxTokens

	resp, err := s.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("report: synthesize %s: %w", rec.SessionID, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("report: synthesize %s: %w", rec.SessionID, llm.ErrEmptyResponse)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Close waits for queued reports. If ctx expires first the remaining
// reports are cancelled and ctx's error is returned once they have stopped.
func (s *Synthesizer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("report: close: %w", ctx.Err())
	}
}

// BuildPrompt renders rec as a completion request. The transcript is cut to
// maxTranscript characters; zero or less keeps it whole.
func BuildPrompt(rec store.Record, maxTranscript int) llm.CompletionRequest {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s", rec.TaskType)
	if rec.Scenario != "" {
		fmt.Fprintf(&b, " (scenario: %s)", rec.Scenario)
	}
	if rec.GroupSize > 0 {
		fmt.Fprintf(&b, ", group of %d", rec.GroupSize)
	}
	b.WriteString("\n")
	if rec.Difficulty != "" {
		fmt.Fprintf(&b, "Difficulty: %s\n", rec.Difficulty)
	}
	sum := rec.Summary
	fmt.Fprintf(&b, "Planned duration: %s, actual: %s, ended by: %s\n",
		clock(int64(rec.DurationSec)*1000), clock(sum.DurationMs), rec.EndReason)
	fmt.Fprintf(&b, "Confidence: avg %.0f, min %.0f, max %.0f, trend %s\n",
		sum.ConfidenceAvg, sum.ConfidenceMin, sum.ConfidenceMax, sum.Trend)
	fmt.Fprintf(&b, "Pressure: final level %d, peak level %d, %d interruptions\n",
		rec.FinalPressure.Level, rec.FinalPressure.MaxLevel, rec.FinalPressure.InterruptionCount)

	b.WriteString("\nStep-backs:\n")
	if len(rec.StepBacks) == 0 {
		b.WriteString("- none\n")
	}
	for _, ev := range rec.StepBacks {
		fmt.Fprintf(&b, "- %s %s (%s), confidence %.0f -> %.0f",
			clock(ev.TimestampMs), ev.Kind, ev.Severity, ev.ConfidenceBefore, ev.ConfidenceAfter)
		if ev.TriggeredBy != "" {
			fmt.Fprintf(&b, ", after examiner said %q", ev.TriggeredBy)
		}
		if ev.Transcript != "" {
			fmt.Fprintf(&b, ", candidate said %q", ev.Transcript)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nInterruptions:\n")
	if len(rec.Interruptions) == 0 {
		b.WriteString("- none\n")
	}
	for _, in := range rec.Interruptions {
		state := ""
		if !in.Delivered {
			state = " (not delivered)"
		}
		fmt.Fprintf(&b, "- %s level %d %s: %q%s\n", clock(in.ElapsedMs), in.PressureLevel, in.Category, in.Text, state)
	}

	if len(sum.StepBacks) > 0 {
		b.WriteString("\nStep-back counts: ")
		for i, k := range slices.Sorted(maps.Keys(sum.StepBacks)) {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %d", k, sum.StepBacks[k])
		}
		b.WriteString("\n")
	}

	transcript := rec.Transcript
	if maxTranscript > 0 && len(transcript) > maxTranscript {
		transcript = truncate(transcript, maxTranscript) + transcriptTruncatedTag
	}
	if transcript != "" {
		fmt.Fprintf(&b, "\nTranscript:\n%s\n", transcript)
	}

	return llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature:  reportTemperature,
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// clock formats ms as m:ss.
func clock(ms int64) string {
	sec := ms / 1000
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}
