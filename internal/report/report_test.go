package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/pkg/provider/llm"
	llmmock "github.com/MrWong99/gtodrill/pkg/provider/llm/mock"
	"github.com/MrWong99/gtodrill/pkg/store"
	storemock "github.com/MrWong99/gtodrill/pkg/store/mock"
	"github.com/MrWong99/gtodrill/pkg/types"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func sampleRecord() store.Record {
	return store.Record{
		Registration: store.Registration{
			SessionID:   "sess-1",
			TaskType:    types.TaskLecturette,
			Difficulty:  types.DifficultyHard,
			Scenario:    "flooded bridge",
			GroupSize:   8,
			DurationSec: 180,
		},
		Transcript: "I propose we rope the gap first",
		StepBacks: []types.StepBackEvent{{
			TimestampMs:      65_000,
			Kind:             types.StepBackHesitation,
			Severity:         types.SeverityModerate,
			ConfidenceBefore: 71,
			ConfidenceAfter:  52,
			Transcript:       "um, I mean",
			TriggeredBy:      "That makes no sense.",
		}},
		Interruptions: []types.InterruptionRecord{
			{ElapsedMs: 60_000, Category: types.CategoryChallenge, Text: "That makes no sense.", PressureLevel: 3, Delivered: true},
			{ElapsedMs: 170_000, Category: types.CategoryCutOff, Text: "Stop.", PressureLevel: 4},
		},
		FinalPressure: types.PressureState{Level: 4, MaxLevel: 4, InterruptionCount: 2},
		Summary: types.SessionSummary{
			FrameCount:    150,
			DurationMs:    175_000,
			ConfidenceAvg: 63,
			ConfidenceMin: 40,
			ConfidenceMax: 82,
			Trend:         types.TrendFalling,
			StepBacks:     map[types.StepBackKind]int{types.StepBackHesitation: 1},
		},
		EndReason: types.EndTimeout,
	}
}

func waitClosed(t *testing.T, s *Synthesizer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// ─── BuildPrompt ─────────────────────────────────────────────────────────────

func TestBuildPrompt_IncludesSessionFacts(t *testing.T) {
	req := BuildPrompt(sampleRecord(), 0)

	if req.SystemPrompt != systemPrompt {
		t.Error("system prompt not set")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("prompt does not validate: %v", err)
	}

	body := req.Messages[0].Content
	for _, want := range []string{
		"Task: lecturette (scenario: flooded bridge), group of 8",
		"Difficulty: hard",
		"Planned duration: 3:00, actual: 2:55, ended by: timeout",
		"Confidence: avg 63, min 40, max 82, trend falling",
		"final level 4, peak level 4, 2 interruptions",
		`- 1:05 hesitation (moderate), confidence 71 -> 52, after examiner said "That makes no sense.", candidate said "um, I mean"`,
		`- 1:00 level 3 challenge: "That makes no sense."`,
		`- 2:50 level 4 cut-off: "Stop." (not delivered)`,
		"Step-back counts: hesitation 1",
		"Transcript:\nI propose we rope the gap first",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("prompt missing %q\n---\n%s", want, body)
		}
	}
}

func TestBuildPrompt_EmptyLogs(t *testing.T) {
	rec := sampleRecord()
	rec.StepBacks, rec.Interruptions, rec.Transcript = nil, nil, ""
	rec.Summary.StepBacks = nil

	body := BuildPrompt(rec, 0).Messages[0].Content
	if strings.Count(body, "- none") != 2 {
		t.Errorf("want a none marker for both logs:\n%s", body)
	}
	if strings.Contains(body, "Transcript:") || strings.Contains(body, "Step-back counts") {
		t.Errorf("empty sections rendered:\n%s", body)
	}
}

func TestBuildPrompt_TruncatesTranscript(t *testing.T) {
	rec := sampleRecord()
	rec.Transcript = strings.Repeat("word ", 100)

	body := BuildPrompt(rec, 20).Messages[0].Content
	if !strings.Contains(body, "Transcript:\n"+rec.Transcript[:20]+transcriptTruncatedTag) {
		t.Errorf("transcript not truncated:\n%s", body)
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdef", 3, "abc"},
		{"abc", 10, "abc"},
		{"aé", 2, "a"},
		{"aéb", 3, "aé"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

// ─── Synthesize ──────────────────────────────────────────────────────────────

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name    string
		mock    *llmmock.Provider
		frames  int
		want    string
		wantErr error
	}{
		{
			name:   "trims the answer",
			mock:   &llmmock.Provider{Response: &llm.CompletionResponse{Content: "  You held firm.\n"}},
			frames: 10,
			want:   "You held firm.",
		},
		{
			name:    "no frames",
			mock:    &llmmock.Provider{},
			wantErr: ErrNothingToReport,
		},
		{
			name:    "blank answer",
			mock:    &llmmock.Provider{Response: &llm.CompletionResponse{Content: "  "}},
			frames:  10,
			wantErr: llm.ErrEmptyResponse,
		},
		{
			name:    "nil answer",
			mock:    &llmmock.Provider{},
			frames:  10,
			wantErr: llm.ErrEmptyResponse,
		},
		{
			name:    "backend error",
			mock:    &llmmock.Provider{Err: context.DeadlineExceeded},
			frames:  10,
			wantErr: context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.mock, &storemock.SessionStore{}, testMetrics(t), Config{MaxTokens: 321})
			rec := sampleRecord()
			rec.Summary.FrameCount = tt.frames

			got, err := s.Synthesize(context.Background(), rec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("report = %q, want %q", got, tt.want)
			}
			if tt.frames == 0 {
				if n := len(tt.mock.Calls()); n != 0 {
					t.Errorf("LLM called %d times for an empty session", n)
				}
				return
			}
			if calls := tt.mock.Calls(); len(calls) != 1 || calls[0].Req.MaxTokens != 321 {
				t.Errorf("calls = %+v, want one with MaxTokens 321", calls)
			}
		})
	}
}

// ─── Handle / Close ──────────────────────────────────────────────────────────

func TestHandle_SavesReport(t *testing.T) {
	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Composed."}}
	st := &storemock.SessionStore{}
	s := New(p, st, testMetrics(t), Config{})

	s.Handle(context.Background(), sampleRecord())
	waitClosed(t, s)

	calls := st.Calls()
	if len(calls) != 1 || calls[0].Method != "SaveReport" {
		t.Fatalf("store calls = %+v, want one SaveReport", calls)
	}
	if calls[0].Args[0] != "sess-1" || calls[0].Args[1] != "Composed." {
		t.Errorf("SaveReport args = %v", calls[0].Args)
	}
}

func TestHandle_FailuresAreNotSaved(t *testing.T) {
	st := &storemock.SessionStore{}
	s := New(&llmmock.Provider{Err: errors.New("rate limited")}, st, testMetrics(t), Config{})

	s.Handle(context.Background(), sampleRecord())
	waitClosed(t, s)

	if n := st.CallCount("SaveReport"); n != 0 {
		t.Errorf("SaveReport calls = %d, want 0", n)
	}
}

func TestHandle_SkipsEmptySessions(t *testing.T) {
	p := &llmmock.Provider{}
	s := New(p, &storemock.SessionStore{}, testMetrics(t), Config{})

	rec := sampleRecord()
	rec.Summary.FrameCount = 0
	s.Handle(context.Background(), rec)
	waitClosed(t, s)

	if n := len(p.Calls()); n != 0 {
		t.Errorf("LLM calls = %d, want 0", n)
	}
}

func TestHandle_OutlivesCallerContext(t *testing.T) {
	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "ok"}, Block: make(chan struct{})}
	st := &storemock.SessionStore{}
	s := New(p, st, testMetrics(t), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Handle(ctx, sampleRecord())
	cancel()
	close(p.Block)
	waitClosed(t, s)

	if n := st.CallCount("SaveReport"); n != 1 {
		t.Errorf("SaveReport calls = %d, want 1", n)
	}
}

func TestHandle_PoolFullSkips(t *testing.T) {
	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "ok"}, Block: make(chan struct{})}
	st := &storemock.SessionStore{}
	s := New(p, st, testMetrics(t), Config{Concurrency: 1})

	s.Handle(context.Background(), sampleRecord())
	second := sampleRecord()
	second.SessionID = "sess-2"
	s.Handle(context.Background(), second)

	close(p.Block)
	waitClosed(t, s)

	calls := st.Calls()
	if len(calls) != 1 || calls[0].Args[0] != "sess-1" {
		t.Errorf("store calls = %+v, want only sess-1", calls)
	}
}

func TestClose_CancelsOnDeadline(t *testing.T) {
	p := &llmmock.Provider{Block: make(chan struct{})}
	st := &storemock.SessionStore{}
	s := New(p, st, testMetrics(t), Config{})

	s.Handle(context.Background(), sampleRecord())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
	if n := st.CallCount("SaveReport"); n != 0 {
		t.Errorf("SaveReport calls = %d, want 0", n)
	}
}
