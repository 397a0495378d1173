package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/gtodrill/pkg/types"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
		check   func(t *testing.T, got Inbound)
	}{
		{
			name: "start",
			in:   `{"type":"start","data":{"taskType":"group-planning","durationSec":600,"groupSize":8,"scenario":"flood relief","difficulty":"hard","userId":"u-1"}}`,
			check: func(t *testing.T, got Inbound) {
				if got.Start == nil {
					t.Fatal("Start is nil")
				}
				want := StartRequest{
					TaskType:    types.TaskGroupPlanning,
					DurationSec: 600,
					GroupSize:   8,
					Scenario:    "flood relief",
					Difficulty:  types.DifficultyHard,
					UserID:      "u-1",
				}
				if *got.Start != want {
					t.Errorf("Start = %+v, want %+v", *got.Start, want)
				}
			},
		},
		{
			name: "voice frame",
			in:   `{"type":"voiceFrame","data":{"timestamp":4200,"rmsVolume":0.4,"pitchHz":180,"pitchVariance":3.5,"speechRate":130,"pauseDurationMs":200,"fillerWordCount":1,"wordCount":9,"transcript":"we cross first"}}`,
			check: func(t *testing.T, got Inbound) {
				if got.Frame == nil {
					t.Fatal("Frame is nil")
				}
				if got.Frame.TimestampMs != 4200 || got.Frame.WordCount != 9 || got.Frame.Transcript != "we cross first" {
					t.Errorf("Frame = %+v", *got.Frame)
				}
			},
		},
		{
			name: "end with reason",
			in:   `{"type":"end","data":{"reason":"done"}}`,
			check: func(t *testing.T, got Inbound) {
				if got.End == nil || got.End.Reason != "done" {
					t.Errorf("End = %+v", got.End)
				}
			},
		},
		{
			name: "end without data",
			in:   `{"type":"end"}`,
			check: func(t *testing.T, got Inbound) {
				if got.End == nil {
					t.Error("End is nil")
				}
			},
		},
		{name: "not json", in: `{"type":`, wantErr: ErrMalformed},
		{name: "missing type", in: `{"data":{}}`, wantErr: ErrMalformed},
		{name: "frame without data", in: `{"type":"voiceFrame"}`, wantErr: ErrMalformed},
		{name: "frame with wrong shape", in: `{"type":"voiceFrame","data":{"rmsVolume":"loud"}}`, wantErr: ErrMalformed},
		{name: "unknown type", in: `{"type":"video_frame","data":{}}`, wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.in))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func decodeEnvelope(t *testing.T, e Envelope) (MessageType, map[string]any) {
	t.Helper()
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		Type MessageType    `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal(%s): %v", b, err)
	}
	return out.Type, out.Data
}

func TestNewMetrics_ConfidenceDelta(t *testing.T) {
	prev := types.MetricsSnapshot{Confidence: 80}
	cur := types.MetricsSnapshot{Confidence: 65, TremorScore: 12}

	typ, data := decodeEnvelope(t, NewMetrics(cur, &prev))
	if typ != TypeMetrics {
		t.Errorf("type = %q", typ)
	}
	if data["confidenceDelta"] != float64(-15) {
		t.Errorf("confidenceDelta = %v, want -15", data["confidenceDelta"])
	}
	// Embedded snapshot fields are flattened.
	if data["tremorScore"] != float64(12) {
		t.Errorf("tremorScore = %v, want 12", data["tremorScore"])
	}

	_, first := decodeEnvelope(t, NewMetrics(cur, nil))
	if first["confidenceDelta"] != float64(0) {
		t.Errorf("first confidenceDelta = %v, want 0", first["confidenceDelta"])
	}
}

func TestNewInterrupt(t *testing.T) {
	d := types.InterruptionDecision{
		ShouldInterrupt: true,
		Category:        types.CategoryCutOff,
		Text:            "Stop. Get to the point.",
		PressureLevel:   3,
		Rationale:       "level 3",
		Delay:           1500 * time.Millisecond,
	}
	typ, data := decodeEnvelope(t, NewInterrupt(d))
	if typ != TypeInterrupt {
		t.Errorf("type = %q", typ)
	}
	if data["delayMs"] != float64(1500) || data["category"] != "cut-off" || data["pressureLevel"] != float64(3) {
		t.Errorf("data = %v", data)
	}
}

func TestOutboundEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		env      Envelope
		wantType MessageType
		wantKey  string
		wantVal  any
	}{
		{"started", NewStarted(Started{SessionID: "s1", DurationSec: 600}), TypeStarted, "sessionId", "s1"},
		{"step back", NewStepBack(types.StepBackEvent{Kind: types.StepBackTremor}), TypeStepBack, "kind", "tremor"},
		{"tick", NewTick(5, 5), TypeTick, "remaining", float64(5)},
		{"speak", NewSpeak("Half your time is gone.", SpeakHalfway, 2), TypeSpeak, "type", "halfway"},
		{"ended", NewEnded(Ended{SessionID: "s1", Reason: types.EndTimeout}), TypeEnded, "reason", "timeout"},
		{"error", NewError("bad frame"), TypeError, "message", "bad frame"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, data := decodeEnvelope(t, tt.env)
			if typ != tt.wantType {
				t.Errorf("type = %q, want %q", typ, tt.wantType)
			}
			if data[tt.wantKey] != tt.wantVal {
				t.Errorf("data[%q] = %v, want %v", tt.wantKey, data[tt.wantKey], tt.wantVal)
			}
		})
	}
}
