package protocol

import (
	"errors"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, ev *Event)
	}{
		{
			name:  "metric event",
			input: `{"type":"metric","key":"loss","value":0.42,"step":10,"ts":"2026-08-30T10:00:00Z"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventMetric {
					t.Errorf("type = %q", ev.Type)
				}
				if ev.Key != "loss" || ev.Value != 0.42 || ev.Step != 10 {
					t.Errorf("metric fields: %+v", ev)
				}
				if ev.Timestamp.Year() != 2026 {
					t.Errorf("ts not parsed: %v", ev.Timestamp)
				}
			},
		},
		{
			name:  "progress event",
			input: `{"type":"progress","current":3,"total":10}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventProgress || ev.Current != 3 || ev.Total != 10 {
					t.Errorf("progress fields: %+v", ev)
				}
			},
		},
		{
			name:  "status event",
			input: `{"type":"status","state":"succeeded"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventStatus || ev.State != StatusSucceeded {
					t.Errorf("status fields: %+v", ev)
				}
			},
		},
		{
			name:  "failed status carries error detail",
			input: `{"type":"status","state":"failed","error":"loss diverged"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.State != StatusFailed || ev.ErrorDetail != "loss diverged" {
					t.Errorf("status fields: %+v", ev)
				}
			},
		},
		{
			name:  "artifact event",
			input: `{"type":"artifact","path":"artifacts/ckpt.bin","kind":"checkpoint","sha256":"deadbeef"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventArtifact || ev.Path != "artifacts/ckpt.bin" {
					t.Errorf("artifact fields: %+v", ev)
				}
				if ev.SHA256 != "deadbeef" {
					t.Errorf("sha256 = %q", ev.SHA256)
				}
			},
		},
		{
			name:  "device event",
			input: `{"type":"device","name":"cuda:0"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventDevice || ev.Name != "cuda:0" {
					t.Errorf("device fields: %+v", ev)
				}
			},
		},
		{
			name:  "log event defaults level",
			input: `{"type":"log","message":"hello"}`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Level != "INFO" {
					t.Errorf("level = %q, want INFO", ev.Level)
				}
			},
		},
		{
			name:    "unknown type is skipped",
			input:   `{"type":"telemetry","payload":1}`,
			wantErr: true,
		},
		{
			name:  "plain text becomes log event",
			input: "epoch 1/10 starting",
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventLog || ev.Level != "INFO" {
					t.Errorf("fallback event: %+v", ev)
				}
				if ev.Message != "epoch 1/10 starting" {
					t.Errorf("message = %q", ev.Message)
				}
			},
		},
		{
			name:  "malformed json becomes log event",
			input: `{"type":"metric", broken`,
			checkFn: func(t *testing.T, ev *Event) {
				if ev.Type != EventLog {
					t.Errorf("fallback event: %+v", ev)
				}
			},
		},
		{
			name:    "empty line",
			input:   "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseLine(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if ev.Timestamp.IsZero() {
					t.Error("timestamp should be stamped")
				}
				if tt.checkFn != nil {
					tt.checkFn(t, ev)
				}
			}
		})
	}
}

func TestParseLineUnknownTypeSentinel(t *testing.T) {
	_, err := ParseLine(`{"type":"mystery"}`)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestPlainLogEventLevel(t *testing.T) {
	ev := PlainLogEvent("boom", "ERROR")
	if ev.Level != "ERROR" || ev.Message != "boom" || ev.Type != EventLog {
		t.Fatalf("event: %+v", ev)
	}
}

func TestEncodeLineRoundTrip(t *testing.T) {
	line, err := EncodeLine(&Event{Type: EventMetric, Key: "acc", Value: 0.9})
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	ev, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if ev.Key != "acc" || ev.Value != 0.9 {
		t.Fatalf("round trip: %+v", ev)
	}
}
