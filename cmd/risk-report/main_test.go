package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"security-risk-engine/internal/schema"
)

func TestReportRequest(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		from, to string
		wantFrom time.Time
		wantTo   time.Time
		wantErr  bool
	}{
		{"defaults to last day", "", "", now.Add(-24 * time.Hour), now, false},
		{"explicit range", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z",
			time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), false},
		{"only from", "2024-03-05T00:00:00Z", "", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), now, false},
		{"bad from", "yesterday", "", time.Time{}, time.Time{}, true},
		{"inverted", "2024-03-02T00:00:00Z", "2024-03-01T00:00:00Z", time.Time{}, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := reportRequest(tt.from, tt.to, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("reportRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !req.From.Equal(tt.wantFrom) || !req.To.Equal(tt.wantTo) {
				t.Errorf("range = %s..%s, want %s..%s", req.From, req.To, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

func TestPrintAlerts(t *testing.T) {
	var buf bytes.Buffer
	handle := printAlerts(&buf, 70)

	for _, risk := range []int{40, 75, 90} {
		if err := handle(context.Background(), schema.SecurityAlert{Title: "alert", RiskScore: risk}); err != nil {
			t.Fatalf("handler error = %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d alerts, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"risk_score":75`) {
		t.Errorf("first line = %s", lines[0])
	}
}
