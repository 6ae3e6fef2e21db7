package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizer_Production(t *testing.T) {
	s := New(true)

	tests := []struct {
		name        string
		input       error
		contains    string
		notContains string
	}{
		{
			name:        "file path removal",
			input:       errors.New("failed to open /var/lib/risk-engine/risk-engine.db"),
			contains:    "risk-engine.db",
			notContains: "/var/lib",
		},
		{
			name:        "IP address masking",
			input:       errors.New("connection failed to 10.20.30.40:9000"),
			contains:    "10.20.x.x",
			notContains: "10.20.30.40",
		},
		{
			name:        "store error",
			input:       errors.New("clickhouse [execute]:: code: 60, message: Table risk_engine.security_events doesn't exist"),
			contains:    "storage operation failed",
			notContains: "security_events",
		},
		{
			name:        "credential",
			input:       errors.New("dial: password=hunter2 rejected"),
			contains:    "storage operation failed",
			notContains: "hunter2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Error(tt.input).Error()
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Error() = %q, want to contain %q", got, tt.contains)
			}
			if strings.Contains(got, tt.notContains) {
				t.Errorf("Error() = %q, should not contain %q", got, tt.notContains)
			}
		})
	}
}

func TestSanitizer_Development(t *testing.T) {
	s := New(false)
	err := errors.New("failed to open /var/lib/risk-engine/risk-engine.db")
	if got := s.Error(err); got != err {
		t.Errorf("Error() = %v, want original error", got)
	}
	if got := s.String("10.0.0.1"); got != "10.0.0.1" {
		t.Errorf("String() = %q, want unchanged", got)
	}
}

func TestSanitizer_Nil(t *testing.T) {
	s := New(true)
	if s.Error(nil) != nil || s.Wrap(nil, "ctx") != nil || s.Message(nil) != "" {
		t.Error("nil errors must stay nil")
	}
}

func TestSanitizer_StackTrace(t *testing.T) {
	s := New(true)
	got := s.String("panic: boom\n\ngoroutine 1 [running]:\nmain.main()")
	if got != "internal server error - operation failed" {
		t.Errorf("String() = %q", got)
	}
}

func TestSanitizer_Message(t *testing.T) {
	s := New(true)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation passes through",
			err:  errors.New("invalid security event: Key: 'RawEvent.IPAddress' failed on the 'ip' tag"),
			want: "invalid security event: Key: 'RawEvent.IPAddress' failed on the 'ip' tag",
		},
		{
			name: "internal sanitized",
			err:  errors.New("database: connection string leaked"),
			want: "storage operation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Message(tt.err); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizer_Wrap(t *testing.T) {
	s := New(true)
	got := s.Wrap(errors.New("open /etc/risk-engine/secrets/key"), "load key")
	if strings.Contains(got.Error(), "/etc/") {
		t.Errorf("Wrap() = %q, leaked a path", got)
	}
	if !strings.HasPrefix(got.Error(), "load key") {
		t.Errorf("Wrap() = %q, lost context", got)
	}
}
