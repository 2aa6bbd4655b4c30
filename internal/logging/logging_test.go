package logging

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := New(Config{Level: tt.level, Format: "json"}, nil)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_WritesToBuffer(t *testing.T) {
	buf := NewBuffer(10)
	var out bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Version: "1.2.3", Writer: &out}, buf)

	logger.With().Str("component", "backup_manager").Logger().
		Warn().Str("backup_id", "b-1").Msg("backup verification failed")

	entries, total := buf.Get(Filter{})
	require.Equal(t, 1, total)
	e := entries[0]
	assert.Equal(t, "warn", e.Level)
	assert.Equal(t, "backup verification failed", e.Message)
	assert.Equal(t, "backup_manager", e.Component)
	assert.Equal(t, "b-1", e.Fields["backup_id"])
	assert.Equal(t, "1.2.3", e.Fields["version"])
	assert.False(t, e.Timestamp.IsZero())
	assert.Contains(t, out.String(), "backup verification failed")
}

func TestBuffer_Wraps(t *testing.T) {
	buf := NewBuffer(3)
	for i := range 5 {
		fmt.Fprintf(buf, `{"level":"info","message":"m%d"}`, i)
	}
	assert.Equal(t, 3, buf.Len())

	entries, total := buf.Get(Filter{})
	assert.Equal(t, 3, total)
	var msgs []string
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"m4", "m3", "m2"}, msgs)
}

func TestBuffer_NonJSON(t *testing.T) {
	buf := NewBuffer(2)
	_, err := buf.Write([]byte("plain text line\n"))
	require.NoError(t, err)

	entries, _ := buf.Get(Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "plain text line", entries[0].Message)
}

func TestBuffer_Get(t *testing.T) {
	buf := NewBuffer(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lines := []string{
		`{"level":"debug","component":"dr_orchestrator","message":"executing step: Assess"}`,
		`{"level":"info","component":"dr_orchestrator","message":"execution started"}`,
		`{"level":"warn","component":"offsite_manager","message":"replication degraded","provider":"S3"}`,
		`{"level":"error","component":"backup_manager","message":"checksum mismatch"}`,
	}
	for i, l := range lines {
		ts := base.Add(time.Duration(i) * time.Minute)
		buf.now = func() time.Time { return ts }
		_, err := buf.Write([]byte(l))
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantFirst string
	}{
		{"all", Filter{}, 4, "checksum mismatch"},
		{"min level warn", Filter{Level: "warn"}, 2, "checksum mismatch"},
		{"component", Filter{Component: "dr_orchestrator"}, 2, "execution started"},
		{"search field", Filter{Search: "s3"}, 1, "replication degraded"},
		{"search message", Filter{Search: "EXECUTION"}, 1, "execution started"},
		{"since", Filter{Since: base.Add(2 * time.Minute)}, 2, "checksum mismatch"},
		{"limit", Filter{Limit: 1}, 4, "checksum mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, total := buf.Get(tt.filter)
			assert.Equal(t, tt.wantTotal, total)
			require.NotEmpty(t, entries)
			assert.Equal(t, tt.wantFirst, entries[0].Message)
			if tt.filter.Limit > 0 {
				assert.Len(t, entries, tt.filter.Limit)
			}
		})
	}

	assert.Equal(t, []string{"backup_manager", "offsite_manager", "dr_orchestrator"}, buf.Components())
}
