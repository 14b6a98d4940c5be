package sync

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		raw, addr, name string
	}{
		{raw: `"Alice Smith" <Alice@Example.COM>`, addr: "alice@example.com", name: "Alice Smith"},
		{raw: "bob@example.com", addr: "bob@example.com"},
		{raw: "Carol <carol@example.com>", addr: "carol@example.com", name: "Carol"},
		{raw: "broken name <dave@local>", addr: "dave@local", name: "broken name"},
		{raw: "", addr: ""},
	}
	for _, tt := range tests {
		addr, name := ExtractAddress(tt.raw)
		assert.Equal(t, tt.addr, addr, tt.raw)
		assert.Equal(t, tt.name, name, tt.raw)
	}
}

func TestFirstAddress(t *testing.T) {
	addr, name := FirstAddress(`"Doe, Jane" <jane@example.com>, bob@example.com`)
	assert.Equal(t, "jane@example.com", addr)
	assert.Equal(t, "Doe, Jane", name)
}

func TestParseDate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got := ParseDate(logger, "Tue, 05 Mar 2024 10:20:30 +0000", now)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC).Unix(), got.Unix())

	got = ParseDate(logger, "2024-03-05T10:20:30Z", now)
	assert.Equal(t, int64(1709634030), got.Unix())

	got = ParseDate(logger, "1709634030000", now)
	assert.Equal(t, int64(1709634030), got.Unix())

	assert.Equal(t, now, ParseDate(logger, "yesterday-ish", now))
	assert.Equal(t, now, ParseDate(logger, "", now))
}

func TestBatchSize(t *testing.T) {
	caps := Capabilities{MaxBatchSize: 50}
	assert.Equal(t, 50, BatchSize(0, caps))
	assert.Equal(t, 20, BatchSize(20, caps))
	assert.Equal(t, 50, BatchSize(500, caps))
	assert.Equal(t, 10, BatchSize(0, Capabilities{}))
}

func TestInternalIDAndSplit(t *testing.T) {
	assert.Equal(t, "gmail_abc", InternalID("Gmail", "abc"))
	assert.Equal(t, []string{"<a@x>", "<b@y>"}, SplitMessageIDs(" <a@x>,  <b@y> "))
	assert.Nil(t, SplitMessageIDs("  "))
}

func TestSetTimestampPopulatesOneSide(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 20, 30, 500, time.UTC)

	m := NormalizedMessage{Direction: DirectionSent}
	m.SetTimestamp(ts)
	assert.NotNil(t, m.SentAt)
	assert.Nil(t, m.ReceivedAt)
	assert.Equal(t, ts.Unix(), m.Timestamp().Unix())

	m.Direction = DirectionReceived
	m.SetTimestamp(ts)
	assert.Nil(t, m.SentAt)
	assert.NotNil(t, m.ReceivedAt)
}

func TestWallTimeJSON(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 20, 30, 0, time.Local)
	b, err := json.Marshal(NewWallTime(ts))
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-05T10:20:30"`, string(b))

	var w WallTime
	require.NoError(t, json.Unmarshal(b, &w))
	assert.True(t, ts.Equal(w.Time))
}

func TestReadState(t *testing.T) {
	assert.True(t, ReadRead.IsRead())
	assert.False(t, ReadUnknown.IsRead())
	assert.False(t, ReadUnknown.Known())
	assert.True(t, ReadUnread.Known())
}
