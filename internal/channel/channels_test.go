package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxflow/logger"
)

func TestQueueSendAndDrop(t *testing.T) {
	q := NewQueue[int]("test", 2)
	ctx := context.Background()

	assert.True(t, q.Send(ctx, 1))
	assert.True(t, q.Send(ctx, 2))
	assert.False(t, q.Send(ctx, 3), "full queue must drop")

	assert.Equal(t, Stats{Sent: 2, Dropped: 1}, q.GetStats())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, <-q.C())
	assert.Equal(t, 2, <-q.C())
}

func TestQueueSendCancelled(t *testing.T) {
	q := NewQueue[string]("cancelled", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, q.Send(ctx, "x"))
	assert.Equal(t, Stats{}, q.GetStats(), "cancelled send is neither sent nor dropped")
}

func TestQueueMinimumCapacity(t *testing.T) {
	q := NewQueue[int]("tiny", 0)
	assert.Equal(t, 1, q.Cap())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMetricsReportingStopsWithContext(t *testing.T) {
	out := &lockedBuffer{}
	logger.GetLogger().SetOutput(out)

	q := NewQueue[int]("reported", 4)
	ctx, cancel := context.WithCancel(context.Background())
	q.StartMetricsReporting(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"queue":"reported"`)
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestLogStats(t *testing.T) {
	var buf bytes.Buffer
	logger.GetLogger().SetOutput(&buf)

	q := NewQueue[int]("stats", 4)
	q.Send(context.Background(), 1)
	buf.Reset()
	q.logStats()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stats", entry["queue"])
	assert.Equal(t, float64(1), entry["sent"])
	assert.Equal(t, float64(4), entry["cap"])
}
