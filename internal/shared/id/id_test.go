package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsMonotonic(t *testing.T) {
	gen := NewGenerator()
	fixed := time.Unix(1_700_000_000, 0)
	gen.now = func() time.Time { return fixed }

	prev := gen.Generate()
	for i := 0; i < 1000; i++ {
		next := gen.Generate()
		require.Equal(t, -1, prev.Compare(next), "ids within one millisecond must increase")
		require.Equal(t, prev.Time(), next.Time())
		prev = next
	}
}

func TestWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{TerminalPrefix, RequestPrefix} {
		t.Run(prefix, func(t *testing.T) {
			got := gen.WithPrefix(prefix)

			parts := strings.Split(got, "_")
			require.Len(t, parts, 2)
			assert.Equal(t, prefix, parts[0])
			assert.Len(t, parts[1], 26)
			assert.True(t, IsValid(parts[1]))
		})
	}
}

func TestTypedIDs(t *testing.T) {
	termID := NewTerminalID()
	connID := NewConnectionID()
	reqID := NewRequestID()

	assert.True(t, strings.HasPrefix(termID.String(), "term_"))
	assert.True(t, strings.HasPrefix(connID.String(), "conn_"))
	assert.True(t, strings.HasPrefix(reqID.String(), "req_"))
}

func TestIsTerminalID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"generated", NewTerminalID().String(), true},
		{"wrong prefix", NewGenerator().WithPrefix(RequestPrefix), false},
		{"no prefix", NewGenerator().Generate().String(), false},
		{"path traversal", "term_../../etc/passwd", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTerminalID(tt.input))
		})
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	termID := NewTerminalID()

	ts, err := Timestamp(termID.String())
	require.NoError(t, err)
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))

	_, err = Timestamp("not-an-id")
	assert.Error(t, err)
}

func TestConcurrentGeneration(t *testing.T) {
	const workers, perWorker = 8, 200

	var (
		mu   sync.Mutex
		seen = make(map[TerminalID]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tid := NewTerminalID()
				mu.Lock()
				seen[tid] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}
