package throttle

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZeroKbpsIsIdentity(t *testing.T) {
	var buf bytes.Buffer
	var sent int
	th := New(&buf, 0, func(n int) { sent += n })

	n, err := th.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, sent)
	require.Equal(t, "hello", buf.String())
}

func TestThrottlePaces(t *testing.T) {
	var buf bytes.Buffer
	th := New(&buf, 1, nil) // 1kbps -> 1024 byte/s capacity and rate

	start := time.Now()
	_, err := th.Write(make([]byte, 1024)) // fits in burst, immediate
	require.NoError(t, err)
	require.Less(t, time.Since(start), 200*time.Millisecond)

	start = time.Now()
	_, err = th.Write(make([]byte, 1024)) // bucket empty, must wait ~1s
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestThrottleSplitsOversizeWrites(t *testing.T) {
	var buf bytes.Buffer
	th := New(&buf, 1, nil) // burst = 1024 bytes
	n, err := th.Write(make([]byte, 3000))
	require.NoError(t, err)
	require.Equal(t, 3000, n)
	require.Equal(t, 3000, buf.Len())
}
