package timer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicplug/quicplug/timer"
)

var t0 = time.Unix(1700000000, 0)

func TestPollOrdering(t *testing.T) {
	q := timer.New()
	q.Schedule(3, t0.Add(300*time.Millisecond), nil)
	q.Schedule(1, t0.Add(100*time.Millisecond), nil)
	q.Schedule(2, t0.Add(200*time.Millisecond), nil)

	due := q.Poll(t0.Add(time.Second))
	require.Len(t, due, 3)
	assert.Equal(t, []int{1, 2, 3}, opsOf(due))
	assert.Zero(t, q.Len())
}

func TestPollBoundary(t *testing.T) {
	q := timer.New()
	q.Schedule(3, t0.Add(100*time.Millisecond), []byte{9})

	assert.Empty(t, q.Poll(t0.Add(50*time.Millisecond)))
	assert.Equal(t, 1, q.Len())

	due := q.Poll(t0.Add(150 * time.Millisecond))
	require.Len(t, due, 1)
	assert.EqualValues(t, 3, due[0].Op)
	assert.Equal(t, []byte{9}, due[0].Payload)

	// A fired timer is consumed; polling again returns nothing.
	assert.Empty(t, q.Poll(t0.Add(time.Second)))
}

func TestPollInclusiveDeadline(t *testing.T) {
	q := timer.New()
	q.Schedule(1, t0, nil)
	due := q.Poll(t0)
	assert.Len(t, due, 1, "a deadline exactly at now must fire")
}

func TestTiesFireInScheduleOrder(t *testing.T) {
	q := timer.New()
	deadline := t0.Add(time.Millisecond)
	h1 := q.Schedule(10, deadline, nil)
	h2 := q.Schedule(20, deadline, nil)
	h3 := q.Schedule(30, deadline, nil)
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h2, h3)

	due := q.Poll(t0.Add(time.Second))
	assert.Equal(t, []int{10, 20, 30}, opsOf(due))
}

func TestCancel(t *testing.T) {
	q := timer.New()
	h1 := q.Schedule(1, t0.Add(100*time.Millisecond), nil)
	q.Schedule(2, t0.Add(200*time.Millisecond), nil)

	assert.True(t, q.Cancel(h1))
	assert.False(t, q.Cancel(h1), "second cancel is a no-op")

	due := q.Poll(t0.Add(time.Second))
	assert.Equal(t, []int{2}, opsOf(due))
}

func TestCancelFired(t *testing.T) {
	q := timer.New()
	h := q.Schedule(1, t0, nil)
	q.Poll(t0)
	assert.False(t, q.Cancel(h))
}

func TestNext(t *testing.T) {
	q := timer.New()
	_, ok := q.Next()
	assert.False(t, ok)

	q.Schedule(1, t0.Add(200*time.Millisecond), nil)
	q.Schedule(2, t0.Add(100*time.Millisecond), nil)

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, t0.Add(100*time.Millisecond), next)
}

func TestPayloadCopied(t *testing.T) {
	q := timer.New()
	payload := []byte{1, 2, 3}
	q.Schedule(1, t0, payload)
	payload[0] = 99

	due := q.Poll(t0)
	require.Len(t, due, 1)
	assert.Equal(t, []byte{1, 2, 3}, due[0].Payload)
}

func TestClear(t *testing.T) {
	q := timer.New()
	q.Schedule(1, t0, nil)
	q.Schedule(2, t0, nil)
	q.Clear()
	assert.Zero(t, q.Len())
}

func opsOf(entries []timer.Entry) []int {
	ops := make([]int, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, int(e.Op))
	}
	return ops
}
