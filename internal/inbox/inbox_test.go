package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/xmppbridge/internal/convert"
)

func ev(from, body string, ts int64) convert.ReceivedEvent {
	return convert.ReceivedEvent{FromJID: from, Body: body, Type: "chat", TS: ts}
}

func TestAppendAndGet(t *testing.T) {
	ib := New(10)
	id := ib.Append(ev("alice@example.com", "hi", 1))
	assert.NotEmpty(t, id)

	rec, err := ib.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.FromJID)
	assert.Equal(t, "hi", rec.Body)
	assert.Equal(t, int64(1), rec.TS)
}

func TestGetUnknownUUID(t *testing.T) {
	ib := New(10)
	_, err := ib.Get("not-a-real-uuid")
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestListNewestFirst(t *testing.T) {
	ib := New(10)
	id1 := ib.Append(ev("a@x.com", "one", 1))
	id2 := ib.Append(ev("a@x.com", "two", 2))
	id3 := ib.Append(ev("a@x.com", "three", 3))

	list := ib.List(0)
	require.Len(t, list, 3)
	assert.Equal(t, id3, list[0].UUID)
	assert.Equal(t, id2, list[1].UUID)
	assert.Equal(t, id1, list[2].UUID)
}

func TestListRespectsLimit(t *testing.T) {
	ib := New(10)
	for i := 0; i < 5; i++ {
		ib.Append(ev("a@x.com", "msg", int64(i)))
	}
	assert.Len(t, ib.List(2), 2)
	assert.Len(t, ib.List(0), 5)
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	ib := New(3)
	id1 := ib.Append(ev("a@x.com", "one", 1))
	ib.Append(ev("a@x.com", "two", 2))
	ib.Append(ev("a@x.com", "three", 3))
	id4 := ib.Append(ev("a@x.com", "four", 4))

	stats := ib.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Capacity)
	assert.Equal(t, 100, stats.UtilizationPercent)

	_, err := ib.Get(id1)
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe, "oldest record must be evicted")

	rec, err := ib.Get(id4)
	require.NoError(t, err)
	assert.Equal(t, "four", rec.Body)
}

func TestClearReturnsCountAndEmpties(t *testing.T) {
	ib := New(10)
	ib.Append(ev("a@x.com", "one", 1))
	ib.Append(ev("a@x.com", "two", 2))

	n := ib.Clear()
	assert.Equal(t, 2, n)

	stats := ib.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, ib.List(0))
}

func TestStatsUtilization(t *testing.T) {
	ib := New(4)
	ib.Append(ev("a@x.com", "one", 1))
	stats := ib.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, 25, stats.UtilizationPercent)
}

func TestDefaultCapacityAppliedWhenNonPositive(t *testing.T) {
	ib := New(0)
	assert.Equal(t, defaultCapacity, ib.Stats().Capacity)

	ib2 := New(-5)
	assert.Equal(t, defaultCapacity, ib2.Stats().Capacity)
}
