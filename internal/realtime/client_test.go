package realtime

import (
	"testing"
	"time"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/collab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DeliverEncodesEvent(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", 4)
	author := collab.Participant{UserID: 1, Name: "Alice", SessionID: "sa"}
	require.NoError(t, c.Deliver(collab.ValueChanged{
		Cell:   collab.CellID{RowID: 5, Column: "status"},
		Value:  "complete",
		Author: author,
	}))

	env := <-c.Send
	assert.Equal(t, v1.Version, env.V)
	assert.Equal(t, v1.TypeCellValueChanged, env.Type)
	assert.NotEmpty(t, env.ID)

	ev, err := v1.DecodeEvent(env)
	require.NoError(t, err)
	changed, ok := ev.(v1.CellValueChangedPayload)
	require.True(t, ok)
	assert.Equal(t, v1.Cell{RowID: 5, Column: "status"}, changed.Cell)
	assert.Equal(t, "Alice", changed.Author.Name)
}

func TestClient_FullQueueTripsOverflow(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", 1)
	require.NoError(t, c.Deliver(collab.Pong{}))

	select {
	case <-c.Overflow():
		t.Fatal("overflow before the queue was full")
	default:
	}

	err := c.Deliver(collab.Pong{})
	require.ErrorIs(t, err, ErrSinkBackpressure)

	select {
	case <-c.Overflow():
	case <-time.After(time.Second):
		t.Fatal("overflow not signalled")
	}

	// A second rejection must not panic on the already-closed overflow channel.
	assert.ErrorIs(t, c.Deliver(collab.Pong{}), ErrSinkBackpressure)
}

func TestClient_ClosedRejectsAndUnbindWins(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", 4)
	require.True(t, c.bindSession("s1"))
	assert.Equal(t, "s1", c.SessionID())

	assert.Equal(t, "s1", c.unbindSession())
	assert.False(t, c.bindSession("s2"), "no bind after the client started closing")

	c.Close()
	c.Close()
	assert.False(t, c.Enqueue(v1.Envelope{}))

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}
