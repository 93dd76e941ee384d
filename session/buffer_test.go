package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekocode/agent-team/protocol"
)

func msg(kind protocol.OutputType, text string) protocol.OutputEntry {
	return protocol.OutputEntry{Kind: kind, Text: text}
}

func TestBufferSequenceNumbers(t *testing.T) {
	buf := NewOutputRingBuffer(10)
	for i := 0; i < 5; i++ {
		entry := buf.Append(msg(protocol.OutAgentMessage, fmt.Sprintf("m%d", i)))
		assert.Equal(t, uint64(i+1), entry.Seq)
		assert.False(t, entry.Timestamp.IsZero())
	}

	entries := buf.Tail(0)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
}

func TestBufferOverflowKeepsLatest(t *testing.T) {
	const capacity = 100
	const extra = 7
	buf := NewOutputRingBuffer(capacity)
	for i := 0; i < capacity+extra; i++ {
		buf.Append(msg(protocol.OutAgentMessage, fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, capacity, buf.Len())
	entries := buf.Tail(capacity)
	require.Len(t, entries, capacity)

	// Contiguous, monotonically increasing, ending at capacity+extra.
	assert.Equal(t, uint64(extra+1), entries[0].Seq)
	assert.Equal(t, uint64(capacity+extra), entries[len(entries)-1].Seq)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
}

func TestBufferTailClamps(t *testing.T) {
	buf := NewOutputRingBuffer(10)
	for i := 0; i < 3; i++ {
		buf.Append(msg(protocol.OutInfo, fmt.Sprintf("i%d", i)))
	}
	assert.Len(t, buf.Tail(100), 3)
	assert.Len(t, buf.Tail(2), 2)
	assert.Equal(t, "i1", buf.Tail(2)[0].Text)
	assert.Empty(t, NewOutputRingBuffer(10).Tail(1))
}

func TestBufferTailFiltered(t *testing.T) {
	buf := NewOutputRingBuffer(10)
	buf.Append(msg(protocol.OutUserPrompt, "q"))
	buf.Append(msg(protocol.OutAgentThought, "hmm"))
	buf.Append(msg(protocol.OutToolCall, "edit"))
	buf.Append(msg(protocol.OutAgentMessage, "a"))
	buf.Append(msg(protocol.OutInfo, "end_turn"))

	all := buf.TailFiltered(0, false)
	assert.Len(t, all, 5)

	agent := buf.TailFiltered(0, true)
	require.Len(t, agent, 2)
	assert.Equal(t, "hmm", agent[0].Text)
	assert.Equal(t, "a", agent[1].Text)

	// The last n are selected after filtering.
	lastOne := buf.TailFiltered(1, true)
	require.Len(t, lastOne, 1)
	assert.Equal(t, "a", lastOne[0].Text)
}

func TestBufferLatestOfKinds(t *testing.T) {
	buf := NewOutputRingBuffer(10)
	assert.Nil(t, buf.LatestOfKinds(protocol.OutAgentMessage))

	buf.Append(msg(protocol.OutAgentMessage, "first"))
	buf.Append(msg(protocol.OutToolCall, "tool"))
	buf.Append(msg(protocol.OutAgentMessage, "second"))
	buf.Append(msg(protocol.OutInfo, "end_turn"))

	latest := buf.LatestOfKinds(protocol.OutAgentMessage, protocol.OutAgentThought)
	require.NotNil(t, latest)
	assert.Equal(t, "second", latest.Text)

	assert.Equal(t, "tool", buf.LatestOfKinds(protocol.OutToolCall).Text)
	assert.Nil(t, buf.LatestOfKinds(protocol.OutError))
}

func TestBufferClearKeepsSequence(t *testing.T) {
	buf := NewOutputRingBuffer(10)
	buf.Append(msg(protocol.OutInfo, "a"))
	buf.Append(msg(protocol.OutInfo, "b"))
	buf.Clear()
	assert.Equal(t, 0, buf.Len())

	entry := buf.Append(msg(protocol.OutInfo, "c"))
	assert.Equal(t, uint64(3), entry.Seq)
}

func TestBufferConcurrentAppendAndTail(t *testing.T) {
	buf := NewOutputRingBuffer(64)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			buf.Append(msg(protocol.OutAgentMessage, fmt.Sprintf("m%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			entries := buf.Tail(0)
			for j := 1; j < len(entries); j++ {
				if entries[j].Seq != entries[j-1].Seq+1 {
					t.Errorf("torn read: seq %d then %d", entries[j-1].Seq, entries[j].Seq)
					return
				}
			}
		}
	}()
	wg.Wait()
}
