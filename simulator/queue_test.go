package simulator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func dataPacket(seq int64, size int) *Packet {
	return &Packet{Seq: seq, PayloadSize: size, Flags: FlagACK}
}

func TestDropTailQueue_PacketModeBound(t *testing.T) {
	q := NewDropTailQueue(QueueModePackets, 3)
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(dataPacket(int64(i), 100)))
	}
	require.Equal(t, 3, q.Len())

	// full: the arrival is dropped, queued packets are untouched
	require.False(t, q.Enqueue(dataPacket(3, 100)))
	require.Equal(t, 3, q.Len())
	require.Equal(t, 1, q.Stats().Dropped)
	require.Equal(t, 140, q.Stats().DroppedBytes)

	require.Equal(t, int64(0), q.Dequeue().Seq, "FIFO order")
	require.True(t, q.Enqueue(dataPacket(4, 100)), "space freed by dequeue is usable")
	require.Equal(t, 3, q.Stats().MaxPackets)
}

func TestDropTailQueue_ByteModeBound(t *testing.T) {
	// room for two 100-byte payloads plus headers, not three
	q := NewDropTailQueue(QueueModeBytes, 300)
	require.True(t, q.Enqueue(dataPacket(0, 100)))
	require.True(t, q.Enqueue(dataPacket(100, 100)))
	require.Equal(t, 280, q.Bytes())
	require.False(t, q.Enqueue(dataPacket(200, 100)))

	// 20 bytes left: not even a bare ACK fits
	require.False(t, q.Enqueue(&Packet{Flags: FlagACK}))

	q.Dequeue()
	require.True(t, q.Enqueue(&Packet{Flags: FlagACK}))
	require.Equal(t, 180, q.Bytes())
	require.Equal(t, 280, q.Stats().MaxBytes)
}

func TestDropTailQueue_DropIffFull(t *testing.T) {
	for _, mode := range []QueueMode{QueueModePackets, QueueModeBytes} {
		t.Run(mode.String(), func(t *testing.T) {
			capacity := 5
			if mode == QueueModeBytes {
				capacity = 5 * (100 + HeaderBytes)
			}
			q := NewDropTailQueue(mode, capacity)
			for i := 0; i < 50; i++ {
				wasFull := q.Occupancy() >= capacity
				accepted := q.Enqueue(dataPacket(int64(i), 100))
				require.Equal(t, wasFull, !accepted, "arrival %d", i)
				require.LessOrEqual(t, q.Occupancy(), capacity)
				if i%3 == 0 {
					q.Dequeue()
				}
			}
		})
	}
}

func TestDropTailQueue_DequeueEmpty(t *testing.T) {
	q := NewDropTailQueue(QueueModePackets, 1)
	require.Nil(t, q.Dequeue())
	require.Equal(t, 0, q.Bytes())
}

func TestQueueMode_Parsing(t *testing.T) {
	m, err := ParseQueueMode("bytes")
	require.NoError(t, err)
	require.Equal(t, QueueModeBytes, m)
	m, err = ParseQueueMode("p")
	require.NoError(t, err)
	require.Equal(t, QueueModePackets, m)
	_, err = ParseQueueMode("frames")
	require.Error(t, err)

	data, err := json.Marshal(QueueModeBytes)
	require.NoError(t, err)
	require.JSONEq(t, `"bytes"`, string(data))

	var fromYAML struct {
		Mode QueueMode `yaml:"mode"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("mode: bytes\n"), &fromYAML))
	require.Equal(t, QueueModeBytes, fromYAML.Mode)
}
