package packet

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataPacketRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 512)
	dp := DataPacket{
		TransmissionID: 42,
		Index:          3,
		NPackets:       7,
		Payload:        payload,
	}

	buf := make([]byte, MaxPacketBytes)
	n, err := dp.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, HeaderBytes+len(payload), n)

	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	got, ok := pkt.(*DataPacket)
	require.True(t, ok)
	assert.Equal(t, KindData, got.Kind())
	assert.Equal(t, uint32(42), got.TransmissionID)
	assert.Equal(t, uint32(3), got.Index)
	assert.Equal(t, uint32(7), got.NPackets)
	assert.Equal(t, payload, got.Payload)
}

func TestCommPacketRoundTrip(t *testing.T) {
	bm := []byte{0xFF, 0x01}
	cp := CommPacket{
		TransmissionID: 9,
		FirstIndex:     64,
		NBits:          12,
		Bitmap:         bm,
	}

	buf := make([]byte, MaxPacketBytes)
	n, err := cp.Encode(buf)
	require.NoError(t, err)

	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	got, ok := pkt.(*CommPacket)
	require.True(t, ok)
	assert.Equal(t, KindComm, got.Kind())
	assert.Equal(t, uint32(9), got.TransmissionID)
	assert.Equal(t, uint32(64), got.FirstIndex)
	assert.Equal(t, uint32(12), got.NBits)
	assert.Equal(t, bm, got.Bitmap)
}

func TestKindBitSeparatesIDSpaces(t *testing.T) {
	buf := make([]byte, MaxPacketBytes)

	dp := DataPacket{TransmissionID: MaxTransmissionID, Index: 0, NPackets: 1, Payload: []byte{1}}
	n, err := dp.Encode(buf)
	require.NoError(t, err)
	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxTransmissionID), pkt.(*DataPacket).TransmissionID)

	cp := CommPacket{TransmissionID: MaxTransmissionID, FirstIndex: 0, NBits: 8, Bitmap: []byte{0xFF}}
	n, err = cp.Encode(buf)
	require.NoError(t, err)
	pkt, err = Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxTransmissionID), pkt.(*CommPacket).TransmissionID)
}

func TestDataEncodeRejects(t *testing.T) {
	buf := make([]byte, MaxPacketBytes)
	cases := []struct {
		name string
		dp   DataPacket
	}{
		{"empty payload", DataPacket{TransmissionID: 1, NPackets: 1, Payload: nil}},
		{"oversize payload", DataPacket{TransmissionID: 1, NPackets: 1, Payload: make([]byte, MaxPayload+1)}},
		{"id overflow", DataPacket{TransmissionID: MaxTransmissionID + 1, NPackets: 1, Payload: []byte{1}}},
		{"index out of range", DataPacket{TransmissionID: 1, Index: 4, NPackets: 4, Payload: []byte{1}}},
		{"zero packets", DataPacket{TransmissionID: 1, Index: 0, NPackets: 0, Payload: []byte{1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.dp.Encode(buf)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}

	short := make([]byte, 8)
	_, err := (&DataPacket{TransmissionID: 1, NPackets: 1, Payload: []byte{1}}).Encode(short)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestCommEncodeRejects(t *testing.T) {
	buf := make([]byte, MaxPacketBytes)
	cases := []struct {
		name string
		cp   CommPacket
	}{
		{"zero bits", CommPacket{TransmissionID: 1, NBits: 0, Bitmap: nil}},
		{"too wide", CommPacket{TransmissionID: 1, NBits: MaxBitmapBits + 1, Bitmap: make([]byte, MaxPayload+1)}},
		{"short bitmap", CommPacket{TransmissionID: 1, NBits: 16, Bitmap: []byte{0xFF}}},
		{"long bitmap", CommPacket{TransmissionID: 1, NBits: 8, Bitmap: []byte{0xFF, 0xFF}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cp.Encode(buf)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	good := make([]byte, MaxPacketBytes)
	n, err := (&DataPacket{TransmissionID: 1, Index: 0, NPackets: 2, Payload: []byte{1, 2, 3}}).Encode(good)
	require.NoError(t, err)
	good = good[:n]

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(good[:HeaderBytes-1])
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("bad universal header size", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] = 99
		_, err := Decode(bad)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("bad type header size", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[16] = 99
		_, err := Decode(bad)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("length mismatch", func(t *testing.T) {
		_, err := Decode(append(append([]byte(nil), good...), 0))
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("index beyond count", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[24] = 7 // index
		bad[28] = 2 // npackets
		_, err := Decode(bad)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("bitmap not covering bits", func(t *testing.T) {
		buf := make([]byte, MaxPacketBytes)
		m, err := (&CommPacket{TransmissionID: 1, NBits: 16, Bitmap: []byte{0xFF, 0xFF}}).Encode(buf)
		require.NoError(t, err)
		bad := buf[:m]
		bad[28] = 32 // claims 32 bits but carries 2 bytes
		_, err = Decode(bad)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}

func TestDecodePayloadAliasesInput(t *testing.T) {
	buf := make([]byte, MaxPacketBytes)
	n, err := (&DataPacket{TransmissionID: 1, Index: 0, NPackets: 1, Payload: []byte{1, 2, 3}}).Encode(buf)
	require.NoError(t, err)

	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	buf[HeaderBytes] = 0xEE
	assert.Equal(t, byte(0xEE), pkt.(*DataPacket).Payload[0])
}

func TestBitmapBytes(t *testing.T) {
	assert.Equal(t, 1, BitmapBytes(1))
	assert.Equal(t, 1, BitmapBytes(8))
	assert.Equal(t, 2, BitmapBytes(9))
	assert.Equal(t, MaxPayload, BitmapBytes(MaxBitmapBits))
}
