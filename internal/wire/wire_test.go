package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		RRQPacket{Filename: "boot/pxelinux.0", Mode: ModeOctet},
		RRQPacket{Filename: "boot/pxelinux.0", Mode: ModeOctet, Options: []Option{
			{Name: "blksize", Value: "1428"},
			{Name: "tsize", Value: "0"},
		}},
		WRQPacket{Filename: "upload.bin", Mode: ModeNetASCII},
		DataPacket{Block: 1, Data: []byte("hi\n")},
		DataPacket{Block: 0, Data: []byte{}},
		AckPacket{Block: 0xFFFF},
		ErrorPacket{Code: ErrAccessViolation, Message: "Access violation"},
		OackPacket{Options: []Option{{Name: "blksize", Value: "1428"}, {Name: "tsize", Value: "5000"}}},
		OackPacket{},
	}

	for _, want := range cases {
		encoded, err := Encode(want)
		require.NoError(t, err)

		got, err := Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, want, got)
	}
}

func TestDecodeShortPrefixNeverPanics(t *testing.T) {
	full, err := Encode(RRQPacket{Filename: "kernel", Mode: ModeOctet, Options: []Option{{Name: "blksize", Value: "1428"}}})
	require.NoError(t, err)

	for n := 0; n <= len(full); n++ {
		assert.NotPanics(t, func() {
			_, _ = Decode(full[:n])
		})
	}

	// Every prefix strictly shorter than the opcode is a short packet.
	_, err = Decode(full[:1])
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x07})
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = Decode([]byte{0x01, 0x01})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestDecodeBadString(t *testing.T) {
	// RRQ with a filename that is never NUL-terminated.
	_, err := Decode([]byte{0x00, 0x01, 'f', 'o', 'o'})
	assert.ErrorIs(t, err, ErrBadString)
}

func TestDecodeUnknownMode(t *testing.T) {
	_, err := Decode([]byte("\x00\x01foo\x00bogus\x00"))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestOptionNamesPreservedVerbatim(t *testing.T) {
	pkt, err := Decode([]byte("\x00\x01foo\x00octet\x00BlkSize\x001428\x00"))
	require.NoError(t, err)

	rrq, ok := pkt.(RRQPacket)
	require.True(t, ok)
	require.Len(t, rrq.Options, 1)
	assert.Equal(t, "BlkSize", rrq.Options[0].Name)
}

func TestDataWireFormat(t *testing.T) {
	encoded, err := Encode(DataPacket{Block: 0x1234, Data: []byte("hello world")})
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x03\x12\x34hello world"), encoded)
}

func TestErrorWireFormat(t *testing.T) {
	encoded, err := Encode(ErrorPacket{Code: 0x0102, Message: "Some error!"})
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x05\x01\x02Some error!\x00"), encoded)
}

func TestOackEmptyOptionsWireFormat(t *testing.T) {
	encoded, err := Encode(OackPacket{})
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x06"), encoded)
}
