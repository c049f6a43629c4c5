package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDecoder_Unknown(t *testing.T) {
	_, err := NewDecoder("aiff", 24000, 1)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestPCM16_MonoToStereo(t *testing.T) {
	d, err := NewDecoder("PCM16", 24000, 1)
	require.NoError(t, err)

	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(in[2:], uint16(int16(-1000)))

	out, err := d.Decode(in)
	require.NoError(t, err)
	require.Len(t, out, 8)

	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, int16(-1000), int16(binary.LittleEndian.Uint16(out[4:])))
	assert.Equal(t, int16(-1000), int16(binary.LittleEndian.Uint16(out[6:])))
}

func TestPCM16_StereoPassthrough(t *testing.T) {
	d, err := NewDecoder(FormatPCM16, 24000, 2)
	require.NoError(t, err)

	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out, err := d.Decode(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = d.Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPCM16_OddLength(t *testing.T) {
	d, err := NewDecoder(FormatPCM16, 24000, 1)
	require.NoError(t, err)
	_, err = d.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOpus_TruncatedPacket(t *testing.T) {
	d, err := NewDecoder(FormatOpus, 24000, 1)
	require.NoError(t, err)

	// length prefix claims 10 bytes, only 2 follow
	_, err = d.Decode([]byte{0, 10, 1, 2})
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = d.Decode([]byte{0})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOpus_Empty(t *testing.T) {
	d, err := NewDecoder(FormatOpus, 24000, 1)
	require.NoError(t, err)
	out, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWAV_Invalid(t *testing.T) {
	d, err := NewDecoder(FormatWAV, 24000, 1)
	require.NoError(t, err)
	_, err = d.Decode([]byte("not a wav file"))
	assert.Error(t, err)
}
