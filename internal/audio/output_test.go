package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMDuration(t *testing.T) {
	assert.Equal(t, time.Second, pcmDuration(24000*bytesPerFrame, 24000))
	assert.Equal(t, 10*time.Millisecond, pcmDuration(240*bytesPerFrame, 24000))
	assert.Equal(t, time.Duration(0), pcmDuration(100, 0))
}

func TestNullOutput_Playhead(t *testing.T) {
	now := time.Unix(1000, 0)
	o := NewNullOutput(24000, func() time.Time { return now })

	assert.Equal(t, time.Duration(0), o.Buffered())

	require.NoError(t, o.Schedule(make([]byte, 24000*bytesPerFrame)))
	require.NoError(t, o.Schedule(make([]byte, 12000*bytesPerFrame)))
	assert.Equal(t, 1500*time.Millisecond, o.Buffered())

	now = now.Add(time.Second)
	assert.Equal(t, 500*time.Millisecond, o.Buffered())

	now = now.Add(time.Second)
	assert.Equal(t, time.Duration(0), o.Buffered())

	// scheduling after the playhead ran dry starts from now
	require.NoError(t, o.Schedule(make([]byte, 2400*bytesPerFrame)))
	assert.Equal(t, 100*time.Millisecond, o.Buffered())

	o.Reset()
	assert.Equal(t, time.Duration(0), o.Buffered())
}

func TestStream_FillsSilence(t *testing.T) {
	s := &stream{}
	s.append([]byte{1, 2, 3, 4, 5, 6})

	p := make([]byte, 10)
	for i := range p {
		p[i] = 0xff
	}
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 0}, p[:n])
	assert.Equal(t, 0, s.pending())
}

func TestStream_WholeFramesOnly(t *testing.T) {
	s := &stream{}
	s.append([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	p := make([]byte, 6)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, s.pending())

	s.reset()
	assert.Equal(t, 0, s.pending())
}
