package audio

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCM16(t *testing.T) {
	pcm := PCM16([]float32{0, 1, -1, 2, -2, float32(math.NaN())})
	require.Len(t, pcm, 12)

	assert.Equal(t, []byte{0x00, 0x00}, pcm[0:2])
	assert.Equal(t, []byte{0xff, 0x7f}, pcm[2:4]) // 32767
	assert.Equal(t, []byte{0x01, 0x80}, pcm[4:6]) // -32767
	assert.Equal(t, pcm[2:4], pcm[6:8], "clipped high")
	assert.Equal(t, pcm[4:6], pcm[8:10], "clipped low")
	assert.Equal(t, []byte{0x00, 0x00}, pcm[10:12])
}

func TestPCM16Length(t *testing.T) {
	samples := make([]float32, 2000)
	assert.Len(t, PCM16(samples), len(samples)*BytesPerSample)
	assert.Empty(t, PCM16(nil))
}

func TestSamplesFromPCM16(t *testing.T) {
	in := []float32{0.5, -0.25, 0}
	out := SamplesFromPCM16(PCM16(in))
	require.Len(t, out, 3)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-4)
	}
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := make([]float32, 2400)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/24000))
	}

	require.NoError(t, WriteWAVFile(path, samples, 24000))

	got, rate, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	require.Len(t, got, len(samples))
	assert.InDelta(t, samples[100], got[100], 1e-3)
}

func TestReadWAVFileMissing(t *testing.T) {
	_, _, err := ReadWAVFile(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}
