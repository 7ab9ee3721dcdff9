package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressAndDecompress(t *testing.T) {

	data := []byte("SuperStreetFighter2TurboMBisonDidNothingWrong")

	for _, compressionType := range []string{GzipCompressionType, ZstdCompressionType, ""} {
		compressed, err := compress(compressionType, data)
		require.NoError(t, err)
		assert.NotEqual(t, data, compressed)

		out, err := decompress(compressionType, compressed)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	}

	_, err := compress("lz4", data)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = decompress("lz4", data)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = decompress(GzipCompressionType, []byte("not gzip"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecompressRejectsOversizedPayload(t *testing.T) {

	limit := maxDecompressedSize
	maxDecompressedSize = 1024
	defer func() { maxDecompressedSize = limit }()

	bomb := bytes.Repeat([]byte{0x00}, 64*1024)

	for _, compressionType := range []string{GzipCompressionType, ZstdCompressionType} {
		compressed, err := compress(compressionType, bomb)
		require.NoError(t, err)
		assert.Less(t, len(compressed), 1024)

		_, err = decompress(compressionType, compressed)
		assert.ErrorIs(t, err, ErrMalformed, compressionType)

		exact, err := compress(compressionType, bomb[:1024])
		require.NoError(t, err)

		out, err := decompress(compressionType, exact)
		require.NoError(t, err)
		assert.Len(t, out, 1024)
	}
}
