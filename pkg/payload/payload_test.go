package payload_test

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/chainledger/eventcore/pkg/payload"
	"github.com/stretchr/testify/require"
)

func TestEncode_SmallPayloadNeverCompressed(t *testing.T) {
	raw := []byte(`{"x":1}`)
	enc, err := payload.Encode(raw)
	require.NoError(t, err)
	require.False(t, enc.IsCompressed)
	require.Equal(t, raw, enc.Bytes)
	require.Equal(t, len(raw), enc.UncompressedLength)
}

func TestEncode_CompressibleLargePayloadCompressed(t *testing.T) {
	raw := []byte(`{"value":"` + strings.Repeat("a", 4096) + `"}`)
	enc, err := payload.Encode(raw)
	require.NoError(t, err)
	require.True(t, enc.IsCompressed)
	require.Less(t, len(enc.Bytes), len(raw))

	decoded, err := payload.Decode(enc.Bytes, true)
	require.NoError(t, err)
	require.True(t, bytes.Equal(raw, decoded))
}

func TestEncode_LargeButIncompressiblePayloadStaysRaw(t *testing.T) {
	// Uniformly random bytes essentially never shrink 10% under DEFLATE.
	raw := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(raw)

	enc, err := payload.Encode(raw)
	require.NoError(t, err)
	require.False(t, enc.IsCompressed)
	require.Equal(t, raw, enc.Bytes)
}

func TestDecode_RoundTripUncompressed(t *testing.T) {
	raw := []byte(`{"x":1}`)
	decoded, err := payload.Decode(raw, false)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}
