package wireenc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeArticleBody_RoundTrip(t *testing.T) {
	var key [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(nonce[:], []byte("0123456789ab"))

	wire, err := Seal(key, nonce, []byte("segment payload for wire encoding"))
	require.NoError(t, err)

	body, err := EncodeArticleBody(wire)
	require.NoError(t, err)
	require.NotEmpty(t, body.Encoded)

	decoded, err := DecodeArticleBody(bytes.NewReader(body.Encoded))
	require.NoError(t, err)
	require.Equal(t, wire, decoded)
}

func TestFormatYenc_BeginAndEnd(t *testing.T) {
	begin := FormatYencBegin(1, 3, 1024, "abc123")
	require.Contains(t, begin, "part=1")
	require.Contains(t, begin, "total=3")
	require.Contains(t, begin, "name=abc123.dat")

	end := FormatYencEnd(1, 1024, 0xdeadbeef)
	require.Contains(t, end, "pcrc32=deadbeef")
}
