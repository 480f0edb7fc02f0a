package wireenc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	ciphertext := []byte("some ciphertext bytes")
	h := NewHeader(17, ciphertext)

	encoded := h.Encode()
	got, err := DecodeHeader(encoded[:])
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, uint64(17), got.PlaintextLen)
	require.Equal(t, uint64(len(ciphertext)), got.CiphertextLen)
	require.Equal(t, h.CiphertextCRC, got.CiphertextCRC)
}

func TestDecodeHeader_RejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := DecodeHeader(buf)
	require.Error(t, err)
}

func TestDecodeHeader_RejectsCorruptedCRC(t *testing.T) {
	h := NewHeader(10, []byte("abc"))
	encoded := h.Encode()
	encoded[8] ^= 0xFF // corrupt a header byte covered by header_crc

	_, err := DecodeHeader(encoded[:])
	require.Error(t, err)
}

func TestDecodeHeader_RejectsTruncated(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}
