package wireenc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	var key [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(nonce[:], []byte("0123456789ab"))

	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	wire, err := Seal(key, nonce, plaintext)
	require.NoError(t, err)
	require.Greater(t, len(wire), HeaderSize)

	got, err := Open(key, nonce, wire)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	var key, wrongKey [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(wrongKey[:], []byte("fedcba9876543210fedcba9876543210"))
	copy(nonce[:], []byte("0123456789ab"))

	wire, err := Seal(key, nonce, []byte("secret segment bytes"))
	require.NoError(t, err)

	_, err = Open(wrongKey, nonce, wire)
	require.Error(t, err)
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(nonce[:], []byte("0123456789ab"))

	wire, err := Seal(key, nonce, []byte("segment bytes that must stay intact"))
	require.NoError(t, err)

	wire[HeaderSize] ^= 0xFF // flip a ciphertext byte

	_, err = Open(key, nonce, wire)
	require.Error(t, err)
}
