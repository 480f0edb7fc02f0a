package publisher

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleContent(t *testing.T, access AccessType) *CoreIndexContent {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	content := &CoreIndexContent{
		FolderPublicKey: pub,
		SegmentSize:     768_000,
		AccessType:      access,
		CreatedAt:       1700000000,
		Files: []FileRecord{
			{FileID: "file-1", RelPath: "a.txt", Size: 5, SHA256: sampleHash("a"), SegmentStart: 0, SegmentCount: 1},
			{FileID: "file-2", RelPath: "b.txt", Size: 6, SHA256: sampleHash("b"), SegmentStart: 1, SegmentCount: 1},
		},
		Segments: []SegmentRecord{
			{SegmentID: "seg-1", MessageID: "<aaa@ngPost.com>", PlaintextLen: 5, PlaintextSHA256: sampleHash("a"), KeyID: "key-1"},
			{SegmentID: "seg-2", MessageID: "<bbb@ngPost.com>", PlaintextLen: 6, PlaintextSHA256: sampleHash("b"), KeyID: "key-2"},
		},
	}

	switch access {
	case AccessPublic:
		copy(content.PublicShareKey[:], []byte("0123456789abcdef0123456789abcdef"))
	case AccessPrivate:
		userPub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		content.PrivateGrants = []PrivateGrant{
			{UserIDCommitment: userPub, WrappedKey: make([]byte, 48)},
		}
	case AccessProtected:
		content.ProtectedAccess = ProtectedAccess{WrappedKey: make([]byte, 48)}
	}
	return content
}

func sampleHash(seed string) string {
	b := make([]byte, 32)
	copy(b, []byte(seed))
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, v := range b {
		out[2*i] = hexDigits[v>>4]
		out[2*i+1] = hexDigits[v&0xf]
	}
	return string(out)
}

func TestEncodeDecode_RoundTrip_Public(t *testing.T) {
	content := sampleContent(t, AccessPublic)
	encoded, err := Encode(content)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, content.PublicShareKey, decoded.PublicShareKey)
	require.Equal(t, content.Files, decoded.Files)
	require.Equal(t, content.Segments, decoded.Segments)
	require.Equal(t, content.SegmentSize, decoded.SegmentSize)
	require.False(t, decoded.Packing)
}

func TestEncodeDecode_RoundTrip_Packed(t *testing.T) {
	content := sampleContent(t, AccessPublic)
	content.Files = []FileRecord{
		{FileID: "file-1", RelPath: "a.txt", Size: 5, SHA256: sampleHash("a")},
		{FileID: "file-2", RelPath: "b.txt", Size: 6, SHA256: sampleHash("b")},
	}
	content.Segments = []SegmentRecord{
		{SegmentID: "seg-pack", MessageID: "<pack@ngPost.com>", PlaintextLen: 11, PlaintextSHA256: sampleHash("pack"), KeyID: "key-1"},
	}
	content.Packing = true
	content.Packing_ = []PackingRecord{
		{SegmentID: "seg-pack", Entries: []PackEntry{
			{FileID: "file-1", Offset: 0, Length: 5},
			{FileID: "file-2", Offset: 5, Length: 6},
		}},
	}

	encoded, err := Encode(content)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Packing)
	require.Equal(t, content.Packing_, decoded.Packing_)
	require.Equal(t, content.Files, decoded.Files)
	require.Equal(t, content.Segments, decoded.Segments)
}

func TestEncodeDecode_RoundTrip_Private(t *testing.T) {
	content := sampleContent(t, AccessPrivate)
	encoded, err := Encode(content)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.PrivateGrants, 1)
	require.Equal(t, []byte(content.PrivateGrants[0].UserIDCommitment), []byte(decoded.PrivateGrants[0].UserIDCommitment))
}

func TestEncodeDecode_RoundTrip_Protected(t *testing.T) {
	content := sampleContent(t, AccessProtected)
	content.ProtectedAccess.Salt = [16]byte{1, 2, 3}
	content.ProtectedAccess.KDFParams = [8]byte{0, 0, 128, 0, 8, 1, 0, 0}
	encoded, err := Encode(content)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, content.ProtectedAccess, decoded.ProtectedAccess)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	content := sampleContent(t, AccessPublic)
	content.FolderPublicKey = pub

	encoded, err := Encode(content)
	require.NoError(t, err)
	signed := Sign(priv, encoded)

	require.True(t, VerifySignature(pub, signed))

	tampered := append([]byte(nil), signed...)
	tampered[10] ^= 0xFF
	require.False(t, VerifySignature(pub, tampered))
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("not a coreindex at all"))
	require.Error(t, err)
}

func TestSplitReassemble_RoundTrip(t *testing.T) {
	data := make([]byte, 2_500_000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	parts, err := SplitForPosting(data, 768_000)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	got := ReassembleFromParts(parts)
	require.Equal(t, data, got)
}

func TestNewShareID_LengthAndAlphabet(t *testing.T) {
	id, err := NewShareID()
	require.NoError(t, err)
	require.Len(t, id, shareIDLen)
	for _, r := range id {
		require.True(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'), "unexpected char %q in share_id", r)
	}
}
