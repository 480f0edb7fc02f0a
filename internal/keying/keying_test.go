package keying

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFolderKeyStore struct {
	mu   sync.Mutex
	keys map[string][2][]byte // folderID -> [priv, pub]
}

func newMemFolderKeyStore() *memFolderKeyStore {
	return &memFolderKeyStore{keys: make(map[string][2][]byte)}
}

func (m *memFolderKeyStore) LoadFolderKey(folderID string) (ed25519.PrivateKey, ed25519.PublicKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.keys[folderID]
	if !ok {
		return nil, nil, false, nil
	}
	return pair[0], pair[1], true, nil
}

func (m *memFolderKeyStore) SaveFolderKey(folderID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[folderID] = [2][]byte{priv, pub}
	return nil
}

func TestFolderKeys_LazyCreateIsStable(t *testing.T) {
	store := newMemFolderKeyStore()
	k := New(store)

	priv1, pub1, err := k.FolderKeys("folder-1")
	require.NoError(t, err)
	assert.Len(t, pub1, ed25519.PublicKeySize)

	priv2, pub2, err := k.FolderKeys("folder-1")
	require.NoError(t, err)
	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)

	_, pubOther, err := k.FolderKeys("folder-2")
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pubOther)
}

func TestSegmentKey_DeterministicAndDistinct(t *testing.T) {
	root, err := NewRootSecret()
	require.NoError(t, err)

	k1, err := SegmentKey(root, "folder-1", "filehash-a", 0)
	require.NoError(t, err)
	k1Again, err := SegmentKey(root, "folder-1", "filehash-a", 0)
	require.NoError(t, err)
	assert.Equal(t, k1, k1Again)

	k2, err := SegmentKey(root, "folder-1", "filehash-a", 1)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	k3, err := SegmentKey(root, "folder-1", "filehash-b", 0)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestSegmentNonce_DistinctPerKey(t *testing.T) {
	root, err := NewRootSecret()
	require.NoError(t, err)

	k1, err := SegmentKey(root, "folder-1", "filehash-a", 0)
	require.NoError(t, err)
	k2, err := SegmentKey(root, "folder-1", "filehash-a", 1)
	require.NoError(t, err)

	n1, err := SegmentNonce(k1)
	require.NoError(t, err)
	n2, err := SegmentNonce(k2)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
}

func TestDerivePasswordKey_SaltChangesOutput(t *testing.T) {
	params := DefaultPasswordKDFParams()
	params.N = 1024 // keep the test fast; production uses DefaultPasswordKDFParams()

	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)

	k1, err := DerivePasswordKey("correct horse", salt1, params)
	require.NoError(t, err)
	k2, err := DerivePasswordKey("correct horse", salt2, params)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)

	k1Again, err := DerivePasswordKey("correct horse", salt1, params)
	require.NoError(t, err)
	assert.Equal(t, k1, k1Again)

	kWrong, err := DerivePasswordKey("wrong", salt1, params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, kWrong)
}

func TestWrapUnwrapShareKeyForUser_RoundTrip(t *testing.T) {
	folderPub, folderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userPub, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var shareKey [KeySize]byte
	copy(shareKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped, err := WrapShareKeyForUser(folderPriv, userPub, shareKey, 1700000000)
	require.NoError(t, err)

	got, err := UnwrapShareKeyForUser(userPriv, folderPub, wrapped, 1700000000)
	require.NoError(t, err)
	assert.Equal(t, shareKey, got)
}

func TestUnwrapShareKeyForUser_RejectsWrongUser(t *testing.T) {
	folderPub, folderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var shareKey [KeySize]byte
	copy(shareKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped, err := WrapShareKeyForUser(folderPriv, userPub, shareKey, 1700000000)
	require.NoError(t, err)

	_, err = UnwrapShareKeyForUser(otherPriv, folderPub, wrapped, 1700000000)
	require.Error(t, err)
}

func TestWrapShareKeyForUser_DistinctAcrossCreatedAt(t *testing.T) {
	folderPub, folderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userPub, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var shareKey [KeySize]byte
	copy(shareKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped1, err := WrapShareKeyForUser(folderPriv, userPub, shareKey, 1700000000)
	require.NoError(t, err)
	wrapped2, err := WrapShareKeyForUser(folderPriv, userPub, shareKey, 1700000001)
	require.NoError(t, err)
	assert.NotEqual(t, wrapped1, wrapped2)

	got, err := UnwrapShareKeyForUser(userPriv, folderPub, wrapped2, 1700000001)
	require.NoError(t, err)
	assert.Equal(t, shareKey, got)
}
