package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "msgvault/pkg/domain"
)

func testKey(b byte) [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(0x42)
	threadID := id.NewThreadID()
	plaintext := []byte("I had a rough week but the breathing exercises helped")

	sealed, err := Seal(key, threadID, 3, 17, plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plaintext)+Overhead)

	opened, err := Open(key, threadID, 3, 17, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	key := testKey(0x01)
	threadID := id.NewThreadID()

	sealed, err := Seal(key, threadID, 0, 1, nil)
	require.NoError(t, err)

	opened, err := Open(key, threadID, 0, 1, sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestSeal_RandomNonces(t *testing.T) {
	key := testKey(0x07)
	threadID := id.NewThreadID()

	a, err := Seal(key, threadID, 0, 1, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(key, threadID, 0, 1, []byte("same"))
	require.NoError(t, err)

	// Same inputs must produce different ciphertext: nonce is random per seal.
	assert.NotEqual(t, a, b)
}

// TestOpen_PositionBinding verifies the tamper-evidence invariant: an
// envelope is bound to its (thread, epoch, seq) and fails authentication
// anywhere else.
func TestOpen_PositionBinding(t *testing.T) {
	key := testKey(0x42)
	threadID := id.NewThreadID()
	sealed, err := Seal(key, threadID, 3, 17, []byte("payload"))
	require.NoError(t, err)

	t.Run("wrong seq", func(t *testing.T) {
		_, err := Open(key, threadID, 3, 18, sealed)
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("wrong thread", func(t *testing.T) {
		_, err := Open(key, id.NewThreadID(), 3, 17, sealed)
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("wrong epoch", func(t *testing.T) {
		_, err := Open(key, threadID, 2, 17, sealed)
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := Open(testKey(0x43), threadID, 3, 17, sealed)
		assert.ErrorIs(t, err, ErrEnvelope)
	})
}

func TestOpen_Corruption(t *testing.T) {
	key := testKey(0x42)
	threadID := id.NewThreadID()
	sealed, err := Seal(key, threadID, 1, 5, []byte("payload"))
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(key, threadID, 1, 5, sealed[:Overhead-1])
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Open(key, threadID, 1, 5, nil)
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("wrong version byte", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[0] = 0x02
		_, err := Open(key, threadID, 1, 5, bad)
		assert.ErrorIs(t, err, ErrEnvelope)
	})

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)-1] ^= 0x01
		_, err := Open(key, threadID, 1, 5, bad)
		assert.ErrorIs(t, err, ErrEnvelope)
	})
}

func TestParseEpoch(t *testing.T) {
	key := testKey(0x42)
	threadID := id.NewThreadID()
	sealed, err := Seal(key, threadID, 9, 1, []byte("x"))
	require.NoError(t, err)

	epoch, err := ParseEpoch(sealed)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), epoch)

	_, err = ParseEpoch([]byte{Version})
	assert.ErrorIs(t, err, ErrEnvelope)
}
