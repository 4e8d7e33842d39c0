// Package envelope seals message plaintext into the at-rest wire format.
//
// Layout: version(1) || epoch(4, big-endian) || nonce(12) || AES-256-GCM
// ciphertext+tag. The GCM associated data binds the ciphertext to its
// position: threadID bytes || epoch || sequence number. A sealed envelope
// copied to another thread, epoch, or row fails authentication on Open.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	id "msgvault/pkg/domain"
)

// Version is the current envelope format version byte.
const Version = 0x01

const (
	headerLen = 1 + 4 // version + epoch
	nonceLen  = 12
	tagLen    = 16
)

// ErrEnvelope is returned for every open failure: truncation, version
// mismatch, epoch mismatch, or authentication failure. Callers get no
// oracle about which check failed.
var ErrEnvelope = errors.New("envelope: open failed")

// Overhead is the fixed size added to plaintext by Seal.
const Overhead = headerLen + nonceLen + tagLen

func aad(threadID id.ThreadID, epoch uint32, seq uint64) []byte {
	buf := make([]byte, 16+4+8)
	copy(buf, threadID.Bytes())
	binary.BigEndian.PutUint32(buf[16:], epoch)
	binary.BigEndian.PutUint64(buf[20:], seq)
	return buf
}

// Seal encrypts plaintext under key with a random nonce, binding it to
// (threadID, epoch, seq).
func Seal(key [32]byte, threadID id.ThreadID, epoch uint32, seq uint64, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerLen+nonceLen, headerLen+nonceLen+len(plaintext)+tagLen)
	out[0] = Version
	binary.BigEndian.PutUint32(out[1:], epoch)
	nonce := out[headerLen : headerLen+nonceLen]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(out, nonce, plaintext, aad(threadID, epoch, seq)), nil
}

// Open decrypts a sealed envelope, verifying version, epoch, and the
// position binding. Any failure returns ErrEnvelope.
func Open(key [32]byte, threadID id.ThreadID, epoch uint32, seq uint64, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrEnvelope
	}
	if sealed[0] != Version {
		return nil, ErrEnvelope
	}
	if binary.BigEndian.Uint32(sealed[1:]) != epoch {
		return nil, ErrEnvelope
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrEnvelope
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEnvelope
	}

	nonce := sealed[headerLen : headerLen+nonceLen]
	plaintext, err := gcm.Open(nil, nonce, sealed[headerLen+nonceLen:], aad(threadID, epoch, seq))
	if err != nil {
		return nil, ErrEnvelope
	}
	return plaintext, nil
}

// ParseEpoch reads the epoch header without a key, so callers can look up
// the right derivation epoch before decrypting.
func ParseEpoch(sealed []byte) (uint32, error) {
	if len(sealed) < headerLen {
		return 0, ErrEnvelope
	}
	if sealed[0] != Version {
		return 0, ErrEnvelope
	}
	return binary.BigEndian.Uint32(sealed[1:]), nil
}
