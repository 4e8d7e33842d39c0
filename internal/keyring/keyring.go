// Package keyring derives and rotates per-thread message keys.
//
// Keys are derived with HKDF-SHA256 from a 32-byte master key, salted with
// the thread UUID and bound to an epoch counter. Only epoch counters are
// persisted; a derived key exists in memory only. Rotation bumps the epoch
// so new messages seal under a fresh key while history stays decryptable
// through older epochs.
package keyring

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"

	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	audit "msgvault/pkg/platform/audit"
)

// ThreadKey is a derived 32-byte AES key. Call Zero when done holding one
// outside the cache.
type ThreadKey [32]byte

// Zero overwrites the key material.
func (k *ThreadKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// info prefix for HKDF domain separation; versioned so a future derivation
// change cannot collide with existing keys.
const derivationInfoPrefix = "msgvault:thread:v1:"

// Service derives, caches, and rotates thread keys.
type Service struct {
	master  []byte
	store   Store
	cache   *keyCache
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a keyring service. The master key must be 32 bytes.
func New(master []byte, store Store, cacheSize int, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("keyring: master key must be 32 bytes, got %d", len(master))
	}
	return &Service{
		master:  master,
		store:   store,
		cache:   newKeyCache(cacheSize),
		auditor: auditor,
		metrics: m,
		logger:  logger,
	}, nil
}

// ActiveEpoch returns the current epoch for a thread. Unknown threads are
// at epoch 0.
func (s *Service) ActiveEpoch(ctx context.Context, threadID id.ThreadID) (Epoch, error) {
	return s.store.Epoch(ctx, threadID)
}

// KeyFor derives the key for a given epoch of a thread. Epochs beyond the
// active one are rejected: they would decrypt nothing and a request for one
// indicates a confused or malicious caller.
func (s *Service) KeyFor(ctx context.Context, threadID id.ThreadID, epoch Epoch) (ThreadKey, error) {
	active, err := s.store.Epoch(ctx, threadID)
	if err != nil {
		return ThreadKey{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load thread epoch")
	}
	if epoch > active {
		return ThreadKey{}, dErrors.Newf(dErrors.CodeInvalidInput, "epoch %d beyond active %d", epoch, active)
	}
	return s.derive(threadID, epoch)
}

// ActiveKey derives the key for the thread's current epoch and returns both.
func (s *Service) ActiveKey(ctx context.Context, threadID id.ThreadID) (ThreadKey, Epoch, error) {
	epoch, err := s.store.Epoch(ctx, threadID)
	if err != nil {
		return ThreadKey{}, 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "load thread epoch")
	}
	key, err := s.derive(threadID, epoch)
	return key, epoch, err
}

// Rotate bumps the thread's epoch by one and invalidates cached keys.
// History stays decryptable: older epochs remain derivable on demand.
func (s *Service) Rotate(ctx context.Context, threadID id.ThreadID, actor id.UserID) (Epoch, error) {
	epoch, err := s.store.Bump(ctx, threadID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "bump thread epoch")
	}
	s.cache.invalidateThread(threadID.String())

	if s.metrics != nil {
		s.metrics.KeyRotations.Inc()
	}
	if s.auditor != nil {
		if err := s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionKeyRotated,
			ThreadID: threadID,
			UserID:   actor,
			Fields:   map[string]string{"epoch": fmt.Sprint(epoch)},
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to audit key rotation",
				"thread_id", threadID.String(),
				"error", err,
			)
		}
	}
	s.logger.InfoContext(ctx, "thread key rotated",
		"thread_id", threadID.String(),
		"epoch", epoch,
	)
	return epoch, nil
}

func (s *Service) derive(threadID id.ThreadID, epoch Epoch) (ThreadKey, error) {
	ck := cacheKey{thread: threadID.String(), epoch: epoch}
	if key, ok := s.cache.get(ck); ok {
		return key, nil
	}

	info := make([]byte, len(derivationInfoPrefix)+4)
	copy(info, derivationInfoPrefix)
	binary.BigEndian.PutUint32(info[len(derivationInfoPrefix):], epoch)

	reader := hkdf.New(sha256.New, s.master, threadID.Bytes(), info)
	var key ThreadKey
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return ThreadKey{}, dErrors.Wrap(err, dErrors.CodeInternal, "derive thread key")
	}

	s.cache.put(ck, key)
	return key, nil
}
