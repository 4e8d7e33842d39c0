package message_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgvault/internal/delivery"
	"msgvault/internal/keyring"
	"msgvault/internal/message"
	"msgvault/internal/platform/logger"
	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/audit"
	auditmem "msgvault/pkg/platform/audit/store/memory"
)

const testMaxPayload = 64 * 1024

type captureSink struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (s *captureSink) Publish(ev delivery.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []delivery.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fixture struct {
	svc   *message.Service
	store *message.MemoryStore
	audit *auditmem.Store
	sink  *captureSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	auditStore := auditmem.New()
	auditor := audit.NewPublisher(auditStore)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	log := logger.Discard()

	master := bytes.Repeat([]byte{0x42}, 32)
	keys, err := keyring.New(master, keyring.NewMemoryStore(), 16, auditor, m, log)
	require.NoError(t, err)

	store := message.NewMemoryStore()
	sink := &captureSink{}
	svc := message.NewService(store, keys, nil, auditor, sink, m, log, testMaxPayload)

	return &fixture{svc: svc, store: store, audit: auditStore, sink: sink}
}

func (f *fixture) createThread(t *testing.T) message.Thread {
	t.Helper()
	th, err := f.svc.CreateThread(context.Background(), id.NewTenantID(), id.NewUserID(), "weekly check-in")
	require.NoError(t, err)
	return th
}

func TestService_CreateThread(t *testing.T) {
	f := newFixture(t)
	creator := id.NewUserID()

	th, err := f.svc.CreateThread(context.Background(), id.NewTenantID(), creator, "intake")
	require.NoError(t, err)

	assert.False(t, th.ID.IsNil())
	assert.Equal(t, creator, th.CreatedBy)
	assert.False(t, th.Archived())

	events, err := f.audit.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionThreadCreated, events[0].Action)
}

func TestService_AppendAssignsContiguousSeq(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	sender := id.NewUserID()

	for i := 1; i <= 5; i++ {
		msg, err := f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), msg.Seq)
	}

	published := f.sink.all()
	require.Len(t, published, 5)
	for i, ev := range published {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, []byte("hello"), ev.Body)
	}
}

func TestService_AppendValidation(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	sender := id.NewUserID()

	tests := []struct {
		name string
		kind message.Kind
		body []byte
	}{
		{name: "empty body", kind: message.KindText, body: nil},
		{name: "unknown kind", kind: message.Kind("voice"), body: []byte("x")},
		{name: "oversized body", kind: message.KindText, body: bytes.Repeat([]byte{'a'}, testMaxPayload+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Append(context.Background(), th.ID, sender, tt.kind, tt.body)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestService_AppendUnknownThread(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Append(context.Background(), id.NewThreadID(), id.NewUserID(), message.KindText, []byte("x"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestService_AppendToArchivedThread(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	require.NoError(t, f.svc.Archive(context.Background(), th.ID, th.CreatedBy))

	_, err := f.svc.Append(context.Background(), th.ID, id.NewUserID(), message.KindText, []byte("x"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestService_HistoryRoundTrip(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	sender := id.NewUserID()

	bodies := []string{"first", "second", "third"}
	for _, b := range bodies {
		_, err := f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte(b))
		require.NoError(t, err)
	}

	history, err := f.svc.History(context.Background(), th.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, len(bodies))
	for i, msg := range history {
		assert.Equal(t, uint64(i+1), msg.Seq)
		assert.Equal(t, bodies[i], string(msg.Body))
	}

	// Stored rows are ciphertext, not plaintext.
	raw, err := f.store.ListMessages(context.Background(), th.ID, 0, 10)
	require.NoError(t, err)
	for i, row := range raw {
		assert.NotContains(t, string(row.Sealed), bodies[i])
	}
}

func TestService_HistoryAfterSeq(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	sender := id.NewUserID()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	history, err := f.svc.History(context.Background(), th.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(4), history[0].Seq)
	assert.Equal(t, uint64(5), history[1].Seq)

	limited, err := f.svc.History(context.Background(), th.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(1), limited[0].Seq)
}

func TestService_HistoryAcrossKeyRotation(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	sender := id.NewUserID()

	_, err := f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte("before rotation"))
	require.NoError(t, err)

	epoch, err := f.svc.RotateKey(context.Background(), th.ID, sender)
	require.NoError(t, err)
	assert.Equal(t, keyring.Epoch(1), epoch)

	_, err = f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte("after rotation"))
	require.NoError(t, err)

	history, err := f.svc.History(context.Background(), th.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "before rotation", string(history[0].Body))
	assert.Equal(t, "after rotation", string(history[1].Body))
}

func TestService_HistoryRejectsTamperedRow(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)

	_, err := f.svc.Append(context.Background(), th.ID, id.NewUserID(), message.KindText, []byte("sensitive"))
	require.NoError(t, err)

	raw, err := f.store.ListMessages(context.Background(), th.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	raw[0].Sealed[len(raw[0].Sealed)-1] ^= 0xff

	_, err = f.svc.History(context.Background(), th.ID, 0, 10)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "open envelope"))
}

func TestService_ArchiveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)
	actor := id.NewUserID()

	require.NoError(t, f.svc.Archive(context.Background(), th.ID, actor))
	require.NoError(t, f.svc.Archive(context.Background(), th.ID, actor))

	events, err := f.audit.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)

	var archived int
	for _, ev := range events {
		if ev.Action == audit.ActionThreadArchived {
			archived++
		}
	}
	assert.Equal(t, 1, archived, "repeat archive should not re-audit")
}

func TestService_ArchiveUnknownThread(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Archive(context.Background(), id.NewThreadID(), id.NewUserID())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestService_ConcurrentAppendsStayGapless(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := id.NewUserID()
			for i := 0; i < perWriter; i++ {
				_, err := f.svc.Append(context.Background(), th.ID, sender, message.KindText, []byte("m"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	history, err := f.svc.History(context.Background(), th.ID, 0, writers*perWriter)
	require.NoError(t, err)
	require.Len(t, history, writers*perWriter)
	for i, msg := range history {
		require.Equal(t, uint64(i+1), msg.Seq)
	}
}
