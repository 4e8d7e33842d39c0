//go:build integration

package outbox_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"msgvault/internal/platform/logger"
	"msgvault/internal/platform/metrics"
	pgplatform "msgvault/internal/platform/postgres"
	id "msgvault/pkg/domain"
	audit "msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/audit/kafka"
	"msgvault/pkg/platform/audit/outbox"
	auditpg "msgvault/pkg/platform/audit/store/postgres"
	"msgvault/pkg/testutil/containers"
)

const pipelineTopic = "msgvault.audit.pipeline-test"

// PipelineSuite exercises the durable audit path end to end: publisher
// writes the outbox table, the worker drains it to a real broker, and a
// consumer sees every event exactly once in outbox order.
type PipelineSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redpanda *containers.RedpandaContainer
	store    *auditpg.Store
	auditor  *audit.Publisher
	broker   *kafka.Publisher
}

func TestPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupSuite() {
	ctx := context.Background()
	mgr := containers.GetManager()

	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(pgplatform.Migrate(ctx, s.postgres.DB))

	s.redpanda = mgr.GetRedpanda(s.T())
	s.Require().NoError(s.redpanda.CreateTopic(ctx, pipelineTopic))

	broker, err := kafka.New([]string{s.redpanda.Broker}, pipelineTopic)
	s.Require().NoError(err)
	s.broker = broker

	s.store = auditpg.New(s.postgres.DB)
	s.auditor = audit.NewPublisher(s.store)
}

func (s *PipelineSuite) TearDownSuite() {
	if s.broker != nil {
		s.broker.Close()
	}
}

func (s *PipelineSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_outbox"))
}

func (s *PipelineSuite) runWorker(ctx context.Context) (stop func()) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := outbox.NewWorker(s.store, s.broker,
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		logger.Discard(),
		outbox.WithPollInterval(50*time.Millisecond),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(workerCtx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// consume reads records from the topic start until n records with the
// given key arrive. The topic is shared across tests, so records are
// filtered by aggregate key.
func (s *PipelineSuite) consume(ctx context.Context, key string, n int) []*kgo.Record {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Broker),
		kgo.ConsumeTopics(pipelineTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer client.Close()

	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var records []*kgo.Record
	for len(records) < n {
		fetches := client.PollFetches(deadline)
		s.Require().NoError(fetches.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) == key {
				records = append(records, r)
			}
		})
	}
	return records
}

func (s *PipelineSuite) TestOutboxEventsReachBroker() {
	ctx := context.Background()
	threadID := id.NewThreadID()

	for i := 0; i < 5; i++ {
		s.Require().NoError(s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionMessageAppended,
			ThreadID: threadID,
			Fields:   map[string]string{"seq": strconv.Itoa(i + 1)},
		}))
	}

	stop := s.runWorker(ctx)
	defer stop()

	s.Require().Eventually(func() bool {
		backlog, err := s.store.Backlog(ctx)
		return err == nil && backlog == 0
	}, 15*time.Second, 100*time.Millisecond, "outbox never drained")

	records := s.consume(ctx, threadID.String(), 5)

	// One aggregate keys one partition, so broker order is outbox order.
	for i, record := range records {
		s.Equal(threadID.String(), string(record.Key))

		var payload map[string]any
		s.Require().NoError(json.Unmarshal(record.Value, &payload))
		s.Equal(string(audit.ActionMessageAppended), payload["action"])
		s.Equal(string(audit.CategoryDomain), payload["category"])
		s.Equal(threadID.String(), payload["thread_id"])

		fields, ok := payload["fields"].(map[string]any)
		s.Require().True(ok)
		s.Equal(strconv.Itoa(i+1), fields["seq"])
	}
}

func (s *PipelineSuite) TestDrainSurvivesWorkerRestart() {
	ctx := context.Background()
	threadID := id.NewThreadID()

	s.Require().NoError(s.auditor.Emit(ctx, audit.Event{
		Action:   audit.ActionThreadCreated,
		ThreadID: threadID,
	}))

	stop := s.runWorker(ctx)
	s.Require().Eventually(func() bool {
		backlog, err := s.store.Backlog(ctx)
		return err == nil && backlog == 0
	}, 15*time.Second, 100*time.Millisecond)
	stop()

	// Events written while no worker runs drain when the next one starts.
	s.Require().NoError(s.auditor.Emit(ctx, audit.Event{
		Action:   audit.ActionThreadArchived,
		ThreadID: threadID,
	}))

	stop = s.runWorker(ctx)
	defer stop()
	s.Require().Eventually(func() bool {
		backlog, err := s.store.Backlog(ctx)
		return err == nil && backlog == 0
	}, 15*time.Second, 100*time.Millisecond)
}
