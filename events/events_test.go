package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	prev := uuid.New()
	return Event{
		ID:                     uuid.NewString(),
		Type:                   TypePlanChanged,
		OccurredAt:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SubscriptionID:         uuid.New(),
		CustomerID:             uuid.New(),
		PlanID:                 uuid.New(),
		PreviousSubscriptionID: &prev,
		IdempotencyKey:         "k1",
	}
}

func TestEvent_Encode(t *testing.T) {
	e := sampleEvent()
	data, err := e.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypePlanChanged, decoded["type"])
	assert.Equal(t, e.PreviousSubscriptionID.String(), decoded["previous_subscription_id"])
	assert.NotContains(t, decoded, "previous_plan_id")
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), Event{Type: TypePurchased})
		}()
	}
	wg.Wait()

	got := p.Events()
	assert.Len(t, got, 10)
	got[0].Type = "mutated"
	assert.Equal(t, TypePurchased, p.Events()[0].Type, "Events must return a copy")
	assert.NoError(t, p.Close())
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_Publish(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	e := sampleEvent()
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != e.ID {
			return errors.New("unexpected event id")
		}
		return nil
	})

	p := NewKafkaPublisherFromProducer(producer, "", nil)
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherFromProducer(producer, "events", nil)
	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Contains(t, err.Error(), `topic "events"`)
	require.NoError(t, p.Close())
}

func TestNewKafkaConfig_Valid(t *testing.T) {
	cfg := NewKafkaConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Idempotent)
}

// fakeNATSConn records published messages.
type fakeNATSConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	pubErr   error
	flushErr error
	closed   bool
}

func (f *fakeNATSConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATSConn) FlushWithContext(context.Context) error { return f.flushErr }
func (f *fakeNATSConn) Close()                                 { f.closed = true }

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeNATSConn{}
	p := newNATSPublisher(conn, "billing", nil)

	e := sampleEvent()
	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "billing.subscription.plan_changed", conn.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, e.SubscriptionID, got.SubscriptionID)

	require.NoError(t, p.Close())
	assert.True(t, conn.closed)
}

func TestNATSPublisher_Errors(t *testing.T) {
	p := newNATSPublisher(&fakeNATSConn{pubErr: errors.New("connection closed")}, "", nil)
	assert.Equal(t, "events.subscription.expired", p.Subject(TypeExpired))
	assert.ErrorContains(t, p.Publish(context.Background(), sampleEvent()), "connection closed")

	p = newNATSPublisher(&fakeNATSConn{flushErr: context.DeadlineExceeded}, "", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), sampleEvent()), context.DeadlineExceeded)
}
