package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"messenger/internal/models"
	"messenger/internal/pubsub"
)

func staticSnapshot(ids ...string) SnapshotFunc {
	return func(context.Context) ([]string, error) { return ids, nil }
}

func emit(t *testing.T, broker pubsub.Broker, event, userID string) {
	t.Helper()
	payload, err := json.Marshal(Member{UserID: userID})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), models.PresenceTopic, event, payload))
}

func TestTrackerInitializesFromSnapshot(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	tr := NewTracker(broker, staticSnapshot("alice", "bob"), slog.Default())

	req.Equal(StateUninitialized, tr.State())
	req.False(tr.Known())

	req.NoError(tr.Subscribe(context.Background()))
	defer tr.Unsubscribe()

	req.Equal(StateSubscribed, tr.State())
	req.True(tr.Known())
	req.True(tr.IsOnline("alice"))
	req.True(tr.IsOnline("bob"))
	req.False(tr.IsOnline("carol"))
	req.Equal([]string{"alice", "bob"}, tr.Online())
}

func TestTrackerAppliesJoinAndLeave(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	tr := NewTracker(broker, staticSnapshot("alice"), slog.Default())
	req.NoError(tr.Subscribe(context.Background()))
	defer tr.Unsubscribe()

	emit(t, broker, EventMemberJoined, "bob")
	req.True(tr.IsOnline("bob"))

	// Duplicate joins collapse into one entry.
	emit(t, broker, EventMemberJoined, "bob")
	req.Equal([]string{"alice", "bob"}, tr.Online())

	emit(t, broker, EventMemberLeft, "alice")
	req.False(tr.IsOnline("alice"))

	// Leaving twice, or leaving while absent, is a no-op.
	emit(t, broker, EventMemberLeft, "alice")
	emit(t, broker, EventMemberLeft, "carol")
	req.Equal([]string{"bob"}, tr.Online())
}

func TestTrackerResubscribeReplacesSet(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()

	var mu sync.Mutex
	ids := []string{"alice"}
	snapshot := func(context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return ids, nil
	}

	tr := NewTracker(broker, snapshot, slog.Default())
	req.NoError(tr.Subscribe(context.Background()))
	emit(t, broker, EventMemberJoined, "bob")
	req.Equal([]string{"alice", "bob"}, tr.Online())

	mu.Lock()
	ids = []string{"carol"}
	mu.Unlock()

	// A second subscribe never trusts prior state.
	req.NoError(tr.Subscribe(context.Background()))
	defer tr.Unsubscribe()
	req.Equal([]string{"carol"}, tr.Online())
}

func TestTrackerUnsubscribeClearsSet(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	tr := NewTracker(broker, staticSnapshot("alice"), slog.Default())
	req.NoError(tr.Subscribe(context.Background()))

	tr.Unsubscribe()
	req.Equal(StateUnsubscribed, tr.State())
	req.False(tr.Known())
	req.False(tr.IsOnline("alice"))
	req.Empty(tr.Online())

	// Events after unsubscribe change nothing.
	emit(t, broker, EventMemberJoined, "bob")
	req.False(tr.IsOnline("bob"))
}

func TestTrackerUnsubscribeBeforeSubscribeIsSafe(t *testing.T) {
	tr := NewTracker(pubsub.NewMemoryBroker(), staticSnapshot(), slog.Default())
	tr.Unsubscribe()
	require.Equal(t, StateUninitialized, tr.State())
}

func TestTrackerSnapshotFailureLeavesUnsubscribed(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	snapshot := func(context.Context) ([]string, error) {
		return nil, errors.New("backend down")
	}
	tr := NewTracker(broker, snapshot, slog.Default())

	req.Error(tr.Subscribe(context.Background()))
	req.False(tr.Known())
	req.Empty(tr.Online())
}

// lossyBroker hands out subscriptions whose Done channel the test closes to
// simulate the transport dropping the connection.
type lossyBroker struct {
	sub *lossySub
}

func (b *lossyBroker) Publish(context.Context, string, string, []byte) error { return nil }

func (b *lossyBroker) Subscribe(context.Context, string) (pubsub.Subscription, error) {
	b.sub = &lossySub{done: make(chan struct{})}
	return b.sub, nil
}

type lossySub struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (s *lossySub) Bind(string, pubsub.Handler) {}
func (s *lossySub) Unbind(string)               {}
func (s *lossySub) Done() <-chan struct{}       { return s.done }
func (s *lossySub) Unsubscribe()                { s.closeOnce.Do(func() { close(s.done) }) }

func TestTrackerDemotesOnTransportLoss(t *testing.T) {
	req := require.New(t)
	broker := &lossyBroker{}
	tr := NewTracker(broker, staticSnapshot("alice"), slog.Default())
	req.NoError(tr.Subscribe(context.Background()))
	req.True(tr.IsOnline("alice"))

	// Drop the transport out from under the tracker.
	broker.sub.Unsubscribe()

	req.Eventually(func() bool {
		return tr.State() == StateUnsubscribed
	}, time.Second, 5*time.Millisecond)
	req.False(tr.Known())
	req.False(tr.IsOnline("alice"))
}
