package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"messenger/internal/models"
	"messenger/internal/pubsub"
)

// Membership events carried on the presence topic.
const (
	EventMemberJoined = "member:joined"
	EventMemberLeft   = "member:left"
)

// Member is the payload of a join/leave event.
type Member struct {
	UserID string `json:"user_id"`
}

type State int

const (
	StateUninitialized State = iota
	StateSubscribed
	StateUnsubscribed
)

// SnapshotFunc delivers the full set of currently-live user ids. Called on
// every (re-)subscribe; its result replaces the tracked set wholesale.
type SnapshotFunc func(ctx context.Context) ([]string, error)

// Tracker maintains the live set of connected user ids for one process.
// The set is owned exclusively by the tracker and mutated only through
// join/leave events on the presence topic; it is never persisted and resets
// on every subscribe. All methods are safe for concurrent use.
type Tracker struct {
	broker   pubsub.Broker
	snapshot SnapshotFunc
	log      *slog.Logger

	mu     sync.Mutex
	state  State
	sub    pubsub.Subscription
	online map[string]struct{}

	// Events arriving while the initial snapshot is in flight are buffered
	// and replayed after the full-set replace, so neither is lost.
	buffering bool
	buffered  []delta
}

type delta struct {
	userID string
	joined bool
}

func NewTracker(broker pubsub.Broker, snapshot SnapshotFunc, log *slog.Logger) *Tracker {
	return &Tracker{
		broker:   broker,
		snapshot: snapshot,
		log:      log,
		online:   make(map[string]struct{}),
	}
}

// Subscribe attaches to the presence topic and initializes the set from a
// fresh snapshot. Calling it on an already-subscribed tracker tears the old
// subscription down first; prior state is never trusted.
func (t *Tracker) Subscribe(ctx context.Context) error {
	t.Unsubscribe()

	sub, err := t.broker.Subscribe(ctx, models.PresenceTopic)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sub = sub
	t.state = StateSubscribed
	t.online = make(map[string]struct{})
	t.buffering = true
	t.buffered = nil
	t.mu.Unlock()

	sub.Bind(EventMemberJoined, func(_ string, payload []byte) {
		t.apply(payload, true)
	})
	sub.Bind(EventMemberLeft, func(_ string, payload []byte) {
		t.apply(payload, false)
	})

	// Snapshot after the subscription is live, so a join racing the
	// snapshot is either in the snapshot or buffered as an event.
	ids, err := t.snapshot(ctx)
	if err != nil {
		t.Unsubscribe()
		return err
	}

	t.mu.Lock()
	if t.sub == sub {
		t.online = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			t.online[id] = struct{}{}
		}
		for _, d := range t.buffered {
			if d.joined {
				t.online[d.userID] = struct{}{}
			} else {
				delete(t.online, d.userID)
			}
		}
		t.buffering = false
		t.buffered = nil
	}
	t.mu.Unlock()

	go t.watch(sub)
	return nil
}

// watch demotes the tracker when the transport drops the subscription, so
// stale "online" answers are never served after a disconnect.
func (t *Tracker) watch(sub pubsub.Subscription) {
	<-sub.Done()
	t.mu.Lock()
	if t.sub == sub && t.state == StateSubscribed {
		t.state = StateUnsubscribed
		t.sub = nil
		t.online = make(map[string]struct{})
		t.log.Warn("presence subscription lost; presence is now unknown")
	}
	t.mu.Unlock()
}

func (t *Tracker) apply(payload []byte, joined bool) {
	var m Member
	if err := json.Unmarshal(payload, &m); err != nil || m.UserID == "" {
		t.log.Warn("dropping malformed presence event", "err", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSubscribed {
		return
	}
	if t.buffering {
		t.buffered = append(t.buffered, delta{userID: m.UserID, joined: joined})
		return
	}
	if joined {
		t.online[m.UserID] = struct{}{}
	} else {
		delete(t.online, m.UserID)
	}
}

// Unsubscribe detaches and clears the set. Safe to call in any state.
func (t *Tracker) Unsubscribe() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	if t.state != StateUninitialized {
		t.state = StateUnsubscribed
	}
	t.online = make(map[string]struct{})
	t.buffering = false
	t.buffered = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// IsOnline reports liveness for a user id. An unsubscribed tracker answers
// false for everyone; check Known to distinguish "offline" from "unknown".
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Known reports whether the tracker currently holds a live view. When it
// returns false, presence is unknown, not "everyone offline".
func (t *Tracker) Known() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateSubscribed
}

// Online returns the live user ids in stable order.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// State returns the tracker's lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
