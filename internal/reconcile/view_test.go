package reconcile

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"messenger/internal/models"
)

func msg(sender uuid.UUID, body string) *models.Message {
	return &models.Message{
		ID:        uuid.New(),
		SenderID:  sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		SeenBy:    []uuid.UUID{},
	}
}

func TestViewApplyNewIsIdempotent(t *testing.T) {
	req := require.New(t)
	v := NewView()
	sender := uuid.New()

	m := msg(sender, "hi")
	req.True(v.ApplyNew(m))
	req.False(v.ApplyNew(m), "same id applied twice must be dropped")

	req.Equal(1, v.Len())
	req.Equal(m.ID, v.Messages()[0].ID)
}

func TestViewAppendsInArrivalOrder(t *testing.T) {
	req := require.New(t)
	v := NewView()
	sender := uuid.New()

	first := msg(sender, "one")
	second := msg(sender, "two")
	v.ApplyNew(first)
	v.ApplyNew(second)

	got := v.Messages()
	req.Equal([]uuid.UUID{first.ID, second.ID}, []uuid.UUID{got[0].ID, got[1].ID})
}

func TestViewApplyUpdatePreservesPositionAndLength(t *testing.T) {
	req := require.New(t)
	v := NewView()
	sender, reader := uuid.New(), uuid.New()

	a := msg(sender, "a")
	b := msg(sender, "b")
	c := msg(sender, "c")
	v.ApplyInitial([]*models.Message{a, b, c})

	updated := *b
	updated.SeenBy = []uuid.UUID{reader}
	req.True(v.ApplyUpdate(&updated))

	got := v.Messages()
	req.Len(got, 3)
	req.Equal(b.ID, got[1].ID, "updated message keeps its index")
	req.Equal([]uuid.UUID{reader}, got[1].SeenBy)
}

func TestViewApplyUpdateUnknownIDIsNoop(t *testing.T) {
	req := require.New(t)
	v := NewView()
	v.ApplyInitial([]*models.Message{msg(uuid.New(), "a")})

	req.False(v.ApplyUpdate(msg(uuid.New(), "ghost")))
	req.Equal(1, v.Len())
}

func TestViewApplyInitialReplacesAndDedups(t *testing.T) {
	req := require.New(t)
	v := NewView()
	sender := uuid.New()

	v.ApplyNew(msg(sender, "stale"))

	a := msg(sender, "a")
	v.ApplyInitial([]*models.Message{a, a})
	req.Equal(1, v.Len())
	req.Equal(a.ID, v.Messages()[0].ID)
}

func TestViewNewestIsOwn(t *testing.T) {
	req := require.New(t)
	v := NewView()
	me, peer := uuid.New(), uuid.New()

	req.False(v.NewestIsOwn(me), "empty view has no newest message")

	v.ApplyNew(msg(me, "mine"))
	req.True(v.NewestIsOwn(me))

	v.ApplyNew(msg(peer, "theirs"))
	req.False(v.NewestIsOwn(me))
}
