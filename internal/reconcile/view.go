package reconcile

import (
	"sync"

	"github.com/google/uuid"

	"messenger/internal/models"
)

// View is the local ordered message log for one open conversation. It
// merges live-pushed events into the initially loaded history without
// duplicating or reordering: ordering is arrival order, which for a single
// conversation topic coincides with send order because the transport is
// FIFO per topic.
type View struct {
	mu    sync.RWMutex
	msgs  []*models.Message
	index map[uuid.UUID]int
}

func NewView() *View {
	return &View{index: make(map[uuid.UUID]int)}
}

// ApplyInitial replaces the log with the loaded history. Later duplicates
// of these messages pushed live are dropped by ApplyNew.
func (v *View) ApplyInitial(msgs []*models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = make([]*models.Message, 0, len(msgs))
	v.index = make(map[uuid.UUID]int, len(msgs))
	for _, m := range msgs {
		if _, ok := v.index[m.ID]; ok {
			continue
		}
		v.index[m.ID] = len(v.msgs)
		v.msgs = append(v.msgs, m)
	}
}

// ApplyNew appends a pushed message. Idempotent by message id: the sender's
// optimistic local copy racing its own pushed echo is a no-op. Reports
// whether the message was actually appended.
func (v *View) ApplyNew(msg *models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.index[msg.ID]; ok {
		return false
	}
	v.index[msg.ID] = len(v.msgs)
	v.msgs = append(v.msgs, msg)
	return true
}

// ApplyUpdate replaces the message with a matching id in place, preserving
// its position. A message not yet loaded locally is ignored.
func (v *View) ApplyUpdate(msg *models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[msg.ID]
	if !ok {
		return false
	}
	v.msgs[i] = msg
	return true
}

// Messages returns a copy of the current log in order.
func (v *View) Messages() []*models.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*models.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.msgs)
}

// NewestIsOwn reports whether the last message in the log was sent by self.
// The view collaborator uses it to decide whether to scroll to the bottom.
func (v *View) NewestIsOwn(self uuid.UUID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.msgs) == 0 {
		return false
	}
	return v.msgs[len(v.msgs)-1].SenderID == self
}
