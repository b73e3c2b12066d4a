package tree

import (
	"github.com/pkg/errors"

	"github.com/qing1huan/DeepThink/internal/models"
)

// Export returns copies of all threads and the active thread id.
func (t *Tree) Export() ([]models.Thread, string) {
	return t.List(), t.Active()
}

// Restore rebuilds a tree from exported threads, verifying every structural
// invariant. Messages left unfinalized by an interrupted stream are frozen.
func Restore(threads []models.Thread, active string) (*Tree, error) {
	if len(threads) == 0 {
		return nil, errors.Wrap(ErrCorruption, "no threads")
	}

	t := New()
	for _, th := range threads {
		if th.ID == "" {
			return nil, errors.Wrap(ErrCorruption, "thread without id")
		}
		if _, dup := t.threads[th.ID]; dup {
			return nil, errors.Wrapf(ErrCorruption, "duplicate thread %s", th.ID)
		}
		if (th.ParentThreadID == "") != (th.ForkMessageID == "") {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: parent and fork point must be set together", th.ID)
		}
		th = th.Clone()
		for i := range th.Messages {
			m := &th.Messages[i]
			if m.ID == "" || !m.Role.Valid() {
				return nil, errors.Wrapf(ErrCorruption, "thread %s: malformed message at %d", th.ID, i)
			}
			if _, dup := t.messages[m.ID]; dup {
				return nil, errors.Wrapf(ErrCorruption, "duplicate message %s", m.ID)
			}
			m.Final = true
			t.messages[m.ID] = th.ID
		}
		t.threads[th.ID] = &entry{thread: th}
	}

	for _, th := range threads {
		if th.ParentThreadID == "" {
			continue
		}
		p, ok := t.threads[th.ParentThreadID]
		if !ok {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: parent %s does not exist", th.ID, th.ParentThreadID)
		}
		if indexOf(p.thread.Messages, th.ForkMessageID) < 0 {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: fork message %s not in parent", th.ID, th.ForkMessageID)
		}
		t.children[th.ParentThreadID] = append(t.children[th.ParentThreadID], th.ID)
	}
	for id := range t.threads {
		if _, err := t.chainLocked(id); err != nil {
			return nil, err
		}
	}

	if _, ok := t.threads[active]; ok {
		t.active = active
	} else {
		t.active = t.firstRootLocked()
	}
	if t.active == "" {
		return nil, errors.Wrap(ErrCorruption, "no root thread")
	}
	return t, nil
}
