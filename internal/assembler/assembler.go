// Package assembler builds the upstream request history of a thread from its
// ancestor chain.
package assembler

import (
	"github.com/pkg/errors"

	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/tree"
)

// Source is the read side of a conversation tree.
type Source interface {
	AncestorChain(threadID string) ([]tree.Link, error)
	Get(threadID string) (models.Thread, error)
}

// Thread returns the history a request from threadID inherits: each
// ancestor's messages up to and including its cutoff, then the thread's own
// messages. Welcome messages and streaming assistant messages are left out.
func Thread(src Source, threadID string) ([]models.Turn, error) {
	chain, err := src.AncestorChain(threadID)
	if err != nil {
		return nil, err
	}

	var turns []models.Turn
	for _, link := range chain {
		anc, err := src.Get(link.ThreadID)
		if err != nil {
			// The chain was resolved a moment ago; losing an ancestor now
			// means a concurrent delete raced the walk.
			return nil, errors.Wrapf(tree.ErrCorruption, "ancestor %s of %s vanished", link.ThreadID, threadID)
		}
		turns = appendTurns(turns, Truncate(anc.Messages, link.CutoffMessageID))
	}

	own, err := src.Get(threadID)
	if err != nil {
		return nil, err
	}
	return appendTurns(turns, own.Messages), nil
}

// Build returns Thread(src, threadID) followed by the new user message.
func Build(src Source, threadID, userMessage string) ([]models.Turn, error) {
	turns, err := Thread(src, threadID)
	if err != nil {
		return nil, err
	}
	return append(turns, models.Turn{Role: models.RoleUser, Content: userMessage}), nil
}

// Truncate returns msgs up to and including the message with id cutoff. An
// empty or unknown cutoff keeps the whole list.
func Truncate(msgs []models.Message, cutoff string) []models.Message {
	if cutoff == "" {
		return msgs
	}
	for i, m := range msgs {
		if m.ID == cutoff {
			return msgs[:i+1]
		}
	}
	return msgs
}

func appendTurns(turns []models.Turn, msgs []models.Message) []models.Turn {
	for _, m := range msgs {
		if m.IsWelcome() || !m.Final {
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
