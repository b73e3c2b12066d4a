// Package branch creates study branches: a fork seeded with a quoted excerpt
// and an instruction, answered in the background.
package branch

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

var ErrInvalidAction = errors.New("invalid branch action")

type Action string

const (
	Explain   Action = "explain"
	Elaborate Action = "elaborate"
	Simplify  Action = "simplify"
	Examples  Action = "examples"
	Challenge Action = "challenge"
	Custom    Action = "custom"
)

const maxTitleRunes = 48

var actions = map[Action]struct {
	label  string
	prompt string
}{
	Explain:   {"Explain", "Explain this in more detail. What does it mean and why does it matter?"},
	Elaborate: {"Elaborate", "Elaborate on this. Go deeper into the reasoning and the details behind it."},
	Simplify:  {"Simplify", "Explain this in simpler terms, as if to someone new to the topic."},
	Examples:  {"Examples", "Give concrete examples that illustrate this."},
	Challenge: {"Challenge", "Challenge this. What are the weaknesses, counterarguments or edge cases?"},
	Custom:    {"Question", ""},
}

// Actions lists the supported actions in display order.
func Actions() []Action {
	return []Action{Explain, Elaborate, Simplify, Examples, Challenge, Custom}
}

// ParseAction validates a user-supplied action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := actions[a]; !ok {
		return "", errors.Wrapf(ErrInvalidAction, "%q", s)
	}
	return a, nil
}

// Prompt returns the instruction sent for the action. Custom uses the caller's
// prompt, which must not be empty.
func (a Action) Prompt(custom string) (string, error) {
	def, ok := actions[a]
	if !ok {
		return "", errors.Wrapf(ErrInvalidAction, "%q", string(a))
	}
	if a != Custom {
		return def.prompt, nil
	}
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return "", errors.Wrap(ErrInvalidAction, "custom action needs a prompt")
	}
	return custom, nil
}

func (a Action) Label() string {
	return actions[a].label
}

// SeedMessage quotes every excerpt line and appends the prompt.
func SeedMessage(excerpt, prompt string) string {
	excerpt = strings.TrimSpace(excerpt)
	if excerpt == "" {
		return prompt
	}
	lines := strings.Split(excerpt, "\n")
	for i, l := range lines {
		lines[i] = "> " + strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n") + "\n\n" + prompt
}

// Title names a branch after its excerpt, or the action when there is none.
func Title(excerpt string, a Action) string {
	excerpt = strings.Join(strings.Fields(excerpt), " ")
	if excerpt == "" {
		return a.Label()
	}
	r := []rune(excerpt)
	if len(r) <= maxTitleRunes {
		return excerpt
	}
	return strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
}

type Request struct {
	SourceThreadID  string
	SourceMessageID string
	Action          Action
	CustomPrompt    string
	Excerpt         string
}

// Generator streams a reply to a thread's history in the background.
type Generator interface {
	Start(ws *workspace.Workspace, threadID string) error
}

// Persistence receives best-effort notifications of new threads and messages.
type Persistence interface {
	ThreadCreated(threadID, title string)
	MessageAppended(threadID, title string, m models.Message)
}

type Creator struct {
	gen     Generator
	persist Persistence
	logger  *zap.Logger
}

func NewCreator(gen Generator, persist Persistence, logger *zap.Logger) *Creator {
	return &Creator{gen: gen, persist: persist, logger: logger}
}

// Create forks the source thread at the message, seeds the fork with the
// excerpt and prompt, makes it active and starts its reply. It returns as
// soon as the fork exists; the reply streams into the tree. A done ctx stops
// it before the tree changes.
func (c *Creator) Create(ctx context.Context, ws *workspace.Workspace, req Request) (models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return models.Thread{}, errors.Wrap(err, "create branch")
	}
	prompt, err := req.Action.Prompt(req.CustomPrompt)
	if err != nil {
		return models.Thread{}, err
	}

	fork, err := ws.Tree.CreateFork(req.SourceThreadID, req.SourceMessageID, Title(req.Excerpt, req.Action))
	if err != nil {
		return models.Thread{}, err
	}
	seed, err := ws.Tree.AppendMessage(fork.ID, models.Message{
		Role:    models.RoleUser,
		Content: SeedMessage(req.Excerpt, prompt),
		Final:   true,
	})
	if err != nil {
		c.rollback(ws, fork.ID)
		return models.Thread{}, err
	}
	if err := ws.Tree.SetActive(fork.ID); err != nil {
		c.rollback(ws, fork.ID)
		return models.Thread{}, err
	}
	c.persist.ThreadCreated(fork.ID, fork.Title)
	c.persist.MessageAppended(fork.ID, fork.Title, seed)

	c.logger.Info("Branch created",
		zap.String("workspace_id", ws.ID),
		zap.String("thread_id", fork.ID),
		zap.String("source_thread_id", req.SourceThreadID),
		zap.String("action", string(req.Action)))

	if err := c.gen.Start(ws, fork.ID); err != nil {
		// The fork stays; the user can resend from it.
		c.logger.Error("Failed to start branch reply",
			zap.Error(err),
			zap.String("thread_id", fork.ID))
	}
	return ws.Tree.Get(fork.ID)
}

func (c *Creator) rollback(ws *workspace.Workspace, threadID string) {
	if _, err := ws.Tree.DeleteSubtree(threadID); err != nil {
		c.logger.Error("Failed to roll back branch", zap.Error(err), zap.String("thread_id", threadID))
	}
}
