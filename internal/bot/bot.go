// Package bot serves the conversation tree of the default workspace to a
// single Telegram chat.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qing1huan/DeepThink/internal/branch"
	"github.com/qing1huan/DeepThink/internal/chat"
	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/stream"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

const (
	maxMessageRunes = 4096
	maxExcerptRunes = 400
	editInterval    = time.Second

	placeholderText = "…"
	thinkingPrefix  = "💭 Thinking…\n\n"
	stoppedSuffix   = "\n\n[stopped]"
)

// botAPI is the part of tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api     botAPI
	chatID  int64
	spaces  *workspace.Manager
	engine  *chat.Engine
	creator *branch.Creator
	logger  *zap.Logger

	mu      sync.Mutex
	replies map[int]string // telegram message id -> tree message id
}

func New(token string, chatID int64, spaces *workspace.Manager, engine *chat.Engine, creator *branch.Creator, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return newBot(api, chatID, spaces, engine, creator, logger), nil
}

func newBot(api botAPI, chatID int64, spaces *workspace.Manager, engine *chat.Engine, creator *branch.Creator, logger *zap.Logger) *Bot {
	return &Bot{
		api:     api,
		chatID:  chatID,
		spaces:  spaces,
		engine:  engine,
		creator: creator,
		logger:  logger,
		replies: make(map[int]string),
	}
}

// Start handles updates until ctx is done, then waits for in-flight handlers.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			wg.Add(1)
			go func(m *tgbotapi.Message) {
				defer wg.Done()
				b.handleMessage(ctx, m)
			}(update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil || message.Chat.ID != b.chatID {
		b.logger.Warn("Ignoring message from unknown chat", zap.Int64("chat_id", chatOf(message)))
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}
	b.handleText(ctx, message, content)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "threads":
		b.handleThreads(message)
	case "switch":
		b.handleSwitch(message)
	case "new":
		b.handleNew(message)
	case "cancel":
		b.handleCancel(message)
	case "branch":
		b.handleBranch(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to DeepThink! 🧠
Send me a question and I'll think it through.

Reply to any of my answers with /branch to explore part of it in a side thread.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	names := make([]string, 0, len(branch.Actions()))
	for _, a := range branch.Actions() {
		names = append(names, string(a))
	}
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/threads - List threads
/switch <n> - Make thread n active
/new - Start a new conversation
/cancel - Stop the current answer
/branch <action> [prompt] - Reply to an answer to branch from it

Branch actions: ` + strings.Join(names, ", ")

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleThreads(message *tgbotapi.Message) {
	ws := b.spaces.Default()
	b.sendMessage(message.Chat.ID, listThreads(ws.Tree.List(), ws.Tree.Active()))
}

func (b *Bot) handleSwitch(message *tgbotapi.Message) {
	ws := b.spaces.Default()
	threads := ws.Tree.List()
	n, err := strconv.Atoi(strings.TrimSpace(message.CommandArguments()))
	if err != nil || n < 1 || n > len(threads) {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Usage: /switch <n> with n between 1 and %d.", len(threads)))
		return
	}
	th := threads[n-1]
	if err := ws.Tree.SetActive(th.ID); err != nil {
		b.logger.Error("Failed to switch thread", zap.Error(err), zap.String("thread_id", th.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't switch threads.")
		return
	}
	b.sendMessage(message.Chat.ID, "Switched to: "+th.Title)
}

func (b *Bot) handleNew(message *tgbotapi.Message) {
	ws := b.spaces.Default()
	th := ws.Tree.CreateRoot(workspace.DefaultTitle, "")
	if err := ws.Tree.SetActive(th.ID); err != nil {
		b.logger.Error("Failed to activate new thread", zap.Error(err), zap.String("thread_id", th.ID))
	}
	b.engine.Persistence().ThreadCreated(th.ID, th.Title)
	b.sendMessage(message.Chat.ID, "Started a new conversation.")
}

func (b *Bot) handleCancel(message *tgbotapi.Message) {
	ws := b.spaces.Default()
	if !b.engine.Cancel(ws, ws.Tree.Active()) {
		b.sendMessage(message.Chat.ID, "Nothing to cancel.")
	}
}

func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message, content string) {
	ws := b.spaces.Default()
	threadID := ws.Tree.Active()

	placeholder, err := b.reply(message, placeholderText)
	if err != nil {
		return
	}
	live := b.newLiveMessage(message.Chat.ID, placeholder.MessageID)

	var buf strings.Builder
	res, err := b.engine.Send(ctx, ws, threadID, content, func(text string) error {
		buf.WriteString(text)
		live.update(render(stream.Parse(buf.String())), false)
		return nil
	})
	if err != nil {
		text := "Sorry, something went wrong. Please try again."
		if errors.Is(err, chat.ErrBusy) {
			text = "Still answering the previous message. Use /cancel to stop it."
		} else {
			b.logger.Error("Failed to send message",
				zap.Error(err),
				zap.String("thread_id", threadID),
				zap.Int64("chat_id", message.Chat.ID))
		}
		live.update("⚠️ "+text, true)
		return
	}
	live.update(renderFinal(res), true)
	b.remember(placeholder.MessageID, res.Message.ID)
}

func (b *Bot) handleBranch(ctx context.Context, message *tgbotapi.Message) {
	usage := "Reply to one of my answers with /branch <action> [prompt]."
	args := strings.Fields(message.CommandArguments())
	if message.ReplyToMessage == nil || len(args) == 0 {
		b.sendMessage(message.Chat.ID, usage)
		return
	}
	action, err := branch.ParseAction(args[0])
	if err != nil {
		b.sendMessage(message.Chat.ID, "Unknown action. Use /help to see the branch actions.")
		return
	}

	ws := b.spaces.Default()
	messageID, ok := b.lookup(message.ReplyToMessage.MessageID)
	threadID := ""
	if ok {
		threadID, ok = ws.Tree.FindMessage(messageID)
	}
	if !ok {
		b.sendMessage(message.Chat.ID, "I can only branch from my own answers.")
		return
	}
	source, err := ws.Tree.Get(threadID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "That conversation no longer exists.")
		return
	}
	excerpt := ""
	for _, m := range source.Messages {
		if m.ID == messageID {
			excerpt = truncate(m.Content, maxExcerptRunes)
		}
	}

	fork, err := b.creator.Create(ctx, ws, branch.Request{
		SourceThreadID:  threadID,
		SourceMessageID: messageID,
		Action:          action,
		CustomPrompt:    strings.Join(args[1:], " "),
		Excerpt:         excerpt,
	})
	if err != nil {
		b.logger.Error("Failed to create branch", zap.Error(err), zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't create that branch.")
		return
	}

	placeholder, err := b.reply(message, "🌿 "+fork.Title+"\n\n"+placeholderText)
	if err != nil {
		return
	}
	select {
	case <-b.engine.Done(ws, fork.ID):
	case <-ctx.Done():
		return
	}

	th, err := ws.Tree.Get(fork.ID)
	if err != nil {
		return
	}
	last, ok := th.Last()
	if !ok || last.Role != models.RoleAssistant {
		return
	}
	b.newLiveMessage(message.Chat.ID, placeholder.MessageID).
		update("🌿 "+th.Title+"\n\n"+render(stream.Parsed{Content: last.Content, Reasoning: last.Reasoning}), true)
	b.remember(placeholder.MessageID, last.ID)
}

func (b *Bot) remember(telegramID int, messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[telegramID] = messageID
}

func (b *Bot) lookup(telegramID int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.replies[telegramID]
	return id, ok
}

// liveMessage edits one sent message as a reply streams in, at most once per
// editInterval unless forced.
type liveMessage struct {
	b       *Bot
	chatID  int64
	id      int
	limiter *rate.Limiter
	last    string
}

func (b *Bot) newLiveMessage(chatID int64, id int) *liveMessage {
	return &liveMessage{
		b:       b,
		chatID:  chatID,
		id:      id,
		limiter: rate.NewLimiter(rate.Every(editInterval), 1),
		last:    placeholderText,
	}
}

func (l *liveMessage) update(text string, force bool) {
	// Telegram rejects edits that do not change the text.
	if text == l.last {
		return
	}
	if !force && !l.limiter.Allow() {
		return
	}
	l.last = text
	if _, err := l.b.api.Request(tgbotapi.NewEditMessageText(l.chatID, l.id, text)); err != nil {
		l.b.logger.Warn("Failed to edit message",
			zap.Error(err),
			zap.Int64("chat_id", l.chatID),
			zap.Int("message_id", l.id))
	}
}

// render shows the answer once it starts and the tail of the reasoning
// before that.
func render(p stream.Parsed) string {
	switch {
	case p.Content != "":
		return truncate(p.Content, maxMessageRunes)
	case p.Reasoning != nil && *p.Reasoning != "":
		return thinkingPrefix + tail(*p.Reasoning, maxMessageRunes-utf8.RuneCountInString(thinkingPrefix))
	default:
		return placeholderText
	}
}

func renderFinal(res chat.Result) string {
	text := render(stream.Parsed{Content: res.Message.Content, Reasoning: res.Message.Reasoning})
	if res.Outcome == chat.Cancelled {
		text = truncate(text, maxMessageRunes-utf8.RuneCountInString(stoppedSuffix)) + stoppedSuffix
	}
	return text
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func tail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return "…" + string(r[len(r)-n+1:])
}

func listThreads(threads []models.Thread, active string) string {
	if len(threads) == 0 {
		return "You don't have any threads yet."
	}
	depth := make(map[string]int, len(threads))
	var sb strings.Builder
	sb.WriteString("Your threads:\n")
	for i, th := range threads {
		d := 0
		if !th.IsRoot() {
			d = depth[th.ParentThreadID] + 1
		}
		depth[th.ID] = d

		marker := " "
		if th.ID == active {
			marker = "•"
		}
		indent := strings.Repeat("  ", d)
		if d > 0 {
			indent += "↳ "
		}
		fmt.Fprintf(&sb, "%d. %s %s%s (%s)\n", i+1, marker, indent, th.Title, humanize.Time(th.UpdatedAt))
	}
	return sb.String()
}

func chatOf(message *tgbotapi.Message) int64 {
	if message.Chat == nil {
		return 0
	}
	return message.Chat.ID
}

func (b *Bot) reply(message *tgbotapi.Message, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(message.Chat.ID, text)
	msg.ReplyToMessageID = message.MessageID
	sent, err := b.api.Send(msg)
	if err != nil {
		b.logger.Error("Failed to send reply",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
	return sent, err
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
