package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/hookbridge/internal/broker"
	"github.com/basket/hookbridge/internal/bus"
	"github.com/basket/hookbridge/internal/mailbox"
	"github.com/basket/hookbridge/internal/mode"
	"github.com/basket/hookbridge/internal/registry"
	"github.com/basket/hookbridge/internal/shared"
)

// Approvals is the decision-intake surface the channel drives. Implemented
// by the broker.
type Approvals interface {
	Resolve(requestID string, decision broker.Decision, instructions string) error
	ResolveLatest(agentID string, decision broker.Decision, instructions string) (string, error)
	ResolveAll(decision broker.Decision) int
	ListPending() []broker.Summary
	PendingCount() int
}

// maxActionChars bounds the tool input shown in a prompt.
const maxActionChars = 500

// sentRef remembers what a bot-sent message was about, so operator replies
// route to the right request or agent.
type sentRef struct {
	requestID string
	agentID   string
}

// TelegramChannel relays approval prompts and notifications to a single
// operator chat and feeds decisions back into the broker.
type TelegramChannel struct {
	token    string
	chatID   int64
	registry *registry.Registry
	mailbox  *mailbox.Mailbox
	modes    *mode.Controller
	eventBus *bus.Bus
	logger   *slog.Logger

	approvals Approvals
	startedAt time.Time

	botMu sync.RWMutex
	bot   *tgbotapi.BotAPI

	refMu     sync.Mutex
	byMessage map[int]sentRef    // bot message id -> what it was about
	byRequest map[string]int     // request id -> prompt message id
	prompts   map[string]string  // request id -> rendered prompt body
}

var _ Channel = (*TelegramChannel)(nil)
var _ broker.Messenger = (*TelegramChannel)(nil)

// Config wires the channel's collaborators.
type Config struct {
	Token    string
	ChatID   int64
	Registry *registry.Registry
	Mailbox  *mailbox.Mailbox
	Modes    *mode.Controller
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// NewTelegram creates the channel. SetApprovals must be called before Start.
func NewTelegram(cfg Config) *TelegramChannel {
	return &TelegramChannel{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		registry:  cfg.Registry,
		mailbox:   cfg.Mailbox,
		modes:     cfg.Modes,
		eventBus:  cfg.Bus,
		logger:    cfg.Logger,
		byMessage: map[int]sentRef{},
		byRequest: map[string]int{},
		prompts:   map[string]string{},
	}
}

// SetApprovals attaches the broker. The channel and the broker reference
// each other, so one side is wired after construction.
func (t *TelegramChannel) SetApprovals(a Approvals) {
	t.approvals = a
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.botMu.Lock()
	t.bot = bot
	t.startedAt = time.Now().UTC()
	t.botMu.Unlock()

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)
	if err := t.SendNotice(ctx, "🚀 hookbridge connected."); err != nil {
		t.logger.Warn("startup notice failed", "error", err)
	}

	go t.consumeResolutions(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if update.Message.Chat.ID != t.chatID {
					t.logger.Warn("telegram access denied", "chat_id", update.Message.Chat.ID)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if update.CallbackQuery.Message == nil || update.CallbackQuery.Message.Chat.ID != t.chatID {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		t.handleCommand(ctx, msg)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// A reply to one of our messages is a decision or an instruction for
	// that message's agent.
	if msg.ReplyToMessage != nil {
		t.refMu.Lock()
		ref, known := t.byMessage[msg.ReplyToMessage.MessageID]
		t.refMu.Unlock()
		if known {
			if ref.requestID != "" {
				err := t.approvals.Resolve(ref.requestID, broker.DecisionApprove, content)
				switch {
				case err == nil:
					t.reply(fmt.Sprintf("Approved %s with instructions.", ref.requestID))
				case errors.Is(err, broker.ErrRequestNotFound), errors.Is(err, broker.ErrAlreadyResolved):
					t.reply(fmt.Sprintf("Request %s was already handled.", ref.requestID))
				default:
					t.reply(fmt.Sprintf("Could not resolve %s: %v", ref.requestID, err))
				}
				return
			}
			t.mailbox.Enqueue(ref.agentID, content)
			t.reply(fmt.Sprintf("Queued for %s.", ref.agentID))
			return
		}
	}

	// Free text: optional @agent prefix, otherwise the default agent.
	agentID, text := splitAgentPrefix(content)
	if text == "" {
		return
	}
	t.mailbox.Enqueue(agentID, text)
	t.reply(fmt.Sprintf("Queued for %s.", agentID))
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		t.reply("hookbridge is running.\n" +
			"/status - bridge state\n" +
			"/agents - registered agents\n" +
			"/pending - pending approvals\n" +
			"/msg <agent> <text> - queue an instruction\n" +
			"/approve_all, /deny_all - sweep pending approvals\n" +
			"/mode <delegated|local|notify> - switch routing")
	case "status":
		t.reply(t.statusText())
	case "agents":
		agents := t.registry.List()
		if len(agents) == 0 {
			t.reply("No agents registered.")
			return
		}
		var b strings.Builder
		b.WriteString("Registered agents:\n")
		for _, a := range agents {
			line := fmt.Sprintf("- %s", a.ID)
			if a.DisplayName != "" && a.DisplayName != a.ID {
				line += fmt.Sprintf(" (%s)", a.DisplayName)
			}
			if a.AutoApprove {
				line += " [auto-approve]"
			}
			b.WriteString(line + "\n")
		}
		t.reply(b.String())
	case "pending":
		items := t.approvals.ListPending()
		if len(items) == 0 {
			t.reply("No pending approvals.")
			return
		}
		var b strings.Builder
		b.WriteString("Pending approvals:\n")
		for _, p := range items {
			b.WriteString(fmt.Sprintf("- %s [%s] %s (expires %s)\n",
				p.RequestID, p.AgentID, truncateAction(p.Action, 80),
				p.Deadline.Format("15:04:05")))
		}
		t.reply(b.String())
	case "msg":
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			t.reply("Usage: /msg <agent_id> <text>")
			return
		}
		t.mailbox.Enqueue(parts[0], strings.TrimSpace(parts[1]))
		t.reply(fmt.Sprintf("Queued for %s.", parts[0]))
	case "approve_all":
		n := t.approvals.ResolveAll(broker.DecisionApprove)
		t.reply(fmt.Sprintf("Approved %d pending request(s).", n))
	case "deny_all":
		n := t.approvals.ResolveAll(broker.DecisionDeny)
		t.reply(fmt.Sprintf("Denied %d pending request(s).", n))
	case "mode":
		if args == "" {
			t.reply(fmt.Sprintf("Mode: %s", t.modes.Get()))
			return
		}
		m, err := mode.Parse(args)
		if err != nil {
			t.reply(err.Error())
			return
		}
		t.modes.Set(m)
		t.logger.Info("mode switched by operator", "mode", string(m))
		t.reply(fmt.Sprintf("Mode set to %s.", m))
	default:
		t.reply(fmt.Sprintf("Unknown command /%s.", msg.Command()))
	}
}

func (t *TelegramChannel) statusText() string {
	depths := t.mailbox.Depths()
	queued := 0
	for _, d := range depths {
		queued += d
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", t.modes.Get())
	fmt.Fprintf(&b, "Agents: %d\n", t.registry.Count())
	fmt.Fprintf(&b, "Pending approvals: %d\n", t.approvals.PendingCount())
	fmt.Fprintf(&b, "Queued messages: %d\n", queued)
	t.botMu.RLock()
	started := t.startedAt
	t.botMu.RUnlock()
	if !started.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s", time.Since(started).Round(time.Second))
	}
	return b.String()
}

// handleCallbackQuery handles inline button clicks on approval prompts.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	requestID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}
	decision, err := broker.ParseDecision(action)
	if err != nil {
		t.logger.Warn("unknown callback action", "data", query.Data)
		return
	}

	ackText := "Processing..."
	if err := t.approvals.Resolve(requestID, decision, ""); err != nil {
		if errors.Is(err, broker.ErrRequestNotFound) || errors.Is(err, broker.ErrAlreadyResolved) {
			ackText = "Already handled."
		} else {
			ackText = fmt.Sprintf("Error: %v", err)
		}
	} else {
		switch decision {
		case broker.DecisionDeny:
			ackText = "Denied."
		case broker.DecisionApproveAll:
			ackText = "Approved, auto-approve on for this session."
		default:
			ackText = "Approved."
		}
	}

	ack := tgbotapi.NewCallback(query.ID, ackText)
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}

// consumeResolutions appends the outcome to the prompt message once a
// request settles, and drops the bookkeeping for it.
func (t *TelegramChannel) consumeResolutions(ctx context.Context) {
	sub := t.eventBus.Subscribe("approval.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			var requestID, verdict string
			switch p := ev.Payload.(type) {
			case bus.ApprovalResolved:
				requestID = p.RequestID
				if p.Approved {
					verdict = "✅ Approved"
				} else {
					verdict = "❌ Denied"
				}
				if p.Reason != "" {
					verdict += " (" + p.Reason + ")"
				}
			case bus.ApprovalTimeout:
				requestID = p.RequestID
				verdict = "⏰ Timed out, denied by default"
			default:
				continue
			}

			t.refMu.Lock()
			msgID, ok := t.byRequest[requestID]
			body := t.prompts[requestID]
			if ok {
				delete(t.byRequest, requestID)
				delete(t.prompts, requestID)
				delete(t.byMessage, msgID)
			}
			t.refMu.Unlock()
			if !ok {
				continue
			}
			t.editMessage(msgID, body+"\n\n"+verdict)
		}
	}
}

// SendPrompt implements broker.Messenger.
func (t *TelegramChannel) SendPrompt(_ context.Context, p broker.Prompt) error {
	bot := t.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram not connected")
	}

	name := p.AgentName
	if name == "" {
		name = p.AgentID
	}
	body := formatPrompt(name, p)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", fmt.Sprintf("appr:%s:approve", p.RequestID)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", fmt.Sprintf("appr:%s:deny", p.RequestID)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve all (session)", fmt.Sprintf("appr:%s:all", p.RequestID)),
		),
	)

	msg := tgbotapi.NewMessage(t.chatID, escapeMarkdownV2(body))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	sent, err := bot.Send(msg)
	if err != nil {
		// Markdown rejections fall back to plain text so the operator
		// always sees the prompt.
		plain := tgbotapi.NewMessage(t.chatID, body)
		plain.ReplyMarkup = keyboard
		sent, err = bot.Send(plain)
		if err != nil {
			return fmt.Errorf("send prompt: %w", err)
		}
	}

	t.refMu.Lock()
	t.byMessage[sent.MessageID] = sentRef{requestID: p.RequestID, agentID: p.AgentID}
	t.byRequest[p.RequestID] = sent.MessageID
	t.prompts[p.RequestID] = body
	t.refMu.Unlock()
	return nil
}

// SendNotification implements broker.Messenger.
func (t *TelegramChannel) SendNotification(_ context.Context, agentID, agentName, kind, payload string) error {
	bot := t.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	if agentName == "" {
		agentName = agentID
	}
	body := fmt.Sprintf("%s %s\n%s", kindEmoji(kind), agentName, payload)

	msg := tgbotapi.NewMessage(t.chatID, escapeMarkdownV2(body))
	msg.ParseMode = "MarkdownV2"
	sent, err := bot.Send(msg)
	if err != nil {
		plain := tgbotapi.NewMessage(t.chatID, body)
		sent, err = bot.Send(plain)
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
	}

	// Replies to a notification queue instructions for its agent.
	t.refMu.Lock()
	t.byMessage[sent.MessageID] = sentRef{agentID: agentID}
	t.refMu.Unlock()
	return nil
}

// SendNotice implements broker.Messenger.
func (t *TelegramChannel) SendNotice(_ context.Context, text string) error {
	bot := t.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

func (t *TelegramChannel) currentBot() *tgbotapi.BotAPI {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) reply(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) editMessage(messageID int, text string) {
	bot := t.currentBot()
	if bot == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(t.chatID, messageID, text)
	if _, err := bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}

// formatPrompt renders the decision prompt body (before markdown escaping).
func formatPrompt(agentName string, p broker.Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 Approval required\n")
	fmt.Fprintf(&b, "Agent: %s\n\n", agentName)
	fmt.Fprintf(&b, "%s\n", truncateAction(p.Action, maxActionChars))
	if len(p.Instructions) > 0 {
		b.WriteString("\nQueued instructions:\n")
		for _, in := range p.Instructions {
			fmt.Fprintf(&b, "- %s\n", in)
		}
	}
	fmt.Fprintf(&b, "\nRequest %s, times out in %s (deny).", p.RequestID, p.Timeout.Round(time.Second))
	return b.String()
}

// truncateAction bounds action text for display.
func truncateAction(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// kindEmoji maps a notification kind to its marker.
func kindEmoji(kind string) string {
	switch strings.ToLower(kind) {
	case "success":
		return "✅"
	case "warning":
		return "⚠️"
	case "error":
		return "🚨"
	case "task_complete":
		return "🏁"
	default:
		return "ℹ️"
	}
}

// splitAgentPrefix parses an optional @agent routing prefix from operator
// free text.
func splitAgentPrefix(content string) (agentID, text string) {
	if strings.HasPrefix(content, "@") {
		parts := strings.SplitN(content, " ", 2)
		agentID = strings.TrimPrefix(parts[0], "@")
		if len(parts) > 1 {
			return agentID, strings.TrimSpace(parts[1])
		}
		return agentID, ""
	}
	return shared.DefaultAgentID, content
}

// parseApprovalCallback parses inline button data.
// Format: appr:requestID:action
func parseApprovalCallback(data string) (requestID, action string, err error) {
	data = strings.TrimSpace(data)

	if !strings.HasPrefix(data, "appr:") {
		return "", "", fmt.Errorf("not an approval callback")
	}
	remaining := data[len("appr:"):]

	parts := strings.SplitN(remaining, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	requestID = parts[0]
	action = parts[1]

	if requestID == "" || action == "" {
		return "", "", fmt.Errorf("requestID and action required")
	}
	return requestID, action, nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	specialChars := "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.ContainsAny(string(c), specialChars) {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
