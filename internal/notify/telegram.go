// Package notify pushes operator alerts and serves the Telegram control
// surface.
//
// The Notifier queues outbound messages and sends them with per-chat rate
// spacing so alert bursts never trip Telegram limits. The CommandBot
// long-polls for operator commands (/status, /pnl, /kill, /pause,
// /resume) and answers only the configured chat. Both degrade to no-ops
// when Telegram is not configured so the trading loop never depends on
// it.
package notify

import (
	"context"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/0xtitan6/polytrader/internal/config"
)

// Telegram allows roughly one message per second per chat.
const sendInterval = 1100 * time.Millisecond

// queueCap bounds the outbound buffer. Alerts beyond it are dropped, not
// blocked on, so a Telegram outage cannot stall a trading goroutine.
const queueCap = 200

// Notifier is the outbound alert channel. All methods are safe for
// concurrent use and never block the caller.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	dedup  time.Duration
	queue  chan string
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewNotifier connects the alert channel. Missing credentials or a failed
// connect degrade it to a no-op instead of stopping the bot.
func NewNotifier(cfg config.TelegramConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{
		chatID: cfg.ChatID,
		dedup:  cfg.DedupWindow,
		queue:  make(chan string, queueCap),
		recent: make(map[string]time.Time),
		logger: logger.With("component", "telegram"),
	}
	if !cfg.Enabled || cfg.BotToken.Empty() || cfg.ChatID == 0 {
		n.logger.Info("telegram notifier disabled")
		return n
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken.Reveal())
	if err != nil {
		n.logger.Error("telegram connect failed, alerts disabled", "error", err)
		return n
	}
	n.api = api
	n.logger.Info("telegram notifier connected", "username", api.Self.UserName)
	return n
}

// Enabled reports whether alerts will actually be delivered.
func (n *Notifier) Enabled() bool { return n.api != nil }

// Notify queues a plain-text operator alert. It satisfies the NotifyFunc
// hooks of the order manager, position manager, kill switch, and
// strategies.
func (n *Notifier) Notify(text string) {
	n.enqueue(html.EscapeString(text))
}

// DailySummary pushes the end-of-day portfolio summary as a fixed-width
// block.
func (n *Notifier) DailySummary(summary string) {
	n.enqueue("<b>Daily P&amp;L Summary</b>\n<pre>" + html.EscapeString(summary) + "</pre>")
}

// Run sends queued messages until ctx is cancelled, then flushes whatever
// is still queued so alerts raised during shutdown still land.
func (n *Notifier) Run(ctx context.Context) {
	if n.api == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case text := <-n.queue:
			n.send(text)
			select {
			case <-ctx.Done():
				n.drain()
				return
			case <-time.After(sendInterval):
			}
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case text := <-n.queue:
			n.send(text)
		default:
			return
		}
	}
}

func (n *Notifier) enqueue(text string) {
	if n.api == nil {
		return
	}
	if n.suppressed(text) {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("notification queue full, dropping", "preview", preview(text))
	}
}

// suppressed drops a message identical to one queued within the dedup
// window. Repeating alerts (stale feed warnings, retry failures) collapse
// to one push per window.
func (n *Notifier) suppressed(text string) bool {
	if n.dedup <= 0 {
		return false
	}
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.recent[text]; ok && now.Sub(last) < n.dedup {
		return true
	}
	if len(n.recent) >= 256 {
		for k, at := range n.recent {
			if now.Sub(at) >= n.dedup {
				delete(n.recent, k)
			}
		}
	}
	n.recent[text] = now
	return false
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("telegram send failed", "error", err, "preview", preview(text))
	}
}

func preview(text string) string {
	if len(text) > 60 {
		return text[:60]
	}
	return text
}

// Commands are the control-surface actions the bot can trigger. Status,
// PnL, and Kill return the reply text; Pause and Resume take an optional
// strategy name, empty meaning all.
type Commands struct {
	Status func(ctx context.Context) (string, error)
	PnL    func(ctx context.Context) (string, error)
	Kill   func(ctx context.Context) (string, error)
	Pause  func(name string) string
	Resume func(name string) string
}

// CommandBot answers operator commands from the configured chat. Commands
// from any other chat are ignored without a reply.
type CommandBot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	cmds   Commands
	logger *slog.Logger
}

// NewCommandBot connects the command listener. Like the Notifier it
// degrades to a no-op when Telegram is not configured.
func NewCommandBot(cfg config.TelegramConfig, cmds Commands, logger *slog.Logger) *CommandBot {
	b := &CommandBot{
		chatID: cfg.ChatID,
		cmds:   cmds,
		logger: logger.With("component", "telegram"),
	}
	if !cfg.Enabled || cfg.BotToken.Empty() || cfg.ChatID == 0 {
		b.logger.Info("telegram commands disabled")
		return b
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken.Reveal())
	if err != nil {
		b.logger.Error("telegram connect failed, commands disabled", "error", err)
		return b
	}
	b.api = api
	return b
}

// Run polls for commands until ctx is cancelled. Updates that queued up
// while the bot was offline are skipped so a restart does not replay old
// kill or pause commands.
func (b *CommandBot) Run(ctx context.Context) {
	if b.api == nil {
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	if pending, err := b.api.GetUpdates(tgbotapi.UpdateConfig{Offset: -1}); err == nil && len(pending) > 0 {
		u.Offset = pending[len(pending)-1].UpdateID + 1
	}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram command bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handle(ctx, update.Message)
		}
	}
}

func (b *CommandBot) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != b.chatID {
		b.logger.Debug("ignoring command from unknown chat")
		return
	}

	arg := ""
	if fields := strings.Fields(msg.CommandArguments()); len(fields) > 0 {
		arg = fields[0]
	}

	switch msg.Command() {
	case "status":
		b.replyPre(ctx, b.cmds.Status)
	case "pnl":
		b.replyPre(ctx, b.cmds.PnL)
	case "kill":
		if !strings.EqualFold(arg, "confirm") {
			b.reply("<b>Kill Switch</b>\n\nThis will cancel ALL open orders and halt ALL trading.\n\nTo confirm, send: <code>/kill confirm</code>")
			return
		}
		if b.cmds.Kill == nil {
			b.reply("Kill handler not configured.")
			return
		}
		text, err := b.cmds.Kill(ctx)
		if err != nil {
			b.reply("Error: " + html.EscapeString(err.Error()))
			return
		}
		b.reply(html.EscapeString(text))
	case "pause":
		if b.cmds.Pause == nil {
			b.reply("Pause handler not configured.")
			return
		}
		b.reply(html.EscapeString(b.cmds.Pause(arg)))
	case "resume":
		if b.cmds.Resume == nil {
			b.reply("Resume handler not configured.")
			return
		}
		b.reply(html.EscapeString(b.cmds.Resume(arg)))
	case "help":
		b.reply(helpText)
	default:
		b.reply("Unknown command. Use /help for available commands.")
	}
}

const helpText = "<b>Commands</b>\n\n" +
	"/status - portfolio value, open positions, strategies\n" +
	"/pnl - today's P&amp;L with per-strategy breakdown\n" +
	"/kill confirm - cancel all orders and halt trading\n" +
	"/pause [strategy] - pause one or all strategies\n" +
	"/resume [strategy] - resume strategies; bare /resume also clears the kill switch\n" +
	"/help - this message"

// replyPre answers with the handler's text as a fixed-width block, the
// format both summaries are aligned for.
func (b *CommandBot) replyPre(ctx context.Context, fn func(context.Context) (string, error)) {
	if fn == nil {
		b.reply("Handler not configured.")
		return
	}
	text, err := fn(ctx)
	if err != nil {
		b.reply("Error: " + html.EscapeString(err.Error()))
		return
	}
	b.reply("<pre>" + html.EscapeString(text) + "</pre>")
}

func (b *CommandBot) reply(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("telegram reply failed", "error", err)
	}
}
