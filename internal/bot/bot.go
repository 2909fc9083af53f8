// Package bot implements the Telegram surface: user commands for submitting
// and tracking reports and buying tokens, the admin command set, and the
// notifier that messages requesters when their reports reach a terminal
// state.
package bot

import (
	"context"
	"strings"
	"sync"

	"vigilo/internal/accounts"
	"vigilo/internal/events"
	"vigilo/internal/ledger"
	"vigilo/internal/metrics"
	"vigilo/internal/payments"
	"vigilo/internal/policy"
	"vigilo/internal/report"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// API is the slice of the Telegram client the bot uses. Satisfied by
// *tgbotapi.BotAPI; tests substitute a recording fake.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config represents the bot surface settings
type Config struct {
	// ReportChannelID receives completed-report posts when non-zero.
	ReportChannelID int64
	// ReportsPerPage sizes /history pages.
	ReportsPerPage int
	// NotifyAdminIDs are messaged when a user claims a purchase as paid.
	NotifyAdminIDs []int64
}

// Bot routes Telegram updates to the engine services.
type Bot struct {
	api      API
	ledger   *ledger.Ledger
	policy   *policy.Resolver
	reports  *report.Service
	pool     *accounts.Pool
	payments *payments.Service
	hub      *events.Hub
	cfg      Config

	// pending holds, per chat, a report target waiting for its category
	// to be picked from the inline keyboard.
	mu      sync.Mutex
	pending map[int64]pendingReport

	wg sync.WaitGroup
}

type pendingReport struct {
	Target report.Target
}

// New creates the bot. Run must be called before updates flow.
func New(api API, led *ledger.Ledger, pol *policy.Resolver, reports *report.Service, pool *accounts.Pool, pay *payments.Service, hub *events.Hub, cfg Config) *Bot {
	if cfg.ReportsPerPage <= 0 {
		cfg.ReportsPerPage = 10
	}
	return &Bot{
		api:      api,
		ledger:   led,
		policy:   pol,
		reports:  reports,
		pool:     pool,
		payments: pay,
		hub:      hub,
		cfg:      cfg,
		pending:  make(map[int64]pendingReport),
	}
}

// Run starts the update loop and the notifier and returns immediately.
// Both exit when ctx is cancelled or the update stream closes.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.handleUpdate(ctx, update)
			}
		}
	}()

	b.runNotifier(ctx)
	log.Info().Msg("bot started")
}

// Stop halts the long poll and waits for both loops to drain.
func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	metrics.BotCommandsTotal.WithLabelValues(cmd).Inc()
	log.Debug().Str("command", cmd).Int64("user_id", msg.From.ID).Msg("bot command")

	switch cmd {
	case "start":
		b.handleStart(ctx, msg)
	case "help":
		b.handleHelp(ctx, msg)
	case "report":
		b.handleReport(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(ctx, msg)
	case "history":
		b.handleHistory(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	case "approve":
		b.handleApprove(ctx, msg)
	case "reject":
		b.handleReject(ctx, msg)
	case "pending":
		b.handlePending(ctx, msg)
	case "accounts":
		b.handleAccounts(ctx, msg)
	case "addaccount":
		b.handleAddAccount(ctx, msg)
	case "delaccount":
		b.handleDelAccount(ctx, msg)
	case "disableaccount":
		b.handleDisableAccount(ctx, msg)
	case "enableaccount":
		b.handleEnableAccount(ctx, msg)
	case "grant":
		b.handleGrant(ctx, msg)
	case "confirmpay":
		b.handleConfirmPay(ctx, msg)
	case "stats":
		b.handleStats(ctx, msg)
	default:
		b.reply(msg.Chat.ID, "Unknown command. See /help.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Ack first so the client stops its spinner even if handling fails.
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		log.Warn().Err(err).Msg("failed to ack callback query")
	}
	if query.Message == nil || query.From == nil {
		return
	}

	data := query.Data
	chatID := query.Message.Chat.ID
	switch {
	case strings.HasPrefix(data, "cat:"):
		b.callbackCategory(ctx, query.From.ID, chatID, strings.TrimPrefix(data, "cat:"))
	case strings.HasPrefix(data, "pkg:"):
		b.callbackPackage(ctx, chatID, strings.TrimPrefix(data, "pkg:"))
	case strings.HasPrefix(data, "buy:"):
		b.callbackBuy(ctx, query.From.ID, chatID, strings.TrimPrefix(data, "buy:"))
	case strings.HasPrefix(data, "paid:"):
		b.callbackPaid(ctx, query.From.ID, chatID, strings.TrimPrefix(data, "paid:"))
	case strings.HasPrefix(data, "adm:"):
		b.callbackReview(ctx, query.From.ID, chatID, strings.TrimPrefix(data, "adm:"))
	default:
		log.Debug().Str("data", data).Msg("unhandled callback data")
	}
}

// reply sends a plain text message, logging rather than propagating send
// failures.
func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (b *Bot) replyWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

// isAdmin resolves the caller's effective role and checks it against the
// admin minimum. Unknown users count as normal.
func (b *Bot) isAdmin(ctx context.Context, userID int64) bool {
	stored := policy.RoleNormal
	if user, err := b.ledger.GetUser(ctx, userID); err == nil {
		stored = user.Role
	}
	return b.policy.Require(b.policy.ResolveRole(userID, stored), policy.RoleAdmin) == nil
}

func (b *Bot) setPending(chatID int64, target report.Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[chatID] = pendingReport{Target: target}
}

func (b *Bot) takePending(chatID int64) (pendingReport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[chatID]
	if ok {
		delete(b.pending, chatID)
	}
	return p, ok
}
