package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/payments"
	"vigilo/internal/report"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// requireAdmin guards an admin command, replying when the caller lacks the
// role. Returns false when handling should stop.
func (b *Bot) requireAdmin(ctx context.Context, msg *tgbotapi.Message) bool {
	if b.isAdmin(ctx, msg.From.ID) {
		return true
	}
	b.reply(msg.Chat.ID, "That command is for moderators.")
	return false
}

func (b *Bot) handleApprove(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /approve <report id>")
		return
	}
	b.reviewTask(ctx, msg.From.ID, msg.Chat.ID, id, true)
}

func (b *Bot) handleReject(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /reject <report id>")
		return
	}
	b.reviewTask(ctx, msg.From.ID, msg.Chat.ID, id, false)
}

// callbackReview handles the approve/reject buttons attached to review
// notifications. Data is "app:<taskID>" or "rej:<taskID>".
func (b *Bot) callbackReview(ctx context.Context, userID, chatID int64, data string) {
	verdict, taskID, ok := strings.Cut(data, ":")
	if !ok {
		return
	}
	if !b.isAdmin(ctx, userID) {
		b.reply(chatID, "Only moderators can review reports.")
		return
	}
	b.reviewTask(ctx, userID, chatID, taskID, verdict == "app")
}

func (b *Bot) reviewTask(ctx context.Context, reviewerID, chatID int64, taskID string, approve bool) {
	var (
		task *report.ReportTask
		err  error
	)
	if approve {
		task, err = b.reports.Approve(ctx, reviewerID, taskID)
	} else {
		task, err = b.reports.Reject(ctx, reviewerID, taskID)
	}

	switch {
	case err == nil:
		verb := "rejected"
		if approve {
			verb = "approved"
		}
		b.reply(chatID, fmt.Sprintf("Report %s %s.", task.ID, verb))
	case errors.Is(err, report.ErrTaskNotFound):
		b.reply(chatID, "No report with that id.")
	case errors.Is(err, report.ErrStateConflict):
		b.reply(chatID, "That report is not in a reviewable state.")
	default:
		log.Error().Err(err).Str("task_id", taskID).Msg("review failed")
		b.reply(chatID, "Review failed, please try again.")
	}
}

func (b *Bot) handlePending(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}

	tasks, err := b.reports.ListByState(ctx, report.StateCompleted, b.cfg.ReportsPerPage)
	if err != nil {
		log.Error().Err(err).Msg("failed to list completed tasks")
		b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}
	if len(tasks) == 0 {
		b.reply(msg.Chat.ID, "Nothing awaiting review.")
		return
	}

	for _, t := range tasks {
		b.replyWithKeyboard(msg.Chat.ID,
			fmt.Sprintf("%s\nby user %d, %d attempt(s)", describeTask(&t), t.UserID, t.Attempts),
			reviewKeyboard(t.ID))
	}
}

func (b *Bot) handleAccounts(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}

	list, err := b.pool.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list accounts")
		b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}
	if len(list) == 0 {
		b.reply(msg.Chat.ID, "No reporting accounts. Add one with /addaccount <id> <sessionRef>.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Reporting accounts:\n\n")
	for _, a := range list {
		fmt.Fprintf(&sb, "%s  [%s]", a.ID, a.Status)
		switch a.Status {
		case accounts.StatusCooling:
			fmt.Fprintf(&sb, " until %s", a.CooldownUntil.Format("15:04:05"))
		case accounts.StatusDisabled, accounts.StatusBanned:
			if a.StatusReason != "" {
				fmt.Fprintf(&sb, " (%s)", a.StatusReason)
			}
		}
		fmt.Fprintf(&sb, "\n  window %d, failures %d", a.WindowCount, a.ConsecutiveFailures)
		if !a.LastUsedAt.IsZero() {
			fmt.Fprintf(&sb, ", last used %s", a.LastUsedAt.Format("Jan 02 15:04"))
		}
		sb.WriteString("\n")
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) handleAddAccount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		b.reply(msg.Chat.ID, "Usage: /addaccount <id> <sessionRef>")
		return
	}

	acct, err := b.pool.Add(ctx, args[0], args[1])
	if err != nil {
		if errors.Is(err, accounts.ErrAccountExists) {
			b.reply(msg.Chat.ID, "An account with that id already exists.")
			return
		}
		log.Error().Err(err).Str("account_id", args[0]).Msg("failed to add account")
		b.reply(msg.Chat.ID, "Couldn't add that account: "+err.Error())
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Account %s added and active.", acct.ID))
}

func (b *Bot) handleDelAccount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /delaccount <id>")
		return
	}

	if err := b.pool.Remove(ctx, id); err != nil {
		b.replyAccountError(msg.Chat.ID, id, err, "remove")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Account %s removed.", id))
}

func (b *Bot) handleDisableAccount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		b.reply(msg.Chat.ID, "Usage: /disableaccount <id> [reason]")
		return
	}
	reason := strings.Join(args[1:], " ")

	if err := b.pool.Disable(ctx, args[0], reason); err != nil {
		b.replyAccountError(msg.Chat.ID, args[0], err, "disable")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Account %s disabled.", args[0]))
}

func (b *Bot) handleEnableAccount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /enableaccount <id>")
		return
	}

	if err := b.pool.Enable(ctx, id); err != nil {
		b.replyAccountError(msg.Chat.ID, id, err, "enable")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Account %s active.", id))
}

func (b *Bot) replyAccountError(chatID int64, accountID string, err error, action string) {
	if errors.Is(err, accounts.ErrAccountNotFound) {
		b.reply(chatID, "No account with that id.")
		return
	}
	log.Error().Err(err).Str("account_id", accountID).Msgf("failed to %s account", action)
	b.reply(chatID, fmt.Sprintf("Couldn't %s that account: %s", action, err))
}

func (b *Bot) handleGrant(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		b.reply(msg.Chat.ID, "Usage: /grant <userID> <amount>")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(msg.Chat.ID, "That user id is not a number.")
		return
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount == 0 {
		b.reply(msg.Chat.ID, "The amount must be a non-zero number (negative deducts).")
		return
	}

	if _, err := b.ledger.EnsureUser(ctx, userID, ""); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to ensure grant target")
		b.reply(msg.Chat.ID, "Couldn't load that user.")
		return
	}
	balance, err := b.ledger.Credit(ctx, userID, amount, fmt.Sprintf("grant by %d", msg.From.ID))
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("grant failed")
		b.reply(msg.Chat.ID, "Grant failed, please try again.")
		return
	}

	b.reply(msg.Chat.ID, fmt.Sprintf("Granted %+d token(s) to %d. New balance: %d.", amount, userID, balance))
	b.reply(userID, fmt.Sprintf("You received %+d token(s). Your balance is now %d.", amount, balance))
}

func (b *Bot) handleConfirmPay(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /confirmpay <purchase id>")
		return
	}

	purchase, err := b.payments.Confirm(ctx, msg.From.ID, id)
	switch {
	case err == nil:
		b.reply(msg.Chat.ID, fmt.Sprintf("Purchase %s confirmed: %d tokens credited to %d.",
			purchase.ID, purchase.Tokens, purchase.UserID))
		b.reply(purchase.UserID, fmt.Sprintf("Payment confirmed - %d tokens added to your balance.", purchase.Tokens))
	case errors.Is(err, payments.ErrPurchaseNotFound):
		b.reply(msg.Chat.ID, "No purchase with that id.")
	case errors.Is(err, payments.ErrPurchaseSettled):
		b.reply(msg.Chat.ID, "That purchase is already settled.")
	default:
		log.Error().Err(err).Str("purchase_id", id).Msg("confirm failed")
		b.reply(msg.Chat.ID, "Confirmation failed, please try again.")
	}
}

func (b *Bot) handleStats(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}

	var sb strings.Builder
	sb.WriteString("vigilo stats\n\n")

	if counts, err := b.reports.CountsByState(ctx); err == nil {
		sb.WriteString("Reports:\n")
		for _, state := range report.AllStates() {
			if n := counts[string(state)]; n > 0 {
				fmt.Fprintf(&sb, "  %s: %d\n", state, n)
			}
		}
	}
	fmt.Fprintf(&sb, "Queue depth: %d\n", b.reports.QueueDepth())

	if list, err := b.pool.List(ctx); err == nil {
		byStatus := map[accounts.Status]int{}
		for _, a := range list {
			byStatus[a.Status]++
		}
		fmt.Fprintf(&sb, "Accounts: %d total", len(list))
		for _, st := range []accounts.Status{accounts.StatusActive, accounts.StatusCooling, accounts.StatusDisabled, accounts.StatusBanned} {
			if n := byStatus[st]; n > 0 {
				fmt.Fprintf(&sb, ", %d %s", n, st)
			}
		}
		sb.WriteString("\n")
	}

	if n, err := b.ledger.UserCount(ctx); err == nil {
		fmt.Fprintf(&sb, "Users: %d\n", n)
	}
	if pending, err := b.payments.ListPending(ctx, 0); err == nil {
		fmt.Fprintf(&sb, "Pending purchases: %d\n", len(pending))
	}
	fmt.Fprintf(&sb, "Time: %s", time.Now().Format(time.RFC3339))

	b.reply(msg.Chat.ID, sb.String())
}

func reviewKeyboard(taskID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "adm:app:"+taskID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "adm:rej:"+taskID),
		),
	)
}
