package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vigilo/internal/ledger"
	"vigilo/internal/payments"
	"vigilo/internal/policy"
	"vigilo/internal/report"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const helpText = `Commands:
/report <target> <category> [comment] - submit a report
/report <target> - submit a report, picking the category from a keyboard
/balance - your token balance
/buy - buy token packages
/history [page] - your past reports
/status <id> - check one report
/help - this message

Targets: @username, t.me link or numeric id.
Categories: ` + "%s"

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ledger.EnsureUser(ctx, msg.From.ID, msg.From.UserName)
	if err != nil {
		log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to register user")
		b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}

	b.reply(msg.Chat.ID, fmt.Sprintf(
		"Welcome to vigilo.\n\nYour balance: %d token(s).\nSubmit a report with /report, see /help for everything else.",
		user.Balance))
}

func (b *Bot) handleHelp(_ context.Context, msg *tgbotapi.Message) {
	b.reply(msg.Chat.ID, fmt.Sprintf(helpText, strings.Join(report.Categories, ", ")))
}

func (b *Bot) handleReport(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		b.reply(msg.Chat.ID, "Usage: /report <target> <category> [comment]\nOr just /report <target> to pick the category from a keyboard.")
		return
	}

	target := report.Target{Kind: inferTargetKind(args[0]), Ref: args[0]}
	if !report.ValidTargetRef(target.Ref) {
		b.reply(msg.Chat.ID, fmt.Sprintf("%q is not a @username, t.me link or numeric id.", target.Ref))
		return
	}

	if len(args) == 1 {
		b.setPending(msg.Chat.ID, target)
		b.replyWithKeyboard(msg.Chat.ID, fmt.Sprintf("Reporting %s. Pick a category:", target.Ref), categoryKeyboard())
		return
	}

	req := report.SubmitRequest{
		UserID:  msg.From.ID,
		Target:  target,
		Reason:  args[1],
		Comment: strings.Join(args[2:], " "),
	}
	b.submitReport(ctx, msg.Chat.ID, req)
}

// callbackCategory completes a /report that was waiting on a category pick.
func (b *Bot) callbackCategory(ctx context.Context, userID, chatID int64, category string) {
	pending, ok := b.takePending(chatID)
	if !ok {
		b.reply(chatID, "That report request expired. Start again with /report.")
		return
	}

	b.submitReport(ctx, chatID, report.SubmitRequest{
		UserID: userID,
		Target: pending.Target,
		Reason: category,
	})
}

func (b *Bot) submitReport(ctx context.Context, chatID int64, req report.SubmitRequest) {
	task, err := b.reports.Submit(ctx, req)
	if err != nil {
		b.reply(chatID, submitErrorText(err))
		return
	}

	b.reply(chatID, fmt.Sprintf(
		"Report accepted.\nID: %s\nTarget: %s (%s)\nCategory: %s\n\nCheck progress with /status %s",
		task.ID, task.Target.Ref, task.Target.Kind, task.Reason, task.ID))
}

// submitErrorText maps admission errors to user-facing text.
func submitErrorText(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "You don't have enough tokens. Buy more with /buy."
	case errors.Is(err, policy.ErrRateLimitExceeded):
		return "You've hit the daily report cap. Try again later."
	case errors.Is(err, report.ErrValidation):
		return "That submission isn't valid: " + strings.TrimSuffix(err.Error(), ": validation error")
	default:
		return "Something went wrong, please try again."
	}
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ledger.EnsureUser(ctx, msg.From.ID, msg.From.UserName)
	if err != nil {
		log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to load balance")
		b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Balance: %d token(s).", user.Balance))
}

func (b *Bot) handleBuy(_ context.Context, msg *tgbotapi.Message) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, pkg := range payments.Catalog() {
		label := fmt.Sprintf("%s - %d tokens (Rs %d / %d Stars)", pkg.Title, pkg.Tokens, pkg.PriceINR, pkg.PriceStars)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "pkg:"+pkg.ID),
		))
	}
	b.replyWithKeyboard(msg.Chat.ID, "Pick a token package:", tgbotapi.NewInlineKeyboardMarkup(rows...))
}

// callbackPackage asks for the payment method once a package is picked.
func (b *Bot) callbackPackage(_ context.Context, chatID int64, packageID string) {
	pkg, ok := payments.PackageByID(packageID)
	if !ok {
		b.reply(chatID, "That package is no longer available.")
		return
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("UPI (Rs %d)", pkg.PriceINR), "buy:"+pkg.ID+":upi"),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Stars (%d)", pkg.PriceStars), "buy:"+pkg.ID+":stars"),
		),
	)
	b.replyWithKeyboard(chatID, fmt.Sprintf("%s: %d tokens. How do you want to pay?", pkg.Title, pkg.Tokens), kb)
}

// callbackBuy opens a purchase and sends payment instructions.
func (b *Bot) callbackBuy(ctx context.Context, userID, chatID int64, data string) {
	packageID, methodStr, ok := strings.Cut(data, ":")
	if !ok {
		return
	}
	method := payments.Method(methodStr)

	purchase, err := b.payments.Begin(ctx, userID, packageID, method)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Str("package", packageID).Msg("failed to begin purchase")
		b.reply(chatID, "Couldn't start that purchase, please try again.")
		return
	}

	paidKb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("I have paid", "paid:"+purchase.ID),
		),
	)

	switch method {
	case payments.MethodUPI:
		link, err := b.payments.UPILink(purchase)
		if err != nil {
			log.Error().Err(err).Str("purchase_id", purchase.ID).Msg("failed to build UPI link")
			b.reply(chatID, "UPI payments are not configured right now.")
			return
		}
		png, err := payments.QRPNG(link, 512)
		if err != nil {
			log.Error().Err(err).Str("purchase_id", purchase.ID).Msg("failed to render QR code")
			b.reply(chatID, "Couldn't render the payment QR, please try again.")
			return
		}

		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "payment.png", Bytes: png})
		photo.Caption = fmt.Sprintf(
			"Scan to pay Rs %d for %d tokens.\n\n%s\n\nPurchase ID: %s\nTap the button once you've paid.",
			purchase.PriceINR, purchase.Tokens, link, purchase.ID)
		photo.ReplyMarkup = paidKb
		if _, err := b.api.Send(photo); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send payment QR")
		}

	case payments.MethodStars:
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf(
			"Send %d Telegram Stars for %d tokens.\n\nPurchase ID: %s\nStars transfers are verified manually; tap the button once you've sent them.",
			purchase.PriceStars, purchase.Tokens, purchase.ID))
		msg.ReplyMarkup = paidKb
		if _, err := b.api.Send(msg); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send Stars instructions")
		}
	}
}

// callbackPaid relays a paid claim to the admins for verification.
func (b *Bot) callbackPaid(ctx context.Context, userID, chatID int64, purchaseID string) {
	purchase, err := b.payments.GetPurchase(ctx, purchaseID)
	if err != nil {
		b.reply(chatID, "That purchase doesn't exist any more.")
		return
	}
	if purchase.UserID != userID {
		return
	}
	if purchase.State != payments.PurchasePending {
		b.reply(chatID, "That purchase is already settled.")
		return
	}

	for _, adminID := range b.cfg.NotifyAdminIDs {
		b.reply(adminID, fmt.Sprintf(
			"Payment claimed: purchase %s\nUser: %d\nPackage: %s (%d tokens, Rs %d / %d Stars, via %s)\n\nVerify and run /confirmpay %s",
			purchase.ID, purchase.UserID, purchase.PackageID, purchase.Tokens,
			purchase.PriceINR, purchase.PriceStars, purchase.Method, purchase.ID))
	}
	b.reply(chatID, "Thanks - an admin will verify the payment and credit your tokens.")
}

func (b *Bot) handleHistory(ctx context.Context, msg *tgbotapi.Message) {
	page := 1
	if arg := strings.TrimSpace(msg.CommandArguments()); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			b.reply(msg.Chat.ID, "Usage: /history [page]")
			return
		}
		page = n
	}

	perPage := b.cfg.ReportsPerPage
	tasks, err := b.reports.ListByUser(ctx, msg.From.ID, perPage, (page-1)*perPage)
	if err != nil {
		log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to list reports")
		b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		return
	}
	if len(tasks) == 0 {
		if page == 1 {
			b.reply(msg.Chat.ID, "No reports yet. Submit one with /report.")
		} else {
			b.reply(msg.Chat.ID, fmt.Sprintf("No reports on page %d.", page))
		}
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Your reports (page %d):\n\n", page)
	for _, t := range tasks {
		fmt.Fprintf(&sb, "%s  %s\n  %s - %s\n", t.CreatedAt.Format("Jan 02 15:04"), stateLine(&t), t.Target.Ref, t.Reason)
	}
	if len(tasks) == perPage {
		fmt.Fprintf(&sb, "\nMore: /history %d", page+1)
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		b.reply(msg.Chat.ID, "Usage: /status <report id>")
		return
	}

	task, err := b.reports.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, report.ErrTaskNotFound) {
			b.reply(msg.Chat.ID, "No report with that id.")
		} else {
			log.Error().Err(err).Str("task_id", id).Msg("failed to load task")
			b.reply(msg.Chat.ID, "Something went wrong, please try again.")
		}
		return
	}
	if task.UserID != msg.From.ID && !b.isAdmin(ctx, msg.From.ID) {
		b.reply(msg.Chat.ID, "No report with that id.")
		return
	}

	b.reply(msg.Chat.ID, describeTask(task))
}

// inferTargetKind guesses the target kind from the reference shape: invite
// links are groups, other t.me links channels, everything else a user.
func inferTargetKind(ref string) report.TargetKind {
	switch {
	case strings.Contains(ref, "t.me/+"):
		return report.TargetGroup
	case strings.Contains(ref, "t.me/"):
		return report.TargetChannel
	default:
		return report.TargetUser
	}
}

func categoryKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, c := range report.Categories {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(c, "cat:"+c))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func describeTask(t *report.ReportTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Report %s\n", t.ID)
	fmt.Fprintf(&sb, "Target: %s (%s)\n", t.Target.Ref, t.Target.Kind)
	fmt.Fprintf(&sb, "Category: %s\n", t.Reason)
	if t.Comment != "" {
		fmt.Fprintf(&sb, "Comment: %s\n", t.Comment)
	}
	fmt.Fprintf(&sb, "Submitted: %s\n", t.CreatedAt.Format("Jan 02 2006 15:04"))
	fmt.Fprintf(&sb, "Status: %s", stateLine(t))
	return sb.String()
}

// stateLine renders one task state for user-facing listings.
func stateLine(t *report.ReportTask) string {
	switch t.State {
	case report.StateQueued:
		return "queued"
	case report.StateExecuting:
		return "executing"
	case report.StateCompleted:
		return "completed - awaiting review"
	case report.StateFailed:
		if t.FailureReason != "" {
			return fmt.Sprintf("failed (%s) - token refunded", t.FailureReason)
		}
		return "failed - token refunded"
	case report.StateRejected:
		return "rejected by moderators"
	case report.StateReviewed:
		return "completed and reviewed"
	default:
		return string(t.State)
	}
}
