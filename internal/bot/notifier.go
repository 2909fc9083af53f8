package bot

import (
	"context"
	"fmt"

	"vigilo/internal/events"

	"github.com/rs/zerolog/log"
)

// runNotifier subscribes to the event hub and turns task transitions into
// Telegram messages: outcome DMs for requesters, review prompts for the
// moderation channel and pool alerts for the configured admins.
func (b *Bot) runNotifier(ctx context.Context) {
	feed, unsubscribe := b.hub.Subscribe(64)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-feed:
				if !ok {
					return
				}
				b.notify(ctx, e)
			}
		}
	}()
}

func (b *Bot) notify(ctx context.Context, e events.Event) {
	switch e.Type {
	case events.TaskCompleted:
		b.reply(e.UserID, fmt.Sprintf("Report %s completed - awaiting moderator review.", e.TaskID))
		b.postForReview(ctx, e.TaskID)
	case events.TaskFailed:
		text := fmt.Sprintf("Report %s failed", e.TaskID)
		if e.Detail != "" {
			text = fmt.Sprintf("%s (%s)", text, e.Detail)
		}
		b.reply(e.UserID, text+". Your token was refunded.")
	case events.TaskRejected:
		b.reply(e.UserID, fmt.Sprintf("Report %s was rejected by moderators.", e.TaskID))
	case events.TaskReviewed:
		b.reply(e.UserID, fmt.Sprintf("Report %s was approved by moderators.", e.TaskID))
	case events.AccountBanned:
		b.notifyAdmins(fmt.Sprintf("Account %s looks banned: %s", e.AccountID, e.Detail))
	case events.PoolEmpty:
		b.notifyAdmins("No reporting accounts available - the queue is stalling. Check /accounts.")
	}
}

// postForReview announces a completed report in the moderation channel with
// approve and reject buttons attached.
func (b *Bot) postForReview(ctx context.Context, taskID string) {
	if b.cfg.ReportChannelID == 0 {
		return
	}
	task, err := b.reports.GetTask(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("failed to load task for review post")
		return
	}
	b.replyWithKeyboard(b.cfg.ReportChannelID,
		fmt.Sprintf("Report ready for review\n\n%s\nby user %d, %d attempt(s)",
			describeTask(task), task.UserID, task.Attempts),
		reviewKeyboard(task.ID))
}

func (b *Bot) notifyAdmins(text string) {
	for _, id := range b.cfg.NotifyAdminIDs {
		b.reply(id, text)
	}
}
