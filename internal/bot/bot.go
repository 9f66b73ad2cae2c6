// Package bot maps Telegram updates onto the conversation engine and the
// read-only reports.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"finbot/internal/aggregation"
	"finbot/internal/charts"
	"finbot/internal/conversation"
	"finbot/internal/core"
	"finbot/internal/export"
	"finbot/internal/log"
)

// Sender delivers outgoing messages. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Dialogue is the part of the conversation engine the bot drives.
type Dialogue interface {
	Dispatch(ctx context.Context, userID string, op conversation.Op) conversation.Response
	Snapshot(userID string) conversation.Session
}

// Reports answers the read-only menu actions.
type Reports interface {
	Summary(ctx context.Context, userID string) (aggregation.Summary, error)
	CategoryTotals(ctx context.Context, userID string, kind core.Kind) ([]aggregation.CategoryTotal, bool, error)
	Recent(ctx context.Context, userID string, n int) ([]core.Transaction, error)
	Transactions(ctx context.Context, userID string) ([]core.Transaction, error)
}

type Config struct {
	HistoryLimit int
	Logger       *log.Logger
	Now          func() time.Time
}

type Bot struct {
	sender       Sender
	dialogue     Dialogue
	reports      Reports
	historyLimit int
	logger       *log.Logger
	now          func() time.Time
}

func New(sender Sender, dialogue Dialogue, reports Reports, cfg Config) *Bot {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.DefaultConfig())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bot{
		sender:       sender,
		dialogue:     dialogue,
		reports:      reports,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.WithComponent(log.ComponentBot),
		now:          cfg.Now,
	}
}

// Run handles updates one at a time until ctx is cancelled or updates is
// closed. Sequential handling keeps every user's messages in arrival order.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	b.logger.InfoContext(ctx, "Bot started")
	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "Bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := b.HandleUpdate(ctx, update); err != nil {
				b.logger.ErrorContext(ctx, "Failed to handle update",
					"update_id", update.UpdateID, log.FieldError, err)
			}
		}
	}
}

// HandleUpdate processes a single update. Updates without a text message
// from a user are ignored.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	b.logger.DebugContext(ctx, "Update received",
		log.FieldUserID, userID, log.FieldChatID, chatID)

	if msg.IsCommand() {
		return b.handleCommand(ctx, chatID, userID, msg.Command())
	}
	return b.handleText(ctx, chatID, userID, strings.TrimSpace(msg.Text))
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, userID, cmd string) error {
	switch cmd {
	case "start":
		// Drops any open draft; from Idle the Cancel is simply rejected.
		b.dialogue.Dispatch(ctx, userID, conversation.Cancel())
		return b.send(chatID, welcomeText, mainKeyboard())
	case "skip":
		return b.dispatch(ctx, chatID, userID, conversation.Skip())
	case "cancel":
		return b.cancel(ctx, chatID, userID)
	case "balance":
		return b.showBalance(ctx, chatID, userID)
	case "stats":
		return b.showStatistics(ctx, chatID, userID)
	case "history":
		return b.showHistory(ctx, chatID, userID)
	case "export":
		return b.exportCSV(ctx, chatID, userID)
	case "chart":
		return b.sendChart(ctx, chatID, userID)
	default:
		return b.send(chatID, "Unknown command. Use /start to see the menu.", nil)
	}
}

func (b *Bot) handleText(ctx context.Context, chatID int64, userID, text string) error {
	switch text {
	case buttonCancel:
		return b.cancel(ctx, chatID, userID)
	case buttonSkip:
		return b.dispatch(ctx, chatID, userID, conversation.Skip())
	}

	// The engine routes text by stage under the user's lock. While a
	// dialogue is open every message, menu labels included, is an answer.
	resp := b.dialogue.Dispatch(ctx, userID, conversation.SubmitText(text))
	if !idleRejection(resp) {
		return b.render(ctx, chatID, userID, resp)
	}

	switch text {
	case buttonIncome:
		return b.dispatch(ctx, chatID, userID, conversation.BeginIncome())
	case buttonExpense:
		return b.dispatch(ctx, chatID, userID, conversation.BeginExpense())
	case buttonBalance:
		return b.showBalance(ctx, chatID, userID)
	case buttonStatistics:
		return b.showStatistics(ctx, chatID, userID)
	case buttonHistory:
		return b.showHistory(ctx, chatID, userID)
	default:
		return b.send(chatID, "Choose an action:", mainKeyboard())
	}
}

// idleRejection reports whether resp only says no dialogue is open. A
// timed-out dialogue is not idle here so the user hears about it once.
func idleRejection(resp conversation.Response) bool {
	return resp.Kind == conversation.Rejected &&
		errors.Is(resp.Err, conversation.ErrProtocol) &&
		!errors.Is(resp.Err, conversation.ErrSessionExpired)
}

// cancel treats a Cancel outside a dialogue as a request for the menu.
func (b *Bot) cancel(ctx context.Context, chatID int64, userID string) error {
	resp := b.dialogue.Dispatch(ctx, userID, conversation.Cancel())
	if idleRejection(resp) {
		return b.send(chatID, "Nothing to cancel. Choose an action:", mainKeyboard())
	}
	return b.render(ctx, chatID, userID, resp)
}

func (b *Bot) stage(userID string) conversation.Stage {
	return b.dialogue.Snapshot(userID).Stage
}

func (b *Bot) dispatch(ctx context.Context, chatID int64, userID string, op conversation.Op) error {
	return b.render(ctx, chatID, userID, b.dialogue.Dispatch(ctx, userID, op))
}

func (b *Bot) render(ctx context.Context, chatID int64, userID string, resp conversation.Response) error {
	switch resp.Kind {
	case conversation.Prompt:
		switch resp.Expect {
		case conversation.ExpectCategory:
			return b.send(chatID, resp.Text, optionsKeyboard(resp.Options))
		case conversation.ExpectDescription:
			return b.send(chatID, resp.Text, optionsKeyboard([]string{buttonSkip}))
		default:
			return b.send(chatID, resp.Text, cancelKeyboard())
		}

	case conversation.ValidationFailed:
		// The prompt's keyboard is still on screen.
		return b.send(chatID, resp.Text, nil)

	case conversation.Committed:
		tx := resp.Transaction
		b.logger.InfoContext(ctx, "Transaction recorded",
			log.NewFields().
				WithUser(userID).
				WithTransaction(tx.Kind.String(), tx.Category, tx.Amount.String()).
				ToSlice()...)
		return b.send(chatID, formatCommitted(tx), mainKeyboard())

	case conversation.Cancelled:
		return b.send(chatID, resp.Text, mainKeyboard())

	default:
		if resp.Err != nil && !errors.Is(resp.Err, conversation.ErrProtocol) {
			b.logger.ErrorContext(ctx, "Dialogue step failed",
				log.FieldUserID, userID, log.FieldError, resp.Err)
		}
		var markup any = mainKeyboard()
		if b.stage(userID) != conversation.Idle {
			markup = cancelKeyboard()
		}
		return b.send(chatID, "❌ "+resp.Text, markup)
	}
}

func (b *Bot) showBalance(ctx context.Context, chatID int64, userID string) error {
	summary, err := b.reports.Summary(ctx, userID)
	if err != nil {
		return b.fail(ctx, chatID, "Could not load your balance.", err)
	}
	return b.send(chatID, formatSummary(summary), nil)
}

func (b *Bot) showStatistics(ctx context.Context, chatID int64, userID string) error {
	summary, err := b.reports.Summary(ctx, userID)
	if err != nil {
		return b.fail(ctx, chatID, "Could not load statistics.", err)
	}
	if summary.Count == 0 {
		return b.send(chatID, "📊 You have no transactions yet.", nil)
	}

	totals, ok, err := b.reports.CategoryTotals(ctx, userID, core.Expense)
	if err != nil {
		return b.fail(ctx, chatID, "Could not load statistics.", err)
	}
	if !ok {
		return b.send(chatID, "No expenses recorded yet.", nil)
	}
	return b.send(chatID, formatStatistics(totals), nil)
}

func (b *Bot) showHistory(ctx context.Context, chatID int64, userID string) error {
	txs, err := b.reports.Recent(ctx, userID, b.historyLimit)
	if err != nil {
		return b.fail(ctx, chatID, "Could not load your history.", err)
	}
	if len(txs) == 0 {
		return b.send(chatID, "📋 You have no transactions yet.", nil)
	}
	return b.send(chatID, formatHistory(txs), nil)
}

func (b *Bot) exportCSV(ctx context.Context, chatID int64, userID string) error {
	txs, err := b.reports.Transactions(ctx, userID)
	if err != nil {
		return b.fail(ctx, chatID, "Could not export your data.", err)
	}
	if len(txs) == 0 {
		return b.send(chatID, "No data to export.", nil)
	}

	data, err := export.CSV(txs)
	if err != nil {
		return b.fail(ctx, chatID, "Could not export your data.", err)
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  export.FileName(userID, b.now()),
		Bytes: data,
	})
	doc.Caption = "Your transactions as CSV"
	if _, err := b.sender.Send(doc); err != nil {
		return fmt.Errorf("send export: %w", err)
	}
	b.logger.InfoContext(ctx, "Export sent",
		log.FieldUserID, userID, log.FieldOperation, log.OpExport, log.FieldTransaction, len(txs))
	return nil
}

func (b *Bot) sendChart(ctx context.Context, chatID int64, userID string) error {
	totals, ok, err := b.reports.CategoryTotals(ctx, userID, core.Expense)
	if err != nil {
		return b.fail(ctx, chatID, "Could not build the chart.", err)
	}
	if !ok {
		return b.send(chatID, "No expenses to chart yet.", nil)
	}

	img, err := charts.CategoryPie(totals)
	if errors.Is(err, charts.ErrNoData) {
		return b.send(chatID, "No expenses to chart yet.", nil)
	}
	if err != nil {
		return b.fail(ctx, chatID, "Could not build the chart.", err)
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "expenses.png", Bytes: img})
	photo.Caption = "Expenses by category"
	if _, err := b.sender.Send(photo); err != nil {
		return fmt.Errorf("send chart: %w", err)
	}
	return nil
}

func (b *Bot) fail(ctx context.Context, chatID int64, text string, err error) error {
	b.logger.ErrorContext(ctx, text, log.FieldChatID, chatID, log.FieldError, err)
	return b.send(chatID, "❌ "+text, nil)
}

// send posts text with an optional reply markup.
func (b *Bot) send(chatID int64, text string, markup any) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.sender.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
