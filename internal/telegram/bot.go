// Package telegram pushes messages and digests to a single chat and turns
// button presses and commands from that chat back into actions.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/joshsymonds/inboxpilot/internal/actions"
	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

const (
	// MaxMessageLength is Telegram's per-message text limit, counted in
	// UTF-16 code units.
	MaxMessageLength = 4096

	snippetRunes = 200

	// DefaultCatchUpPhrase asks for an on-demand digest.
	DefaultCatchUpPhrase = "catch me up"
	digestCommand        = "/digest"
)

// API is the subset of *tgbotapi.BotAPI the bot needs.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler receives requests from the chat.
type Handler interface {
	CatchUp(ctx context.Context) error
	HandleAction(ctx context.Context, a actions.Action) error
}

// SendError reports a failed outbound Telegram call.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("telegram %s: %v", e.Op, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// Bot talks to exactly one chat.
type Bot struct {
	api           API
	chatID        int64
	catchUpPhrase string
	logger        *slog.Logger
}

// NewBot binds api to chatID. An empty catchUpPhrase uses DefaultCatchUpPhrase.
func NewBot(api API, chatID int64, catchUpPhrase string, logger *slog.Logger) *Bot {
	if catchUpPhrase == "" {
		catchUpPhrase = DefaultCatchUpPhrase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, chatID: chatID, catchUpPhrase: catchUpPhrase, logger: logger}
}

// Dial connects to the Bot API with token.
func Dial(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return api, nil
}

// Notify pushes one message with reply and, for invitations, RSVP buttons.
func (b *Bot) Notify(ctx context.Context, m gmail.Message, c classify.Category) error {
	msg := tgbotapi.NewMessage(b.chatID, notificationText(m))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = notificationKeyboard(m)
	if _, err := b.api.Send(msg); err != nil {
		return &SendError{Op: "notify", Err: err}
	}
	b.logger.DebugContext(ctx, "notified", "id", m.ID, "category", string(c))
	return nil
}

// SendText sends plain text, split into as many messages as the length limit requires.
func (b *Bot) SendText(ctx context.Context, text string) error {
	chunks := splitText(text, MaxMessageLength)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(b.chatID, chunk)
		msg.DisableWebPagePreview = true
		if _, err := b.api.Send(msg); err != nil {
			return &SendError{Op: fmt.Sprintf("send text part %d/%d", i+1, len(chunks)), Err: err}
		}
	}
	b.logger.DebugContext(ctx, "text sent", "parts", len(chunks))
	return nil
}

// ShowDraft posts a reply draft with send and discard buttons.
func (b *Bot) ShowDraft(ctx context.Context, id gmail.MessageID, text string) error {
	msg := tgbotapi.NewMessage(b.chatID, truncateUTF16("Draft reply:\n\n"+text, MaxMessageLength))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			button("Send", actions.Action{Kind: actions.KindSend, MessageID: id}),
			button("Discard", actions.Action{Kind: actions.KindDiscard, MessageID: id}),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		return &SendError{Op: "show draft", Err: err}
	}
	b.logger.DebugContext(ctx, "draft shown", "id", id)
	return nil
}

// Listen long-polls for updates until ctx is canceled. Updates from other
// chats are ignored.
func (b *Bot) Listen(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(ctx, h, upd)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, h Handler, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, h, upd.CallbackQuery)
	case upd.Message != nil:
		b.handleMessage(ctx, h, upd.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, h Handler, m *tgbotapi.Message) {
	if m.Chat == nil || m.Chat.ID != b.chatID {
		b.logger.DebugContext(ctx, "ignoring message from foreign chat")
		return
	}
	text := strings.TrimSpace(m.Text)
	if !strings.EqualFold(text, b.catchUpPhrase) && text != digestCommand {
		return
	}
	if err := h.CatchUp(ctx); err != nil {
		b.logger.WarnContext(ctx, "catch up failed", "error", err)
		if serr := b.SendText(ctx, fmt.Sprintf("Digest failed: %v", err)); serr != nil {
			b.logger.WarnContext(ctx, "report catch up failure", "error", serr)
		}
	}
}

func (b *Bot) handleCallback(ctx context.Context, h Handler, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil || q.Message.Chat.ID != b.chatID {
		b.logger.DebugContext(ctx, "ignoring callback from foreign chat")
		return
	}
	// acknowledge first so the client stops its spinner
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.logger.WarnContext(ctx, "answer callback", "error", err)
	}
	a, err := actions.Parse(q.Data)
	if err != nil {
		b.logger.WarnContext(ctx, "bad callback data", "data", q.Data, "error", err)
		return
	}
	if err := h.HandleAction(ctx, a); err != nil {
		b.logger.WarnContext(ctx, "callback action failed", "action", string(a.Kind), "error", err)
	}
}

func notificationText(m gmail.Message) string {
	snippet := m.Snippet
	if strings.TrimSpace(snippet) == "" {
		snippet = m.PlainText()
	}
	snippet = truncateRunes(strings.Join(strings.Fields(snippet), " "), snippetRunes)
	return fmt.Sprintf("<b>%s</b> · <i>%s</i>\n%s",
		tgbotapi.EscapeText(tgbotapi.ModeHTML, m.Subject()),
		tgbotapi.EscapeText(tgbotapi.ModeHTML, m.SenderName()),
		tgbotapi.EscapeText(tgbotapi.ModeHTML, snippet),
	)
}

func notificationKeyboard(m gmail.Message) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(button("Draft reply", actions.Action{Kind: actions.KindDraft, MessageID: m.ID})),
	}
	if m.Body.HasCalendar {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button("Yes", actions.Action{Kind: actions.KindRSVP, MessageID: m.ID, Answer: actions.AnswerYes}),
			button("No", actions.Action{Kind: actions.KindRSVP, MessageID: m.ID, Answer: actions.AnswerNo}),
			button("Maybe", actions.Action{Kind: actions.KindRSVP, MessageID: m.ID, Answer: actions.AnswerMaybe}),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func button(label string, a actions.Action) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(label, a.Data())
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// truncateUTF16 shortens s to at most n UTF-16 code units, ending in an
// ellipsis when cut.
func truncateUTF16(s string, n int) string {
	r := []rune(s)
	if utf16Len(r) <= n {
		return s
	}
	return string(r[:fitUTF16(r, n-1)]) + "…"
}

// splitText breaks text into chunks of at most limit UTF-16 code units,
// preferring to cut after a newline.
func splitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	r := []rune(text)
	for utf16Len(r) > limit {
		end := max(fitUTF16(r, limit), 1)
		cut := end
		for i := end; i > end/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(r[:cut]), "\n"))
		r = r[cut:]
	}
	return append(chunks, string(r))
}

// fitUTF16 returns how many leading runes of r fit in limit UTF-16 code units.
func fitUTF16(r []rune, limit int) int {
	units := 0
	for i, c := range r {
		units += runeUnits(c)
		if units > limit {
			return i
		}
	}
	return len(r)
}

func utf16Len(r []rune) int {
	n := 0
	for _, c := range r {
		n += runeUnits(c)
	}
	return n
}

// runeUnits is 2 for runes outside the BMP and 1 otherwise; invalid runes are
// sent as U+FFFD.
func runeUnits(c rune) int {
	if n := utf16.RuneLen(c); n > 0 {
		return n
	}
	return 1
}
