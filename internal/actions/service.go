package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/rate"
	"github.com/joshsymonds/inboxpilot/internal/store"
)

var rsvpBodies = map[string]string{
	AnswerYes:   "Yes, I'll be there.",
	AnswerNo:    "Sorry, I can't make it.",
	AnswerMaybe: "I might be able to make it; I'll confirm closer to the time.",
}

// Drafter writes a reply body for a message.
type Drafter interface {
	DraftReply(ctx context.Context, m gmail.Message) (string, error)
}

// Presenter shows results back to the user.
type Presenter interface {
	ShowDraft(ctx context.Context, id gmail.MessageID, text string) error
	SendText(ctx context.Context, text string) error
}

// Service executes actions against the mailbox and the draft cache.
type Service struct {
	Mail      gmail.Client
	Drafts    store.Drafts
	Drafter   Drafter
	Presenter Presenter
	Limiter   rate.Limiter
	Logger    *slog.Logger
}

// Handle executes a. Failures are reported to the user and returned.
func (s *Service) Handle(ctx context.Context, a Action) error {
	logger := s.Logger.With("action", string(a.Kind), "id", a.MessageID)
	var err error
	switch a.Kind {
	case KindDraft:
		err = s.draft(ctx, a.MessageID)
	case KindSend:
		err = s.send(ctx, a.MessageID)
	case KindDiscard:
		err = s.discard(ctx, a.MessageID)
	case KindRSVP:
		err = s.rsvp(ctx, a.MessageID, a.Answer)
	default:
		err = fmt.Errorf("unknown action %q", a.Kind)
	}
	if err != nil {
		logger.WarnContext(ctx, "action failed", "error", err)
		if perr := s.Presenter.SendText(ctx, fmt.Sprintf("Could not %s: %v", a.Kind, err)); perr != nil {
			logger.WarnContext(ctx, "report action failure", "error", perr)
		}
		return err
	}
	logger.InfoContext(ctx, "action handled")
	return nil
}

func (s *Service) draft(ctx context.Context, id gmail.MessageID) error {
	m, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	text, err := s.Drafter.DraftReply(ctx, m)
	if err != nil {
		return err
	}
	if err := s.Drafts.PutDraft(ctx, string(id), text); err != nil {
		return fmt.Errorf("cache draft: %w", err)
	}
	return s.Presenter.ShowDraft(ctx, id, text)
}

func (s *Service) send(ctx context.Context, id gmail.MessageID) error {
	text, err := s.Drafts.GetDraft(ctx, string(id))
	if errors.Is(err, store.ErrDraftNotFound) {
		return fmt.Errorf("no draft for %s; it may already have been sent or discarded", id)
	}
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if err := s.reply(ctx, id, text); err != nil {
		return err
	}
	if err := s.Drafts.DeleteDraft(ctx, string(id)); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return s.Presenter.SendText(ctx, "Reply sent.")
}

func (s *Service) discard(ctx context.Context, id gmail.MessageID) error {
	if err := s.Drafts.DeleteDraft(ctx, string(id)); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return s.Presenter.SendText(ctx, "Draft discarded.")
}

func (s *Service) rsvp(ctx context.Context, id gmail.MessageID, answer string) error {
	body, ok := rsvpBodies[answer]
	if !ok {
		return fmt.Errorf("unknown rsvp answer %q", answer)
	}
	if err := s.reply(ctx, id, body); err != nil {
		return err
	}
	return s.Presenter.SendText(ctx, fmt.Sprintf("RSVP sent: %s.", answer))
}

// reply sends body as a threaded reply to the original message.
func (s *Service) reply(ctx context.Context, id gmail.MessageID, body string) error {
	orig, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	out, err := ReplyTo(orig, body)
	if err != nil {
		return err
	}
	if err := rate.Wait(ctx, s.Limiter, "rate limit send"); err != nil {
		return err
	}
	if _, err := s.Mail.Send(ctx, out); err != nil {
		return fmt.Errorf("send reply to %s: %w", id, err)
	}
	return nil
}

func (s *Service) get(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	if err := rate.Wait(ctx, s.Limiter, "rate limit message"); err != nil {
		return gmail.Message{}, err
	}
	m, err := s.Mail.Get(ctx, id)
	if err != nil {
		return gmail.Message{}, fmt.Errorf("load message %s: %w", id, err)
	}
	return m, nil
}

// ReplyTo builds a reply to orig that threads under it.
func ReplyTo(orig gmail.Message, body string) (gmail.Outgoing, error) {
	to, _ := orig.Header("Reply-To")
	if strings.TrimSpace(to) == "" {
		to, _ = orig.Header("From")
	}
	if strings.TrimSpace(to) == "" {
		return gmail.Outgoing{}, fmt.Errorf("message %s has no sender to reply to", orig.ID)
	}

	subject := orig.Subject()
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	msgID, _ := orig.Header("Message-ID")
	if msgID == "" {
		msgID, _ = orig.Header("Message-Id")
	}
	refs, _ := orig.Header("References")
	refs = strings.TrimSpace(strings.Join([]string{refs, msgID}, " "))

	return gmail.Outgoing{
		ThreadID:   orig.ThreadID,
		To:         to,
		Subject:    subject,
		InReplyTo:  msgID,
		References: refs,
		Body:       body,
	}, nil
}
