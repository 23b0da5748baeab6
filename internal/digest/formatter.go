package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

const (
	defaultSentences = 3
	defaultMaxLinks  = 3

	summaryUnavailable = "(summary unavailable)"
)

var headings = map[classify.Category]string{
	classify.Promo:      "Time-Sensitive Deals",
	classify.Newsletter: "Newsletters",
	classify.Other:      "Other Mail",
}

// Summarizer condenses text to roughly n sentences.
type Summarizer interface {
	Summarize(ctx context.Context, text string, n int) (string, error)
}

// Formatter renders a collected window as a sectioned text report.
type Formatter struct {
	Summarizer Summarizer
	Logger     *slog.Logger
	// Sentences is the target summary length for newsletters.
	Sentences int
	MaxLinks  int
	// Location renders promo expiry dates; nil means time.Local.
	Location *time.Location
}

// Format returns the report for w, or "" when every bucket is empty.
// Summarizer failures degrade the affected line and never abort the report.
func (f *Formatter) Format(ctx context.Context, w Window) string {
	var sections []string
	for _, cat := range Sections {
		msgs := w.Buckets[cat]
		if len(msgs) == 0 {
			continue
		}
		lines := []string{headings[cat]}
		for _, m := range msgs {
			switch cat {
			case classify.Promo:
				lines = append(lines, f.promoLine(m))
			case classify.Newsletter:
				lines = append(lines, f.newsletterLines(ctx, m)...)
			default:
				lines = append(lines, "- "+m.Subject())
			}
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// promoLine uses the arrival date as the expiry. Real deadline extraction
// from the body is not attempted.
func (f *Formatter) promoLine(m gmail.Message) string {
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("- %s: %s (expires %s)", m.SenderName(), m.Subject(), m.InternalDate.In(loc).Format(time.DateOnly))
}

func (f *Formatter) newsletterLines(ctx context.Context, m gmail.Message) []string {
	summary := summaryUnavailable
	if f.Summarizer != nil {
		n := f.Sentences
		if n <= 0 {
			n = defaultSentences
		}
		s, err := f.Summarizer.Summarize(ctx, summaryInput(m.Body.HTML, m.PlainText()), n)
		switch {
		case err != nil:
			f.logger().WarnContext(ctx, "newsletter summary failed", "id", m.ID, "err", err)
		case strings.TrimSpace(s) != "":
			summary = oneLine(s)
		}
	}

	maxLinks := f.MaxLinks
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	lines := []string{"- " + summary}
	for _, link := range ExtractLinks(m.Body.HTML, maxLinks) {
		lines = append(lines, "  - "+link)
	}
	return lines
}

func (f *Formatter) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// oneLine keeps a multi-line summary on its bullet.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
