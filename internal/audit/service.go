// Package audit ranks recent senders and mailing lists by volume and the
// category they land in, to help curate the VIP list.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/rate"
)

const (
	previewSubjectDisplayLimit = 60
	defaultTopN                = 20
	// minCandidateCount is how often a personal sender must appear to be
	// suggested as a VIP.
	minCandidateCount = 2
)

// Options controls the behavior of the audit analyzer.
type Options struct {
	Window   time.Duration
	TopN     int
	PageSize int
}

// Classifier assigns a category to a message.
type Classifier interface {
	Classify(m gmail.Message) classify.Category
}

// Service executes audit analyses against the mailbox.
type Service struct {
	Client     gmail.Client
	Limiter    rate.Limiter
	Logger     *slog.Logger
	Classifier Classifier
	Clock      func() time.Time
}

// NewService constructs a Service with sane defaults.
func NewService(
	client gmail.Client,
	limiter rate.Limiter,
	classifier Classifier,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Client:     client,
		Limiter:    limiter,
		Logger:     logger,
		Classifier: classifier,
		Clock:      time.Now,
	}
}

// Report summarizes recent inbox activity.
type Report struct {
	GeneratedAt   time.Time                 `json:"generated_at"`
	Window        time.Duration             `json:"window"`
	Total         int                       `json:"total"`
	Categories    map[classify.Category]int `json:"categories"`
	TopSenders    []SenderStat              `json:"top_senders"`
	TopLists      []ListStat                `json:"top_lists"`
	VIPCandidates []string                  `json:"vip_candidates"`
}

// SenderStat ranks sender addresses.
type SenderStat struct {
	Address        string            `json:"address"`
	Category       classify.Category `json:"category"`
	Count          int               `json:"count"`
	PreviewSubject string            `json:"preview_subject"`
}

// ListStat ranks List-Id sources.
type ListStat struct {
	ListID         string `json:"list_id"`
	Count          int    `json:"count"`
	PreviewSubject string `json:"preview_subject"`
}

// Run produces a full audit report over the trailing window.
func (s *Service) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Window <= 0 {
		return Report{}, fmt.Errorf("window must be positive")
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 500
	}

	now := s.Clock()
	s.Logger.InfoContext(ctx, "running audit", slog.Duration("window", opts.Window))

	msgs, err := s.fetchMessages(ctx, now.Add(-opts.Window), pageSize)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		GeneratedAt: now,
		Window:      opts.Window,
		Total:       len(msgs),
		Categories:  map[classify.Category]int{},
	}
	if len(msgs) == 0 {
		return rep, nil
	}

	senders := map[string]*SenderStat{}
	lists := map[string]*ListStat{}
	for _, m := range msgs {
		cat := s.Classifier.Classify(m)
		rep.Categories[cat]++
		subject := m.Subject()

		if addr := m.SenderAddress(); addr != "" {
			st := senders[addr]
			if st == nil {
				st = &SenderStat{Address: addr, Category: cat}
				senders[addr] = st
			}
			st.Count++
			if st.PreviewSubject == "" {
				st.PreviewSubject = subject
			}
			// any VIP hit makes the sender VIP for the report
			if cat == classify.VIP {
				st.Category = classify.VIP
			}
		}
		raw, _ := m.Header("List-Id")
		if lid := normalizeListID(raw); lid != "" {
			ls := lists[lid]
			if ls == nil {
				ls = &ListStat{ListID: lid}
				lists[lid] = ls
			}
			ls.Count++
			if ls.PreviewSubject == "" {
				ls.PreviewSubject = subject
			}
		}
	}

	ranked := rankSenders(senders, len(senders))
	rep.VIPCandidates = vipCandidates(ranked, topN)
	if topN < len(ranked) {
		ranked = ranked[:topN]
	}
	rep.TopSenders = ranked
	rep.TopLists = rankLists(lists, topN)
	return rep, nil
}

func (s *Service) fetchMessages(ctx context.Context, since time.Time, pageSize int) ([]gmail.Message, error) {
	query := gmail.Query{Raw: fmt.Sprintf("after:%d", since.Unix())}
	var (
		msgs  []gmail.Message
		token string
	)
	for {
		if err := rate.Wait(ctx, s.Limiter, "rate limit messages"); err != nil {
			return nil, err
		}
		page, err := s.Client.List(ctx, query, token, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, id := range page.IDs {
			if err := rate.Wait(ctx, s.Limiter, "rate limit message"); err != nil {
				return nil, err
			}
			m, err := s.Client.Get(ctx, id)
			if errors.Is(err, gmail.ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get message %s: %w", id, err)
			}
			msgs = append(msgs, m)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return msgs, nil
}

// vipCandidates picks frequent senders whose mail lands in "other": people
// rather than promotions or lists, not yet on the VIP list.
func vipCandidates(ranked []SenderStat, limit int) []string {
	var out []string
	for _, st := range ranked {
		if len(out) >= limit {
			break
		}
		if st.Category == classify.Other && st.Count >= minCandidateCount {
			out = append(out, st.Address)
		}
	}
	return out
}

// PrintHuman writes a readable report to the provided writer.
func PrintHuman(rep Report, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "inboxpilot audit: window %s (%d messages)\n", rep.Window, rep.Total)
	if len(rep.Categories) > 0 {
		builder.WriteString("\nCategories:\n")
		for _, cat := range []classify.Category{classify.VIP, classify.Promo, classify.Newsletter, classify.Other} {
			if n := rep.Categories[cat]; n > 0 {
				fmt.Fprintf(&builder, "  %-12s %4d\n", cat, n)
			}
		}
	}
	if len(rep.TopSenders) > 0 {
		builder.WriteString("\nTop senders:\n")
		for _, s := range rep.TopSenders {
			fmt.Fprintf(
				&builder,
				"  %-36s %-10s %4d %s\n",
				s.Address,
				s.Category,
				s.Count,
				truncate(s.PreviewSubject, previewSubjectDisplayLimit),
			)
		}
	}
	if len(rep.TopLists) > 0 {
		builder.WriteString("\nTop lists:\n")
		for _, l := range rep.TopLists {
			fmt.Fprintf(
				&builder,
				"  %-36s %4d %s\n",
				l.ListID,
				l.Count,
				truncate(l.PreviewSubject, previewSubjectDisplayLimit),
			)
		}
	}
	if len(rep.VIPCandidates) > 0 {
		builder.WriteString("\nVIP candidates (add to the VIP file, then send SIGHUP):\n")
		for _, addr := range rep.VIPCandidates {
			fmt.Fprintf(&builder, "  %s\n", addr)
		}
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

// WriteJSON serializes the report to a path relative to the working directory.
func WriteJSON(rep Report, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	abs := filepath.Join(wd, clean)
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if encodeErr := enc.Encode(rep); encodeErr != nil {
		return fmt.Errorf("encode report: %w", encodeErr)
	}
	return nil
}

func rankSenders(m map[string]*SenderStat, topN int) []SenderStat {
	slice := make([]SenderStat, 0, len(m))
	for _, st := range m {
		slice = append(slice, *st)
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].Count == slice[j].Count {
			return slice[i].Address < slice[j].Address
		}
		return slice[i].Count > slice[j].Count
	})
	if topN < len(slice) {
		slice = slice[:topN]
	}
	return slice
}

func rankLists(m map[string]*ListStat, topN int) []ListStat {
	slice := make([]ListStat, 0, len(m))
	for _, st := range m {
		slice = append(slice, *st)
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].Count == slice[j].Count {
			return slice[i].ListID < slice[j].ListID
		}
		return slice[i].Count > slice[j].Count
	})
	if topN < len(slice) {
		slice = slice[:topN]
	}
	return slice
}
