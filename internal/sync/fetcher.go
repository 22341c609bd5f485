package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
)

// ErrListFailed wraps errors of the listing call itself
var ErrListFailed = errors.New("listing failed")

// Window is the listing range of a run
type Window struct {
	Mode         config.Mode
	EarliestDate time.Time
	// IncrementalStart bounds an incremental account that has no watermark yet
	IncrementalStart time.Time
}

// Plan fixes the listing window of cp for a run starting at runStart. A
// checkpoint left in progress by an interrupted run of the same mode keeps
// its window and cursor, since page tokens are only valid for the query that
// produced them.
func Plan(cp *checkpoint.Checkpoint, w Window, runStart time.Time) {
	if cp.InProgress && cp.Mode == w.Mode {
		return
	}

	cp.Mode = w.Mode
	switch w.Mode {
	case config.ModeIncremental:
		cp.Boundary = cp.Watermark
		if cp.Boundary.IsZero() {
			cp.Boundary = w.IncrementalStart
		}
	default:
		cp.Boundary = w.EarliestDate
	}
	cp.PendingWatermark = runStart.UTC()
	cp.Cursor = ""
	cp.InProgress = true
}

// Page is one listing page after dedup
type Page struct {
	// StartToken is the token the page was requested with
	StartToken string
	NextToken  string
	// Refs are the units not yet in the processed set, in listing order
	Refs    []mail.MessageRef
	Skipped int
	// Truncated is set when the per-account message cap cut the page short
	Truncated bool
}

// Fetcher pages through a mailbox and fetches message units. It only reads.
type Fetcher struct {
	source      Source
	store       *checkpoint.Store
	limiter     *ratelimit.Controller
	pageSize    int
	maxMessages int
}

// NewFetcher creates a Fetcher. maxMessages caps the units handed out per
// account and run; zero means no cap.
func NewFetcher(source Source, store *checkpoint.Store, limiter *ratelimit.Controller, pageSize, maxMessages int) *Fetcher {
	return &Fetcher{
		source:      source,
		store:       store,
		limiter:     limiter,
		pageSize:    pageSize,
		maxMessages: maxMessages,
	}
}

// Stream lists the window of cp from its cursor and hands every page to
// onPage. It reports whether the listing ran to its end.
func (f *Fetcher) Stream(ctx context.Context, account string, cp *checkpoint.Checkpoint, onPage func(Page) error) (bool, error) {
	token := cp.Cursor
	handed := 0

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var listed *mail.Page
		err := f.limiter.Do(ctx, ratelimit.ClassList, func(ctx context.Context) error {
			var err error
			listed, err = f.source.List(ctx, account, mail.ListQuery{
				After:     cp.Boundary,
				PageToken: token,
				PageSize:  f.pageSize,
			})
			return err
		})
		if err != nil {
			return false, fmt.Errorf("%w for %s: %w", ErrListFailed, account, err)
		}

		page, err := f.filter(ctx, account, listed)
		if err != nil {
			return false, err
		}
		page.StartToken = token

		if f.maxMessages > 0 {
			left := f.maxMessages - handed
			if len(page.Refs) >= left {
				page.Truncated = len(page.Refs) > left || page.NextToken != ""
				page.Refs = page.Refs[:left]
			}
		}
		handed += len(page.Refs)

		if err := onPage(page); err != nil {
			return false, err
		}
		if page.Truncated {
			return false, nil
		}
		if page.NextToken == "" {
			return true, nil
		}
		token = page.NextToken
	}
}

// filter drops units already in the processed set
func (f *Fetcher) filter(ctx context.Context, account string, listed *mail.Page) (Page, error) {
	page := Page{NextToken: listed.NextPageToken}
	if len(listed.Refs) == 0 {
		return page, nil
	}

	ids := make([]string, len(listed.Refs))
	for i, ref := range listed.Refs {
		ids[i] = ref.ID
	}
	done, err := f.store.Processed(ctx, account, ids)
	if err != nil {
		return page, localErr(ctx, err)
	}

	seen := make(map[string]bool, len(listed.Refs))
	for _, ref := range listed.Refs {
		if done[ref.ID] || seen[ref.ID] {
			page.Skipped++
			continue
		}
		seen[ref.ID] = true
		page.Refs = append(page.Refs, ref)
	}
	return page, nil
}

// Fetch downloads the full content of one unit
func (f *Fetcher) Fetch(ctx context.Context, account string, ref mail.MessageRef) (*mail.Message, error) {
	var m *mail.Message
	err := f.limiter.Do(ctx, ratelimit.ClassGet, func(ctx context.Context) error {
		var err error
		m, err = f.source.Get(ctx, account, ref.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.ID, err)
	}
	if m.ID == "" {
		m.ID = ref.ID
	}
	if m.Account == "" {
		m.Account = account
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = ref.Timestamp
	}
	return m, nil
}
