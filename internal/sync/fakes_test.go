package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/archive"
	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/index"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage/memstore"
)

type fakeMessage struct {
	id string
	ts time.Time
}

// fakeSource is an in-memory mailbox listing messages in insertion order.
// Page tokens are offsets into the filtered listing.
type fakeSource struct {
	mu        sync.Mutex
	mailboxes map[string][]fakeMessage
	listed    []mail.ListQuery
	gets      map[string]int

	listErr func(account string, q mail.ListQuery) error
	getErr  func(account, id string) error
}

func newFakeSource() *fakeSource {
	return &fakeSource{mailboxes: map[string][]fakeMessage{}, gets: map[string]int{}}
}

func (f *fakeSource) add(account, id string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailboxes[account] = append(f.mailboxes[account], fakeMessage{id: id, ts: ts})
}

func (f *fakeSource) List(ctx context.Context, account string, q mail.ListQuery) (*mail.Page, error) {
	f.mu.Lock()
	f.listed = append(f.listed, q)
	hook := f.listErr
	var matching []fakeMessage
	for _, m := range f.mailboxes[account] {
		if q.After.IsZero() || !m.ts.Before(q.After) {
			matching = append(matching, m)
		}
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(account, q); err != nil {
			return nil, err
		}
	}

	offset := 0
	if q.PageToken != "" {
		var err error
		if offset, err = strconv.Atoi(q.PageToken); err != nil {
			return nil, ratelimit.Permanent(fmt.Errorf("bad token %q", q.PageToken))
		}
	}
	size := q.PageSize
	if size <= 0 {
		size = 100
	}
	end := min(offset+size, len(matching))

	page := &mail.Page{}
	for _, m := range matching[min(offset, end):end] {
		page.Refs = append(page.Refs, mail.MessageRef{ID: m.id})
	}
	if end < len(matching) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeSource) Get(ctx context.Context, account, id string) (*mail.Message, error) {
	f.mu.Lock()
	f.gets[id]++
	hook := f.getErr
	var found *fakeMessage
	for _, m := range f.mailboxes[account] {
		if m.id == id {
			found = &m
			break
		}
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(account, id); err != nil {
			return nil, err
		}
	}
	if found == nil {
		return nil, ratelimit.Permanent(fmt.Errorf("%w: %s", mail.ErrMessageNotFound, id))
	}

	raw := fmt.Sprintf("From: sender@example.com\r\nTo: %s\r\nSubject: message %s\r\nMessage-Id: <%s@example.com>\r\n\r\nbody of %s\r\n", account, id, id, id)
	m := &mail.Message{ID: id, Account: account, Timestamp: found.ts, Raw: []byte(raw)}
	if err := m.Describe(); err != nil {
		return nil, ratelimit.Permanent(err)
	}
	return m, nil
}

func (f *fakeSource) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.listed))
	for i, q := range f.listed {
		out[i] = q.PageToken
	}
	return out
}

type fakeDirectory struct {
	accounts []mail.Account
	err      error
}

func (d *fakeDirectory) Accounts(ctx context.Context) ([]mail.Account, error) {
	return d.accounts, d.err
}

// harness wires a Runner against fakes and real SQLite stores in a temp dir
type harness struct {
	t       *testing.T
	source  *fakeSource
	archive *memstore.Store
	store   *checkpoint.Store
	index   *index.Store
	limiter *ratelimit.Controller
	opts    Options
	clock   time.Time
	pageSz  int
	maxMsgs int
	noIndex bool
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	store, err := checkpoint.Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	idx, err := index.Open(filepath.Join(dir, "email_index.db"), "root")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		idx.Close()
	})

	return &harness{
		t:       t,
		source:  newFakeSource(),
		archive: memstore.New(),
		store:   store,
		index:   idx,
		limiter: ratelimit.New(ratelimit.Settings{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}),
		opts: Options{
			Window:             Window{Mode: config.ModeFull, EarliestDate: time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC)},
			BatchSize:          2,
			CheckpointInterval: 0,
			RunID:              "run-1",
		},
		clock:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		pageSz: 100,
	}
}

func (h *harness) runner() *Runner {
	archiver := archive.New(h.archive, h.limiter, archive.Options{Root: "root", DryRun: h.opts.DryRun})
	fetcher := NewFetcher(h.source, h.store, h.limiter, h.pageSz, h.maxMsgs)
	var idx *index.Store
	if !h.opts.DryRun && !h.noIndex {
		idx = h.index
	}
	r := NewRunner(h.store, fetcher, archiver, idx, h.limiter, h.opts)
	now := h.clock
	r.now = func() time.Time { return now }
	return r
}

func (h *harness) run(ctx context.Context, email string) AccountResult {
	res, err := h.runner().RunAccount(ctx, account(email))
	require.NoError(h.t, err)
	return res
}

func (h *harness) checkpoint(email string) *checkpoint.Checkpoint {
	cp, err := h.store.Load(context.Background(), email)
	require.NoError(h.t, err)
	return cp
}

func account(email string) mail.Account {
	return mail.Account{Email: email, Domain: mail.DomainOf(email), Principal: email}
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 9, 0, 0, 0, time.UTC)
}
