package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
)

// Selection narrows the directory down to the accounts of a run
type Selection struct {
	DomainFilter string
	IncludeOnly  []string
	MaxAccounts  int
}

// Report is the outcome of a whole run
type Report struct {
	RunID    string          `json:"run_id"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Accounts []AccountResult `json:"accounts"`
}

// Totals sums the tallies of every account
func (r *Report) Totals() Tally {
	var t Tally
	for _, a := range r.Accounts {
		t.Listed += a.Tally.Listed
		t.Archived += a.Tally.Archived
		t.AlreadyPresent += a.Tally.AlreadyPresent
		t.Skipped += a.Tally.Skipped
		t.DryRun += a.Tally.DryRun
		t.Failed += a.Tally.Failed
		t.Recovered += a.Tally.Recovered
	}
	return t
}

// Failed returns the accounts that ended in a failed state
func (r *Report) Failed() []AccountResult {
	var out []AccountResult
	for _, a := range r.Accounts {
		if a.State == StateFailed {
			out = append(out, a)
		}
	}
	return out
}

// Manager runs every selected account through a bounded worker pool
type Manager struct {
	directory   Directory
	principals  *Principals
	runner      *Runner
	limiter     *ratelimit.Controller
	selection   Selection
	concurrency int

	// Dispatcher, when set, publishes queued events while the run is going
	Dispatcher *Dispatcher

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates a Manager. concurrency below one means one account at a time.
func NewManager(directory Directory, principals *Principals, runner *Runner, limiter *ratelimit.Controller, selection Selection, concurrency int) *Manager {
	return &Manager{
		directory:   directory,
		principals:  principals,
		runner:      runner,
		limiter:     limiter,
		selection:   selection,
		concurrency: max(concurrency, 1),
		runners:     make(map[string]context.CancelFunc),
	}
}

// Accounts enumerates the directory and applies the selection
func (m *Manager) Accounts(ctx context.Context) ([]mail.Account, error) {
	var all []mail.Account
	err := m.limiter.Do(ctx, ratelimit.ClassDirectory, func(ctx context.Context) error {
		var err error
		all, err = m.directory.Accounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate accounts: %w", err)
	}
	return Select(all, m.selection), nil
}

// Select filters accounts locally: suspended and out-of-domain accounts are
// dropped, the allow-list applies when set, and the result is ordered by
// address and capped.
func Select(accounts []mail.Account, s Selection) []mail.Account {
	domain := strings.ToLower(strings.TrimPrefix(s.DomainFilter, "@"))
	allowed := make(map[string]bool, len(s.IncludeOnly))
	for _, e := range s.IncludeOnly {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}

	seen := make(map[string]bool, len(accounts))
	var out []mail.Account
	for _, a := range accounts {
		a.Email = strings.ToLower(strings.TrimSpace(a.Email))
		if a.Domain == "" {
			a.Domain = mail.DomainOf(a.Email)
		}
		switch {
		case a.Email == "" || seen[a.Email]:
			continue
		case a.Suspended:
			log.WithField("account", a.Email).Debug("skipping suspended account")
			continue
		case domain != "" && a.Domain != domain:
			continue
		case len(allowed) > 0 && !allowed[a.Email]:
			continue
		}
		seen[a.Email] = true
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b mail.Account) int { return strings.Compare(a.Email, b.Email) })
	if s.MaxAccounts > 0 && len(out) > s.MaxAccounts {
		out = out[:s.MaxAccounts]
	}
	return out
}

// Run archives every selected account. Account failures are reported in the
// Report; the returned error is set only when the run had to stop.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: m.runner.Options.RunID, Started: time.Now().UTC()}

	accounts, err := m.Accounts(ctx)
	if err != nil {
		return report, fatal(err)
	}
	log.WithField("run_id", report.RunID).Infof("archiving %d accounts with %d workers", len(accounts), m.concurrency)

	for i := range accounts {
		if principal, ok := m.principals.Resolve(accounts[i].Email); ok {
			accounts[i].Principal = principal
		}
	}

	results := make([]AccountResult, len(accounts))
	ran := make([]bool, len(accounts))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.Dispatcher != nil {
		dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
		dispatched := make(chan struct{})
		go func() {
			defer close(dispatched)
			m.Dispatcher.Run(dispatchCtx)
		}()
		defer func() {
			stopDispatch()
			<-dispatched
			drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancelDrain()
			if err := m.Dispatcher.Drain(drainCtx); err != nil {
				log.Warnf("outbox not fully drained: %v", err)
			}
		}()
	}

	var (
		fatalOnce sync.Once
		fatalErr  error
	)

	jobs := make(chan int, len(accounts))
	var wg sync.WaitGroup
	for w := range m.concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case i, ok := <-jobs:
					if !ok {
						return
					}
					res, err := m.runAccount(runCtx, accounts[i])
					results[i], ran[i] = res, true
					if err != nil {
						log.Errorf("[Worker %d] aborting run on %s: %v", workerID, accounts[i].Email, err)
						fatalOnce.Do(func() {
							fatalErr = err
							cancel()
						})
						return
					}
				}
			}
		}(w)
	}

	for i := range accounts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, ok := range ran {
		if ok {
			report.Accounts = append(report.Accounts, results[i])
		}
	}
	report.Finished = time.Now().UTC()

	if fatalErr != nil {
		return report, fatalErr
	}
	return report, ctx.Err()
}

// runAccount holds exclusive ownership of the account for the duration of its run
func (m *Manager) runAccount(ctx context.Context, acct mail.Account) (AccountResult, error) {
	accountCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.claim(acct.Email, cancel); err != nil {
		return AccountResult{Account: acct.Email, State: StateFailed, Err: err}, nil
	}
	defer m.release(acct.Email)

	return m.runner.RunAccount(accountCtx, acct)
}

var errAlreadyRunning = errors.New("sync already running")

func (m *Manager) claim(account string, cancel context.CancelFunc) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[account]; exists {
		return fmt.Errorf("%s: %w", account, errAlreadyRunning)
	}
	m.runners[account] = cancel
	return nil
}

func (m *Manager) release(account string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	delete(m.runners, account)
}

// IsRunning checks if an account is being archived
func (m *Manager) IsRunning(account string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[strings.ToLower(account)]
	return exists
}

// StopAll cancels every running account at its next unit boundary
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for account, cancel := range m.runners {
		log.Infof("Stopping sync for %s", account)
		cancel()
	}
}

// GetRunningSyncs returns the accounts currently being archived
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for account := range m.runners {
		syncs = append(syncs, account)
	}
	slices.Sort(syncs)
	return syncs
}
