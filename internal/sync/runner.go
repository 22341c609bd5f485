package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/archive"
	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/index"
	"github.com/Martian-dev/mailvault/internal/mail"
	natsjs "github.com/Martian-dev/mailvault/internal/nats"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

var (
	// ErrFatal marks errors that abort the whole run
	ErrFatal = errors.New("fatal")
	// ErrNoPrincipal means the account has no destination identity
	ErrNoPrincipal = errors.New("no destination principal")
)

const commitAttempts = 3

func fatal(err error) error {
	if errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// localErr is fatal unless the store call only failed because ctx ended,
// which makes it an interruption
func localErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fatal(err)
}

// State is the terminal state of one account in a run
type State string

const (
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Tally counts unit outcomes of one account run
type Tally struct {
	Listed         int `json:"listed"`
	Archived       int `json:"archived"`
	AlreadyPresent int `json:"already_present"`
	Skipped        int `json:"skipped"`
	DryRun         int `json:"dry_run"`
	Failed         int `json:"failed"`
	Recovered      int `json:"recovered"`
}

// AccountResult is the outcome of one account run
type AccountResult struct {
	Account  string        `json:"account"`
	State    State         `json:"state"`
	Tally    Tally         `json:"tally"`
	Complete bool          `json:"complete"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Options configures a Runner
type Options struct {
	Window                  Window
	BatchSize               int
	CheckpointInterval      int
	DryRun                  bool
	VerifyRemoteOnColdStart bool
	// Notify queues archive events in the outbox
	Notify bool
	RunID  string
}

// Runner archives one account at a time. It keeps no per-account state
// between calls, so one Runner serves every worker.
type Runner struct {
	Store    *checkpoint.Store
	Fetcher  *Fetcher
	Archiver *archive.Archiver
	// Index is nil when indexing is disabled
	Index   *index.Store
	Limiter *ratelimit.Controller
	Options Options

	now func() time.Time
}

// NewRunner creates a Runner
func NewRunner(store *checkpoint.Store, fetcher *Fetcher, archiver *archive.Archiver, idx *index.Store, limiter *ratelimit.Controller, opts Options) *Runner {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Runner{
		Store:    store,
		Fetcher:  fetcher,
		Archiver: archiver,
		Index:    idx,
		Limiter:  limiter,
		Options:  opts,
		now:      time.Now,
	}
}

// accountRun is the mutable state of one account run
type accountRun struct {
	acct        mail.Account
	cp          *checkpoint.Checkpoint
	checkRemote bool
	tally       Tally
	sinceCommit int
	logger      *log.Entry
}

// errAccount wraps failures that end the account but not the run
type errAccount struct{ err error }

func (e *errAccount) Error() string { return e.err.Error() }
func (e *errAccount) Unwrap() error { return e.err }

// RunAccount archives every unarchived message of acct. Account-level
// problems are reported in the result; only fatal errors are returned.
func (r *Runner) RunAccount(ctx context.Context, acct mail.Account) (AccountResult, error) {
	started := r.now()
	res := AccountResult{Account: acct.Email}
	logger := log.WithFields(log.Fields{"account": acct.Email, "run_id": r.Options.RunID})

	if acct.Principal == "" {
		logger.Warn("skipping account without destination principal")
		res.State = StateFailed
		res.Err = ErrNoPrincipal
		return res, nil
	}

	cp, err := r.Store.Load(ctx, acct.Email)
	if err != nil {
		return res, fatal(err)
	}
	Plan(cp, r.Options.Window, started)

	run := &accountRun{acct: acct, cp: cp, logger: logger}
	if r.Options.VerifyRemoteOnColdStart {
		has, err := r.Store.HasProcessed(ctx, acct.Email)
		if err != nil {
			return res, fatal(err)
		}
		run.checkRemote = !has
	}

	cp.Status = checkpoint.StatusRunning
	cp.LastError = ""
	if err := r.commit(ctx, run); err != nil {
		return res, err
	}
	logger.WithFields(log.Fields{
		"mode":     cp.Mode,
		"boundary": cp.Boundary,
		"resume":   cp.Cursor != "",
	}).Info("account sync started")

	complete, err := r.process(ctx, run)
	res.Tally = run.tally
	res.Complete = complete
	res.Duration = r.now().Sub(started)

	var acctErr *errAccount
	switch {
	case err == nil:
		res.State = StateDone
		if complete {
			cp.Watermark = cp.PendingWatermark
			cp.Cursor = ""
			cp.InProgress = false
		}
		cp.Status = checkpoint.StatusDone
	case errors.Is(err, ErrFatal):
		return res, err
	case errors.As(err, &acctErr):
		res.State = StateFailed
		res.Err = acctErr.err
		cp.Status = checkpoint.StatusFailed
		cp.LastError = acctErr.err.Error()
	case ctx.Err() != nil:
		res.State = StateInterrupted
		res.Err = ctx.Err()
		cp.Status = checkpoint.StatusInterrupted
	default:
		return res, fatal(err)
	}

	r.finishCounts(run)
	if err := r.commit(context.WithoutCancel(ctx), run); err != nil {
		return res, err
	}
	if res.State == StateDone {
		r.notifyCompleted(context.WithoutCancel(ctx), run, res)
	}

	entry := logger.WithFields(log.Fields{
		"archived":        run.tally.Archived,
		"already_present": run.tally.AlreadyPresent,
		"skipped":         run.tally.Skipped,
		"failed":          run.tally.Failed,
		"duration":        res.Duration.Round(time.Millisecond).String(),
	})
	switch res.State {
	case StateFailed:
		entry.Errorf("account sync failed: %v", res.Err)
	case StateInterrupted:
		entry.Warn("account sync interrupted")
	default:
		entry.Info("account sync finished")
	}
	return res, nil
}

func (r *Runner) process(ctx context.Context, run *accountRun) (bool, error) {
	if err := r.retryFailures(ctx, run); err != nil {
		return false, err
	}

	batchNo := 0
	complete, err := r.Fetcher.Stream(ctx, run.acct.Email, run.cp, func(page Page) error {
		run.tally.Listed += len(page.Refs) + page.Skipped
		run.tally.Skipped += page.Skipped

		for start := 0; start < len(page.Refs); start += r.Options.BatchSize {
			end := min(start+r.Options.BatchSize, len(page.Refs))
			if batchNo > 0 {
				if err := r.Limiter.PauseBetweenBatches(ctx); err != nil {
					return err
				}
			}
			batchNo++

			for _, ref := range page.Refs[start:end] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := r.processUnit(ctx, run, ref, false); err != nil {
					return err
				}
				if err := r.maybeCommit(ctx, run); err != nil {
					return err
				}
			}

			// the page is not done yet, so a resume must replay it
			run.cp.Cursor = page.StartToken
			if err := r.commit(ctx, run); err != nil {
				return err
			}
			run.logger.WithField("batch", batchNo).Debugf("batch of %d committed", end-start)
		}

		if !page.Truncated {
			run.cp.Cursor = page.NextToken
		}
		return r.commit(ctx, run)
	})
	if err != nil && ctx.Err() == nil && errors.Is(err, ErrListFailed) {
		return false, &errAccount{err: err}
	}
	return complete, err
}

// retryFailures gives every unit of the failure log another attempt
func (r *Runner) retryFailures(ctx context.Context, run *accountRun) error {
	failures, err := r.Store.Failures(ctx, run.acct.Email, 0)
	if err != nil {
		return localErr(ctx, err)
	}
	if len(failures) == 0 {
		return nil
	}
	run.logger.Infof("retrying %d previously failed messages", len(failures))

	for _, f := range failures {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := r.Store.Processed(ctx, run.acct.Email, []string{f.MessageID})
		if err != nil {
			return localErr(ctx, err)
		}
		if done[f.MessageID] {
			if !r.Options.DryRun {
				if err := r.Store.ClearFailure(ctx, run.acct.Email, f.MessageID); err != nil {
					return localErr(ctx, err)
				}
			}
			continue
		}

		failedBefore := run.tally.Failed
		if err := r.processUnit(ctx, run, mail.MessageRef{ID: f.MessageID, Timestamp: f.Timestamp}, true); err != nil {
			return err
		}
		if run.tally.Failed == failedBefore {
			run.tally.Recovered++
		}
	}
	return r.maybeCommit(ctx, run)
}

// processUnit fetches, archives, indexes and records one message. Unit
// failures are logged and swallowed; the error return carries only
// account-level, fatal or cancellation errors.
func (r *Runner) processUnit(ctx context.Context, run *accountRun, ref mail.MessageRef, retry bool) error {
	account := run.acct.Email
	logger := run.logger.WithField("message_id", ref.ID)

	m, err := r.Fetcher.Fetch(ctx, account, ref)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, mail.ErrAccountAccess):
			return &errAccount{err: err}
		case retry && errors.Is(err, mail.ErrMessageNotFound):
			logger.Warn("previously failed message no longer exists at the source")
			if !r.Options.DryRun {
				if err := r.Store.ClearFailure(ctx, account, ref.ID); err != nil {
					return localErr(ctx, err)
				}
			}
			return nil
		}
		return r.unitFailed(ctx, run, ref, err)
	}

	result := r.Archiver.Archive(ctx, run.acct, m, run.checkRemote)
	switch result.Status {
	case archive.Failed:
		if errors.Is(result.Err, storage.ErrAccessDenied) {
			return &errAccount{err: result.Err}
		}
		if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		return r.unitFailed(ctx, run, ref, result.Err)
	case archive.DryRun:
		run.tally.DryRun++
		return nil
	case archive.Archived:
		run.tally.Archived++
	case archive.AlreadyPresent:
		run.tally.AlreadyPresent++
	case archive.Skipped:
		run.tally.Skipped++
	}

	// the artifact is stored; finish the unit even if a shutdown arrived meanwhile
	unitCtx := context.WithoutCancel(ctx)
	if r.Index != nil {
		if _, err := r.Index.Index(unitCtx, result.Artifact.Path, result.Artifact.Content); err != nil {
			return r.unitFailed(unitCtx, run, ref, fmt.Errorf("index: %w", err))
		}
	}

	if _, err := r.Store.MarkProcessed(unitCtx, account, m.ID, result.Artifact.Path, r.archivedEvent(run, m, result)); err != nil {
		return fatal(err)
	}
	run.sinceCommit++
	logger.WithField("status", result.Status.String()).Debug("message stored")
	return nil
}

func (r *Runner) unitFailed(ctx context.Context, run *accountRun, ref mail.MessageRef, cause error) error {
	run.tally.Failed++
	run.logger.WithField("message_id", ref.ID).Warnf("message failed: %v", cause)
	if r.Options.DryRun {
		return nil
	}
	if err := r.Store.RecordFailure(context.WithoutCancel(ctx), run.acct.Email, ref.ID, ref.Timestamp, cause); err != nil {
		return fatal(err)
	}
	return nil
}

func (r *Runner) maybeCommit(ctx context.Context, run *accountRun) error {
	if r.Options.CheckpointInterval <= 0 || run.sinceCommit < r.Options.CheckpointInterval {
		return nil
	}
	return r.commit(ctx, run)
}

// commit persists the checkpoint, retrying a few times before giving up on the run
func (r *Runner) commit(ctx context.Context, run *accountRun) error {
	if r.Options.DryRun {
		return nil
	}
	r.finishCounts(run)

	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		if err = r.Store.Commit(context.WithoutCancel(ctx), run.cp); err == nil {
			run.sinceCommit = 0
			return nil
		}
		run.logger.Warnf("checkpoint commit failed (attempt %d/%d): %v", attempt, commitAttempts, err)
		if attempt < commitAttempts {
			_ = ratelimit.Sleep(context.WithoutCancel(ctx), time.Duration(attempt)*100*time.Millisecond)
		}
	}
	return fatal(fmt.Errorf("checkpoint for %s: %w", run.acct.Email, err))
}

// finishCounts copies the run tally into the diagnostic counters; Skipped and
// Failed describe the latest run, Processed is maintained by the store
func (r *Runner) finishCounts(run *accountRun) {
	run.cp.Counts.Skipped = int64(run.tally.Skipped + run.tally.AlreadyPresent)
	run.cp.Counts.Failed = int64(run.tally.Failed)
}

type archivedPayload struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Sender    string    `json:"sender"`
	Size      int64     `json:"size"`
}

func (r *Runner) archivedEvent(run *accountRun, m *mail.Message, result archive.Result) *checkpoint.OutboxEvent {
	if !r.Options.Notify {
		return nil
	}
	payload, _ := json.Marshal(archivedPayload{
		EventID:   uuid.NewString(),
		RunID:     r.Options.RunID,
		Account:   run.acct.Email,
		MessageID: m.ID,
		Path:      result.Artifact.Path,
		Status:    result.Status.String(),
		Timestamp: m.Timestamp,
		Subject:   m.Subject,
		Sender:    m.Sender,
		Size:      int64(len(result.Artifact.Content)),
	})
	return &checkpoint.OutboxEvent{
		Subject:   natsjs.Subject(run.acct.Email, natsjs.EventArchived),
		EventType: "archive." + natsjs.EventArchived,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", natsjs.EventArchived, run.acct.Email, m.ID),
	}
}

func (r *Runner) notifyCompleted(ctx context.Context, run *accountRun, res AccountResult) {
	if !r.Options.Notify || r.Options.DryRun {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"run_id":   r.Options.RunID,
		"account":  run.acct.Email,
		"complete": res.Complete,
		"tally":    res.Tally,
		"ts":       r.now().UTC(),
	})
	err := r.Store.Enqueue(ctx, checkpoint.OutboxEvent{
		Subject:   natsjs.Subject(run.acct.Email, natsjs.EventCompleted),
		EventType: "archive." + natsjs.EventCompleted,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", natsjs.EventCompleted, run.acct.Email, r.Options.RunID),
	})
	if err != nil {
		run.logger.Warnf("failed to queue completion event: %v", err)
	}
}
