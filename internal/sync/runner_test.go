package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Martian-dev/mailvault/internal/archive"
	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

const alice = "alice@example.com"

type RunnerSuite struct {
	suite.Suite
	h   *harness
	ctx context.Context
}

func TestRunner(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (suite *RunnerSuite) SetupTest() {
	suite.h = newHarness(suite.T())
	suite.ctx = context.Background()
}

func (suite *RunnerSuite) seed(ids ...string) {
	for i, id := range ids {
		suite.h.source.add(alice, id, day(i+1))
	}
}

func (suite *RunnerSuite) TestFullRunArchivesEveryMessage() {
	suite.seed("m1", "m2", "m3")

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	assert.True(suite.T(), res.Complete)
	assert.Equal(suite.T(), 3, res.Tally.Archived)
	assert.Len(suite.T(), suite.h.archive.Keys(), 3)

	cp := suite.h.checkpoint(alice)
	assert.Equal(suite.T(), checkpoint.StatusDone, cp.Status)
	assert.False(suite.T(), cp.InProgress)
	assert.Empty(suite.T(), cp.Cursor)
	assert.Equal(suite.T(), suite.h.clock, cp.Watermark)
	assert.Equal(suite.T(), int64(3), cp.Counts.Processed)

	n, err := suite.h.index.Count(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, n)
}

func (suite *RunnerSuite) TestSecondRunUploadsNothing() {
	suite.seed("m1", "m2", "m3")
	suite.h.run(suite.ctx, alice)
	puts := suite.h.archive.Puts()

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	assert.Equal(suite.T(), 0, res.Tally.Archived)
	assert.Equal(suite.T(), 3, res.Tally.Skipped)
	assert.Equal(suite.T(), puts, suite.h.archive.Puts())
	assert.Equal(suite.T(), 1, suite.h.source.gets["m1"])

	n, err := suite.h.index.Count(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, n)
}

// the artifact of m1 reached the destination but the run died before it was
// recorded as processed
func (suite *RunnerSuite) TestUploadedButUnrecordedMessageIsNotDuplicated() {
	suite.seed("m1", "m2", "m3")
	m1, err := suite.h.source.Get(suite.ctx, alice, "m1")
	require.NoError(suite.T(), err)
	content, err := archive.Convert(alice, m1, 0)
	require.NoError(suite.T(), err)
	_, err = suite.h.archive.Put(suite.ctx, archive.Path("root", alice, m1), content, storage.PutOptions{})
	require.NoError(suite.T(), err)

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	assert.Equal(suite.T(), 2, res.Tally.Archived)
	assert.Equal(suite.T(), 1, res.Tally.AlreadyPresent)
	assert.Len(suite.T(), suite.h.archive.Keys(), 3)

	n, err := suite.h.index.Count(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, n)

	done, err := suite.h.store.Processed(suite.ctx, alice, []string{"m1", "m2", "m3"})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), map[string]bool{"m1": true, "m2": true, "m3": true}, done)
}

func (suite *RunnerSuite) TestCancelDuringUploadFinishesTheUnit() {
	for _, indexed := range []bool{true, false} {
		suite.Run(map[bool]string{true: "indexed", false: "unindexed"}[indexed], func() {
			suite.SetupTest()
			suite.h.noIndex = !indexed
			suite.seed("m1", "m2", "m3")
			ctx, cancel := context.WithCancel(suite.ctx)
			defer cancel()
			suite.h.archive.FailPut = func(key string) error {
				if strings.Contains(key, "_m2_") {
					cancel()
				}
				return nil
			}

			res, err := suite.h.runner().RunAccount(ctx, account(alice))

			require.NoError(suite.T(), err)
			assert.Equal(suite.T(), StateInterrupted, res.State)
			assert.Equal(suite.T(), 2, res.Tally.Archived)
			assert.Zero(suite.T(), res.Tally.Failed)

			cp := suite.h.checkpoint(alice)
			assert.Equal(suite.T(), checkpoint.StatusInterrupted, cp.Status)
			assert.Equal(suite.T(), int64(2), cp.Counts.Processed)

			failures, err := suite.h.store.Failures(suite.ctx, alice, 0)
			require.NoError(suite.T(), err)
			assert.Empty(suite.T(), failures)

			suite.h.archive.FailPut = nil
			rerun := suite.h.run(suite.ctx, alice)
			assert.Equal(suite.T(), StateDone, rerun.State)
			assert.Equal(suite.T(), 1, rerun.Tally.Archived)
			assert.Equal(suite.T(), 3, suite.h.archive.Puts())
		})
	}
}

func (suite *RunnerSuite) TestCancelledListingFilterIsAnInterruption() {
	suite.seed("m1", "m2")
	ctx, cancel := context.WithCancel(suite.ctx)
	suite.h.source.listErr = func(string, mail.ListQuery) error {
		cancel()
		return nil
	}

	res := suite.h.run(ctx, alice)

	assert.Equal(suite.T(), StateInterrupted, res.State)
	assert.ErrorIs(suite.T(), res.Err, context.Canceled)
	assert.Equal(suite.T(), checkpoint.StatusInterrupted, suite.h.checkpoint(alice).Status)
}

// m1 and m2 are committed as one batch, the run stops before m3 finishes;
// the next run archives m3 only
func (suite *RunnerSuite) TestResumeAfterInterruptionArchivesOnlyTheRest() {
	suite.seed("m1", "m2", "m3")
	ctx, cancel := context.WithCancel(suite.ctx)
	suite.h.source.getErr = func(_, id string) error {
		if id == "m3" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	first := suite.h.run(ctx, alice)
	assert.Equal(suite.T(), StateInterrupted, first.State)
	assert.Equal(suite.T(), 2, first.Tally.Archived)

	cp := suite.h.checkpoint(alice)
	assert.True(suite.T(), cp.InProgress)
	assert.Equal(suite.T(), checkpoint.StatusInterrupted, cp.Status)
	assert.True(suite.T(), cp.Watermark.IsZero())

	suite.h.source.getErr = nil
	second := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, second.State)
	assert.Equal(suite.T(), 1, second.Tally.Archived)
	assert.Equal(suite.T(), 2, second.Tally.Skipped)
	assert.Equal(suite.T(), 3, suite.h.archive.Puts())
	assert.Equal(suite.T(), 1, suite.h.source.gets["m1"])
	assert.Equal(suite.T(), 1, suite.h.source.gets["m2"])
}

func (suite *RunnerSuite) TestResumeContinuesFromTheInterruptedPage() {
	suite.h.pageSz = 2
	suite.seed("m1", "m2", "m3", "m4", "m5")
	ctx, cancel := context.WithCancel(suite.ctx)
	suite.h.source.getErr = func(_, id string) error {
		if id == "m4" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	suite.h.run(ctx, alice)
	assert.Equal(suite.T(), "2", suite.h.checkpoint(alice).Cursor)

	suite.h.source.getErr = nil
	suite.h.source.listed = nil
	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), []string{"2", "4"}, suite.h.source.tokens())
	assert.Equal(suite.T(), 2, res.Tally.Archived)
	assert.Equal(suite.T(), 1, res.Tally.Skipped)
	assert.Len(suite.T(), suite.h.archive.Keys(), 5)
}

func (suite *RunnerSuite) TestIncrementalListsFromWatermark() {
	suite.h.opts.Window = Window{Mode: config.ModeIncremental, IncrementalStart: day(1)}
	suite.seed("m1", "m2")

	suite.h.run(suite.ctx, alice)
	assert.Equal(suite.T(), day(1), suite.h.source.listed[0].After)
	watermark := suite.h.checkpoint(alice).Watermark
	assert.Equal(suite.T(), suite.h.clock, watermark)

	suite.h.source.add(alice, "late", suite.h.clock.Add(time.Hour))
	suite.h.source.add(alice, "backdated", day(3))
	suite.h.clock = suite.h.clock.Add(24 * time.Hour)
	suite.h.source.listed = nil

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), watermark, suite.h.source.listed[0].After)
	assert.Equal(suite.T(), 1, res.Tally.Archived)
	assert.Equal(suite.T(), 0, suite.h.source.gets["backdated"])
	assert.Equal(suite.T(), suite.h.clock, suite.h.checkpoint(alice).Watermark)
}

func (suite *RunnerSuite) TestUnitFailureIsLoggedAndRetriedNextRun() {
	suite.seed("m1", "m2", "m3")
	suite.h.source.getErr = func(_, id string) error {
		if id == "m2" {
			return ratelimit.Permanent(errors.New("malformed request"))
		}
		return nil
	}

	first := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, first.State)
	assert.Equal(suite.T(), 2, first.Tally.Archived)
	assert.Equal(suite.T(), 1, first.Tally.Failed)
	failures, err := suite.h.store.Failures(suite.ctx, alice, 0)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), failures, 1)
	assert.Equal(suite.T(), "m2", failures[0].MessageID)
	assert.Equal(suite.T(), int64(1), suite.h.checkpoint(alice).Counts.Failed)

	suite.h.source.getErr = nil
	second := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), 1, second.Tally.Recovered)
	assert.Equal(suite.T(), 1, second.Tally.Archived)
	failures, err = suite.h.store.Failures(suite.ctx, alice, 0)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), failures)
}

func (suite *RunnerSuite) TestRetriesExhaustedIsUnitFailure() {
	suite.seed("m1", "m2")
	suite.h.source.getErr = func(_, id string) error {
		if id == "m1" {
			return ratelimit.Transient(errors.New("503"), 0)
		}
		return nil
	}

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	assert.Equal(suite.T(), 1, res.Tally.Failed)
	assert.Equal(suite.T(), 3, suite.h.source.gets["m1"])
	assert.Equal(suite.T(), 1, res.Tally.Archived)
}

func (suite *RunnerSuite) TestMissingFailedMessageIsDropped() {
	require.NoError(suite.T(), suite.h.store.RecordFailure(suite.ctx, alice, "gone", day(1), errors.New("boom")))

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	failures, err := suite.h.store.Failures(suite.ctx, alice, 0)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), failures)
}

func (suite *RunnerSuite) TestAccessDeniedEndsTheAccount() {
	suite.seed("m1", "m2")
	suite.h.source.getErr = func(_, id string) error {
		return ratelimit.Permanent(mail.ErrAccountAccess)
	}

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateFailed, res.State)
	assert.ErrorIs(suite.T(), res.Err, mail.ErrAccountAccess)
	cp := suite.h.checkpoint(alice)
	assert.Equal(suite.T(), checkpoint.StatusFailed, cp.Status)
	assert.NotEmpty(suite.T(), cp.LastError)
	assert.True(suite.T(), cp.InProgress)
}

func (suite *RunnerSuite) TestDestinationAccessDeniedEndsTheAccount() {
	suite.seed("m1")
	suite.h.archive.FailPut = func(key string) error {
		return storage.Classified("put", "bucket", key, 403, 0, errors.New("AccessDenied"))
	}

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateFailed, res.State)
	assert.ErrorIs(suite.T(), res.Err, storage.ErrAccessDenied)
}

func (suite *RunnerSuite) TestListingFailureEndsTheAccount() {
	suite.h.source.listErr = func(string, mail.ListQuery) error {
		return ratelimit.Transient(errors.New("backend error"), 0)
	}

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateFailed, res.State)
	assert.ErrorIs(suite.T(), res.Err, ratelimit.ErrRetriesExhausted)
	assert.Len(suite.T(), suite.h.source.listed, 3)
}

func (suite *RunnerSuite) TestMissingPrincipalSkipsAccount() {
	suite.seed("m1")

	res, err := suite.h.runner().RunAccount(suite.ctx, mail.Account{Email: alice})

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), StateFailed, res.State)
	assert.ErrorIs(suite.T(), res.Err, ErrNoPrincipal)
	assert.Empty(suite.T(), suite.h.source.listed)
}

func (suite *RunnerSuite) TestDryRunWritesNothing() {
	suite.h.opts.DryRun = true
	suite.seed("m1", "m2", "m3")

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), StateDone, res.State)
	assert.Equal(suite.T(), 3, res.Tally.DryRun)
	assert.Empty(suite.T(), suite.h.archive.Keys())
	assert.Equal(suite.T(), checkpoint.StatusPending, suite.h.checkpoint(alice).Status)
	has, err := suite.h.store.HasProcessed(suite.ctx, alice)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), has)
	n, err := suite.h.index.Count(suite.ctx)
	require.NoError(suite.T(), err)
	assert.Zero(suite.T(), n)
}

func (suite *RunnerSuite) TestColdStartChecksDestinationFirst() {
	suite.h.opts.VerifyRemoteOnColdStart = true
	suite.seed("m1", "m2")

	// m1 was archived by an earlier installation whose local state is gone
	m1, err := suite.h.source.Get(suite.ctx, alice, "m1")
	require.NoError(suite.T(), err)
	content, err := archive.Convert(alice, m1, 0)
	require.NoError(suite.T(), err)
	_, err = suite.h.archive.Put(suite.ctx, archive.Path("root", alice, m1), content, storage.PutOptions{})
	require.NoError(suite.T(), err)
	puts := suite.h.archive.Puts()

	res := suite.h.run(suite.ctx, alice)

	assert.Equal(suite.T(), 1, res.Tally.Skipped)
	assert.Equal(suite.T(), 1, res.Tally.Archived)
	assert.Equal(suite.T(), puts+1, suite.h.archive.Puts())
	has, err := suite.h.store.HasProcessed(suite.ctx, alice)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), has)
}

func (suite *RunnerSuite) TestMessageCapLeavesListingOpen() {
	suite.h.maxMsgs = 2
	suite.seed("m1", "m2", "m3")

	first := suite.h.run(suite.ctx, alice)
	assert.False(suite.T(), first.Complete)
	assert.Equal(suite.T(), 2, first.Tally.Archived)
	assert.True(suite.T(), suite.h.checkpoint(alice).InProgress)

	second := suite.h.run(suite.ctx, alice)
	assert.True(suite.T(), second.Complete)
	assert.Equal(suite.T(), 1, second.Tally.Archived)
	assert.False(suite.T(), suite.h.checkpoint(alice).InProgress)
}

func (suite *RunnerSuite) TestNotifyQueuesEvents() {
	suite.h.opts.Notify = true
	suite.seed("m1", "m2")

	suite.h.run(suite.ctx, alice)

	pending, err := suite.h.store.PendingOutbox(suite.ctx)
	require.NoError(suite.T(), err)
	// one per message plus the completion event
	assert.Equal(suite.T(), 3, pending)
}

func (suite *RunnerSuite) TestCheckpointStoreFailureIsFatal() {
	suite.seed("m1")
	require.NoError(suite.T(), suite.h.store.Close())

	_, err := suite.h.runner().RunAccount(suite.ctx, account(alice))

	assert.ErrorIs(suite.T(), err, ErrFatal)
}

func TestPlanKeepsInProgressWindow(t *testing.T) {
	w := Window{Mode: config.ModeFull, EarliestDate: day(1)}
	cp := &checkpoint.Checkpoint{Mode: config.ModeFull, InProgress: true, Boundary: day(2), PendingWatermark: day(3), Cursor: "7"}

	Plan(cp, w, day(10))

	assert.Equal(t, day(2), cp.Boundary)
	assert.Equal(t, day(3), cp.PendingWatermark)
	assert.Equal(t, "7", cp.Cursor)
}

func TestPlanReplansOnModeChange(t *testing.T) {
	w := Window{Mode: config.ModeIncremental, IncrementalStart: day(1)}
	cp := &checkpoint.Checkpoint{Mode: config.ModeFull, InProgress: true, Watermark: day(5), Cursor: "7"}

	Plan(cp, w, day(10))

	assert.Equal(t, day(5), cp.Boundary)
	assert.Equal(t, day(10), cp.PendingWatermark)
	assert.Empty(t, cp.Cursor)
	assert.True(t, cp.InProgress)
}
