package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/archive"
	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/index"
	natsjs "github.com/Martian-dev/mailvault/internal/nats"
	"github.com/Martian-dev/mailvault/internal/providers/gmail"
	"github.com/Martian-dev/mailvault/internal/providers/outlook"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/server"
	"github.com/Martian-dev/mailvault/internal/storage"
	"github.com/Martian-dev/mailvault/internal/storage/miniostore"
	"github.com/Martian-dev/mailvault/internal/storage/s3store"
	"github.com/Martian-dev/mailvault/internal/sync"
)

const usage = `usage: mailvault [run|search|rebuild-index|status|serve] [flags]

  run            archive every selected mailbox (default)
  search         query the local index
  rebuild-index  recreate the index from the archive
  status         show per-account checkpoints and recent runs
  serve          serve the search API on HTTP_ADDR
`

func main() {
	action, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	switch action {
	case "run":
		err = runSync(ctx, cfg, args)
	case "search":
		err = search(ctx, cfg, args)
	case "rebuild-index":
		err = rebuildIndex(ctx, cfg)
	case "status":
		err = status(ctx, cfg, args)
	case "serve":
		err = serve(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		stop()
		os.Exit(2)
	}
	stop()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Warn("interrupted")
		os.Exit(130)
	default:
		log.Errorf("%s failed: %v", action, err)
		os.Exit(1)
	}
}

func runSync(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", cfg.DryRun, "list and convert without writing anything")
	serveAPI := fs.Bool("serve", false, "serve the API on HTTP_ADDR while the run is going")
	fs.Parse(args)
	cfg.DryRun = *dryRun

	runID := uuid.NewString()
	logger := log.WithField("run_id", runID)

	store, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer store.Close()

	var idx *index.Store
	if (cfg.IndexEmails && !cfg.DryRun) || *serveAPI {
		if idx, err = index.Open(cfg.IndexDB, cfg.ArchiveRoot); err != nil {
			return err
		}
		defer idx.Close()
	}

	limiter := newLimiter(cfg)
	dest, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	source, directory, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	principals, err := sync.LoadPrincipals(cfg.PrincipalMapFile)
	if err != nil {
		return err
	}

	notify := cfg.NatsURL != "" && !cfg.DryRun
	runnerIdx := idx
	if !cfg.IndexEmails || cfg.DryRun {
		runnerIdx = nil
	}
	runner := sync.NewRunner(
		store,
		sync.NewFetcher(source, store, limiter, cfg.PageSize, cfg.MaxMessagesPerAccount),
		archive.New(dest, limiter, archive.Options{
			Root:            cfg.ArchiveRoot,
			DryRun:          cfg.DryRun,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}),
		runnerIdx,
		limiter,
		sync.Options{
			Window: sync.Window{
				Mode:             cfg.Mode,
				EarliestDate:     cfg.EarliestDate,
				IncrementalStart: cfg.IncrementalStart(),
			},
			BatchSize:               cfg.BatchSize,
			CheckpointInterval:      cfg.CheckpointInterval,
			DryRun:                  cfg.DryRun,
			VerifyRemoteOnColdStart: cfg.VerifyRemoteOnColdStart,
			Notify:                  notify,
			RunID:                   runID,
		},
	)
	manager := sync.NewManager(directory, principals, runner, limiter, sync.Selection{
		DomainFilter: cfg.DomainFilter,
		IncludeOnly:  cfg.IncludeOnly,
		MaxAccounts:  cfg.MaxAccounts,
	}, cfg.Concurrency)

	if notify {
		pub, err := natsjs.NewPublisher(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		manager.Dispatcher = sync.NewDispatcher(store, pub)
	}

	if *serveAPI {
		srv := &server.Server{Index: idx, Checkpoints: store, Archive: dest, Running: manager}
		if err := attachVerifier(ctx, cfg, srv); err != nil {
			return err
		}
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				logger.Errorf("API server stopped: %v", err)
			}
		}()
	}

	logger.WithFields(log.Fields{
		"mode":    cfg.Mode,
		"dry_run": cfg.DryRun,
		"source":  cfg.SourceProvider,
		"storage": cfg.StorageBackend,
	}).Info("starting archive run")

	report, runErr := manager.Run(ctx)
	summarize(logger, report)

	if !cfg.DryRun {
		totals := report.Totals()
		outcome := "completed"
		switch {
		case errors.Is(runErr, sync.ErrFatal):
			outcome = "aborted"
		case runErr != nil:
			outcome = "interrupted"
		}
		err := store.RecordRun(context.WithoutCancel(ctx), checkpoint.Run{
			RunID:          runID,
			Started:        report.Started,
			Finished:       time.Now().UTC(),
			Mode:           cfg.Mode,
			Accounts:       len(report.Accounts),
			FailedAccounts: len(report.Failed()),
			Archived:       totals.Archived,
			FailedMessages: totals.Failed,
			Outcome:        outcome,
		})
		if err != nil {
			logger.Warnf("failed to record run: %v", err)
		}
	}
	return runErr
}

func summarize(logger *log.Entry, report *sync.Report) {
	if report == nil {
		return
	}
	for _, a := range report.Failed() {
		logger.WithField("account", a.Account).Errorf("account failed: %v", a.Err)
	}
	t := report.Totals()
	logger.WithFields(log.Fields{
		"accounts":        len(report.Accounts),
		"failed_accounts": len(report.Failed()),
		"listed":          t.Listed,
		"archived":        t.Archived,
		"already_present": t.AlreadyPresent,
		"skipped":         t.Skipped,
		"dry_run":         t.DryRun,
		"failed":          t.Failed,
		"recovered":       t.Recovered,
	}).Info("archive run finished")
}

func newLimiter(cfg *config.Config) *ratelimit.Controller {
	return ratelimit.New(ratelimit.Settings{
		Delays: map[ratelimit.Class]time.Duration{
			ratelimit.ClassList:      cfg.RateLimitDelay,
			ratelimit.ClassGet:       cfg.RateLimitDelay,
			ratelimit.ClassExists:    cfg.RateLimitDelay,
			ratelimit.ClassDirectory: cfg.RateLimitDelay,
			ratelimit.ClassUpload:    cfg.UploadDelay,
		},
		DefaultDelay: cfg.RateLimitDelay,
		BusyEnabled:  cfg.BusinessHoursSlowdown,
		BusyStart:    cfg.BusinessStart,
		BusyEnd:      cfg.BusinessEnd,
		BusyDelay:    cfg.BusinessHoursDelay,
		Location:     cfg.Location(),
		BatchDelay:   cfg.BatchDelay,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		Jitter:       cfg.BackoffJitter,
	})
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "minio":
		return miniostore.New(ctx, miniostore.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
		})
	default:
		return s3store.New(ctx, s3store.Options{
			Bucket:         cfg.Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	}
}

func openSource(ctx context.Context, cfg *config.Config) (sync.Source, sync.Directory, error) {
	switch cfg.SourceProvider {
	case "microsoft":
		a, err := outlook.New(cfg.GraphAccessToken)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	default:
		src, err := gmail.New(cfg.GoogleSAJSON)
		if err != nil {
			return nil, nil, err
		}
		dir, err := gmail.NewDirectory(ctx, cfg.GoogleSAJSON, cfg.GoogleAdmin, cfg.GoogleCustomer)
		if err != nil {
			return nil, nil, err
		}
		return src, dir, nil
	}
}

func search(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	text := fs.String("q", "", "free text matched against subject, addresses, snippet and attachment names")
	account := fs.String("account", "", "only this mailbox")
	sender := fs.String("sender", "", "sender contains")
	subject := fs.String("subject", "", "subject contains")
	from := fs.String("from", "", "received on or after YYYY-MM-DD")
	to := fs.String("to", "", "received before YYYY-MM-DD")
	attachments := fs.Bool("attachments", false, "only messages with (or, with =false, without) attachments")
	limit := fs.Int("limit", 50, "maximum results")
	offset := fs.Int("offset", 0, "results to skip")
	csvPath := fs.String("csv", "", "write results to this CSV file")
	fs.Parse(args)

	q := index.Query{
		Text:    *text,
		Account: *account,
		Sender:  *sender,
		Subject: *subject,
		Limit:   *limit,
		Offset:  *offset,
	}
	var err error
	if q.From, err = parseDay(*from); err != nil {
		return err
	}
	if q.To, err = parseDay(*to); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "attachments" {
			q.HasAttachments = attachments
		}
	})

	idx, err := index.Open(cfg.IndexDB, cfg.ArchiveRoot)
	if err != nil {
		return err
	}
	defer idx.Close()

	records, err := idx.Search(ctx, q)
	if err != nil {
		return err
	}

	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *csvPath, err)
		}
		defer f.Close()
		if err := writeCSV(f, records); err != nil {
			return err
		}
		log.Infof("wrote %d results to %s", len(records), *csvPath)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tACCOUNT\tFROM\tSUBJECT\tATTACHMENTS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.Account, r.Sender, r.Subject, strings.Join(r.AttachmentNames, ", "))
	}
	fmt.Fprintf(w, "\n%d results\n", len(records))
	return w.Flush()
}

func writeCSV(out io.Writer, records []index.Record) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "account", "message_id", "sender", "recipients", "subject", "has_attachments", "attachment_names", "size", "path"}); err != nil {
		return err
	}
	for _, r := range records {
		err := w.Write([]string{
			r.Timestamp.Format(time.RFC3339),
			r.Account,
			r.MessageID,
			r.Sender,
			r.Recipients,
			r.Subject,
			strconv.FormatBool(r.HasAttachments),
			strings.Join(r.AttachmentNames, ","),
			strconv.FormatInt(r.Size, 10),
			r.Path,
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func rebuildIndex(ctx context.Context, cfg *config.Config) error {
	idx, err := index.Open(cfg.IndexDB, cfg.ArchiveRoot)
	if err != nil {
		return err
	}
	defer idx.Close()

	dest, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	report, err := idx.Rebuild(ctx, dest, newLimiter(cfg))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"listed":  report.Listed,
		"indexed": report.Indexed,
		"failed":  report.Failed,
	}).Info("index rebuilt")
	return nil
}

func status(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	failures := fs.Bool("failures", false, "list the failure log of every account")
	fs.Parse(args)

	store, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer store.Close()

	cps, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSTATUS\tMODE\tWATERMARK\tRESUMABLE\tPROCESSED\tFAILED\tLAST ERROR")
	for _, cp := range cps {
		watermark := "-"
		if !cp.Watermark.IsZero() {
			watermark = cp.Watermark.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			cp.Account, cp.Status, cp.Mode, watermark, cp.InProgress, cp.Counts.Processed, cp.Counts.Failed, cp.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if *failures {
		for _, cp := range cps {
			list, err := store.Failures(ctx, cp.Account, 0)
			if err != nil {
				return err
			}
			for _, f := range list {
				fmt.Printf("%s\t%s\tattempts=%d\t%s\n", f.Account, f.MessageID, f.Attempts, f.Error)
			}
		}
	}

	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tMODE\tACCOUNTS\tARCHIVED\tFAILED\tOUTCOME")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				r.RunID, r.Started.Format(time.RFC3339), r.Finished.Sub(r.Started).Round(time.Second),
				r.Mode, r.Accounts, r.Archived, r.FailedMessages, r.Outcome)
		}
		return w.Flush()
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer store.Close()

	idx, err := index.Open(cfg.IndexDB, cfg.ArchiveRoot)
	if err != nil {
		return err
	}
	defer idx.Close()

	srv := &server.Server{Index: idx, Checkpoints: store}
	if dest, err := openStorage(ctx, cfg); err != nil {
		log.Warnf("archive unavailable, raw message download disabled: %v", err)
	} else {
		srv.Archive = dest
	}

	if err := attachVerifier(ctx, cfg, srv); err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.HTTPAddr)
}

// attachVerifier guards the API with JWT auth when SEARCH_JWKS_URL is set
func attachVerifier(ctx context.Context, cfg *config.Config, srv *server.Server) error {
	if cfg.SearchJWKSURL == "" {
		log.Warn("SEARCH_JWKS_URL is not set, the API is unauthenticated")
		return nil
	}
	verifier, err := auth.NewVerifier(ctx, cfg.SearchJWKSURL,
		auth.WithAudience(cfg.SearchAudience), auth.WithIssuer(cfg.SearchIssuer))
	if err != nil {
		return err
	}
	srv.Verifier = verifier
	return nil
}
