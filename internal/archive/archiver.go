// Package archive turns fetched messages into immutable objects on the archive store.
package archive

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

// Status is the outcome of archiving one message
type Status int

const (
	Archived Status = iota
	// AlreadyPresent: the upload found an existing object under the key
	AlreadyPresent
	// Skipped: the remote check found the object, no upload was attempted
	Skipped
	DryRun
	Failed
)

func (s Status) String() string {
	switch s {
	case Archived:
		return "archived"
	case AlreadyPresent:
		return "already_present"
	case Skipped:
		return "skipped"
	case DryRun:
		return "dry_run"
	default:
		return "failed"
	}
}

// Stored reports whether an artifact for the message is known to be at the destination
func (s Status) Stored() bool {
	return s == Archived || s == AlreadyPresent || s == Skipped
}

// Result of Archive
type Result struct {
	Status   Status
	Artifact Artifact
	Err      error
}

// Options configures an Archiver
type Options struct {
	Root            string
	DryRun          bool
	MaxMessageBytes int64
}

// Archiver converts and uploads messages
type Archiver struct {
	store   storage.Store
	limiter *ratelimit.Controller
	opts    Options
}

// New creates an Archiver
func New(store storage.Store, limiter *ratelimit.Controller, opts Options) *Archiver {
	return &Archiver{store: store, limiter: limiter, opts: opts}
}

// Archive stores one message. When checkRemote is set the destination is asked
// first and an existing object short-circuits the upload. An upload that has
// started is allowed to finish even if ctx is cancelled.
func (a *Archiver) Archive(ctx context.Context, account mail.Account, m *mail.Message, checkRemote bool) Result {
	content, err := Convert(account.Email, m, a.opts.MaxMessageBytes)
	if err != nil {
		return Result{Status: Failed, Err: err}
	}
	artifact := Artifact{
		Path:        Path(a.opts.Root, account.Email, m),
		Content:     content,
		ContentType: ContentType(content),
	}
	logger := log.WithFields(log.Fields{
		"account":    account.Email,
		"message_id": m.ID,
		"path":       artifact.Path,
	})

	if a.opts.DryRun {
		logger.Infof("dry run: would upload %d bytes", len(content))
		return Result{Status: DryRun, Artifact: artifact}
	}

	if checkRemote {
		var exists bool
		err := a.limiter.Do(ctx, ratelimit.ClassExists, func(ctx context.Context) error {
			var err error
			exists, err = a.store.Exists(ctx, artifact.Path)
			return err
		})
		if err != nil {
			return Result{Status: Failed, Artifact: artifact, Err: fmt.Errorf("check %s: %w", artifact.Path, err)}
		}
		if exists {
			logger.Debug("already archived")
			return Result{Status: Skipped, Artifact: a.stored(context.WithoutCancel(ctx), logger, artifact)}
		}
	}

	var res storage.PutResult
	uploadCtx := context.WithoutCancel(ctx)
	err = a.limiter.Do(uploadCtx, ratelimit.ClassUpload, func(ctx context.Context) error {
		var err error
		res, err = a.store.Put(ctx, artifact.Path, content, storage.PutOptions{
			Principal:   account.Principal,
			Account:     account.Email,
			ContentType: artifact.ContentType,
		})
		return err
	})
	if err != nil {
		return Result{Status: Failed, Artifact: artifact, Err: fmt.Errorf("upload %s: %w", artifact.Path, err)}
	}

	if res == storage.Conflict {
		logger.Debug("upload conflict, object already present")
		return Result{Status: AlreadyPresent, Artifact: a.stored(uploadCtx, logger, artifact)}
	}
	logger.Debugf("uploaded %d bytes", len(content))
	return Result{Status: Archived, Artifact: artifact}
}

// stored replaces the converted content with the bytes already at the
// destination. Mutable headers such as labels may differ between the two, and
// the index has to describe the archived object.
func (a *Archiver) stored(ctx context.Context, logger *log.Entry, artifact Artifact) Artifact {
	var data []byte
	err := a.limiter.Do(ctx, ratelimit.ClassExists, func(ctx context.Context) error {
		var err error
		data, err = a.store.Get(ctx, artifact.Path)
		return err
	})
	if err != nil {
		logger.Warnf("reading existing artifact failed, keeping the converted copy: %v", err)
		return artifact
	}
	artifact.Content = data
	return artifact
}
