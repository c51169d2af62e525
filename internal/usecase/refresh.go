package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// DefaultRetryInterval is the first backoff interval for transient failures.
const DefaultRetryInterval = 2 * time.Second

type (
	Logger interface {
		Infof(template string, args ...interface{})
		Errorf(template string, args ...interface{})
		Warnf(template string, args ...interface{})
	}

	CommandRunner interface {
		Run(ctx context.Context, shell domain.Shell, command string) (domain.CommandResult, error)
	}

	ArchiveFetcher interface {
		Fetch(ctx context.Context, src domain.FileSource, remotePath, localDir, wantSHA256 string) (string, error)
	}

	UploadTarget struct {
		Name    string
		Storage domain.Storage
	}

	// RefreshDeps are the collaborators of a Refresh. Notifier, UploadTargets,
	// Now, NewRunID and RunLogger are optional.
	RefreshDeps struct {
		Connector     domain.Connector
		Runner        CommandRunner
		Fetcher       ArchiveFetcher
		Extractor     domain.Extractor
		Database      domain.Database
		UploadTargets []UploadTarget
		Notifier      domain.Notifier
		Logger        Logger
		Now           func() time.Time
		NewRunID      func() string
		RunLogger     func(runID, backup string) Logger
	}

	RefreshOptions struct {
		WorkDir        string
		KeepArchive    bool
		KeepExtracted  bool
		VerifyChecksum bool
		Retry          bool
		RetryInterval  time.Duration
		Preflight      bool
	}

	// Request selects what one run restores. Date and Target are optional.
	Request struct {
		Backup string
		Date   string
		Target *domain.RestoreTarget
	}

	// Report describes a finished run. Stage is the last stage reached.
	Report struct {
		RunID     string
		Backup    domain.BackupName
		Stage     domain.Stage
		Archive   string
		Extracted string
		Result    *domain.CommandResult
		Mirrored  []string
		Duration  time.Duration
	}
)

// Refresh fetches the latest backup set from the backup host and restores it.
type Refresh struct {
	deps   RefreshDeps
	params domain.ConnectionParameters
	target domain.RestoreTarget
	opts   RefreshOptions
}

func NewRefresh(deps RefreshDeps, params domain.ConnectionParameters, target domain.RestoreTarget, opts RefreshOptions) *Refresh {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.RunLogger == nil {
		base := deps.Logger
		deps.RunLogger = func(string, string) Logger { return base }
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Refresh{deps: deps, params: params, target: target, opts: opts}
}

// ArchiveCommand builds the remote command that packs a backup set into an
// archive in the remote user's home directory.
func ArchiveCommand(root string, name domain.BackupName) string {
	return fmt.Sprintf(`cd %s && tar -czf "$HOME"/%s %s`,
		shellescape.Quote(name.RemoteSourceDir(root)),
		shellescape.Quote(name.ArchiveName()),
		shellescape.Quote(name.Name),
	)
}

// ChecksumCommand prints the SHA-256 of the remote archive.
func ChecksumCommand(name domain.BackupName) string {
	return `sha256sum "$HOME"/` + shellescape.Quote(name.ArchiveName())
}

func (uc *Refresh) Execute(ctx context.Context, backup string) (Report, error) {
	return uc.Run(ctx, Request{Backup: backup})
}

// Run performs one refresh. Failures are returned as *domain.StageError
// naming the stage that could not be reached; the session, when one was
// opened, is closed exactly once before Run returns.
func (uc *Refresh) Run(ctx context.Context, req Request) (Report, error) {
	start := uc.deps.Now()
	report := Report{RunID: uc.deps.NewRunID(), Stage: domain.StageIdle}

	if req.Backup == "" || strings.ContainsAny(req.Backup, `/\`) || req.Backup == "." || req.Backup == ".." {
		return report, fmt.Errorf("invalid backup name %q", req.Backup)
	}
	name := domain.NewBackupName(req.Backup, start)
	if req.Date != "" {
		date, err := domain.ParseDateStamp(req.Date)
		if err != nil {
			return report, err
		}
		name.Date = date
	}
	report.Backup = name

	target := uc.target
	if req.Target != nil {
		target = *req.Target
	}

	log := uc.deps.RunLogger(report.RunID, name.String())
	log.Infof("[%s] Starting refresh into %s", name, target)

	err := uc.run(ctx, log, name, target, &report)
	report.Duration = uc.deps.Now().Sub(start)

	if err != nil {
		log.Errorf("[%s] Refresh %v", name, err)
	} else {
		log.Infof("[%s] Refresh completed in %s", name, report.Duration.Round(time.Second))
	}
	uc.notify(log, report, err)
	return report, err
}

func (uc *Refresh) run(ctx context.Context, log Logger, name domain.BackupName, target domain.RestoreTarget, report *Report) error {
	var session domain.Session
	err := uc.retry(ctx, log, "connect", func() error {
		var err error
		session, err = uc.deps.Connector.Open(ctx, uc.params)
		return err
	})
	if err != nil {
		return &domain.StageError{Stage: domain.StageConnected, Err: err}
	}

	release := sync.OnceFunc(func() {
		if err := session.Close(); err != nil {
			log.Warnf("[%s] Closing session: %v", name, err)
		}
	})
	defer release()
	report.Stage = domain.StageConnected
	log.Infof("[%s] Connected to %s", name, uc.params.Address())

	result, err := uc.deps.Runner.Run(ctx, session, ArchiveCommand(uc.params.RemoteBackupRoot, name))
	if err != nil {
		return &domain.StageError{Stage: domain.StageRemoteArchiveCreated, Err: err}
	}
	if !result.Success() {
		return &domain.StageError{
			Stage:  domain.StageRemoteArchiveCreated,
			Result: &result,
			Err:    fmt.Errorf("%w: archive command failed: %s", domain.ErrRemoteCommand, result.Tail(3)),
		}
	}
	report.Stage = domain.StageRemoteArchiveCreated
	log.Infof("[%s] Remote archive %s created", name, name.ArchiveName())

	var wantSHA256 string
	if uc.opts.VerifyChecksum {
		wantSHA256 = uc.remoteChecksum(ctx, log, session, name)
	}

	var archive string
	err = uc.retry(ctx, log, "fetch", func() error {
		var err error
		archive, err = uc.deps.Fetcher.Fetch(ctx, session, name.ArchiveName(), uc.opts.WorkDir, wantSHA256)
		return err
	})
	if err != nil {
		return &domain.StageError{Stage: domain.StageLocalArchiveFetched, Err: err}
	}
	release()
	report.Stage = domain.StageLocalArchiveFetched
	report.Archive = archive
	defer uc.finishArchive(ctx, log, name, report)

	extracted, err := uc.deps.Extractor.Extract(ctx, archive, filepath.Join(uc.opts.WorkDir, name.SetDir()))
	if err != nil {
		return &domain.StageError{Stage: domain.StageExtracted, Err: err}
	}
	if !uc.opts.KeepExtracted {
		defer func() {
			if err := os.RemoveAll(extracted); err != nil {
				log.Warnf("[%s] Removing %s: %v", name, extracted, err)
			}
		}()
	}

	source := filepath.Join(extracted, name.Name)
	if _, err := os.Stat(filepath.Join(source, "toc.dat")); err != nil {
		return &domain.StageError{
			Stage: domain.StageExtracted,
			Err:   fmt.Errorf("%w: %s is not a directory-format dump: %v", domain.ErrCorruptArchive, name.Name, err),
		}
	}
	report.Stage = domain.StageExtracted
	report.Extracted = extracted

	target = target.WithSource(source)
	if uc.opts.Preflight {
		if err := uc.deps.Database.Ping(ctx, target); err != nil {
			return &domain.StageError{Stage: domain.StageRestored, Err: err}
		}
	}

	result, err = uc.deps.Database.Restore(ctx, target)
	if err != nil {
		return &domain.StageError{Stage: domain.StageRestored, Err: err}
	}
	report.Result = &result
	if !result.Success() {
		return &domain.StageError{
			Stage:  domain.StageRestored,
			Result: &result,
			Err:    fmt.Errorf("%w: %s restore failed: %s", domain.ErrRestore, uc.deps.Database.GetType(), result.Tail(3)),
		}
	}

	report.Stage = domain.StageDone
	return nil
}

// remoteChecksum asks the backup host for the archive digest. Hosts without
// sha256sum fall back to size-only verification.
func (uc *Refresh) remoteChecksum(ctx context.Context, log Logger, shell domain.Shell, name domain.BackupName) string {
	result, err := uc.deps.Runner.Run(ctx, shell, ChecksumCommand(name))
	if err != nil || !result.Success() || len(result.Stdout) == 0 {
		log.Warnf("[%s] Remote checksum unavailable, verifying size only", name)
		return ""
	}

	fields := strings.Fields(result.Stdout[0])
	if len(fields) == 0 {
		log.Warnf("[%s] Unexpected sha256sum output, verifying size only", name)
		return ""
	}
	if sum, err := hex.DecodeString(fields[0]); err != nil || len(sum) != 32 {
		log.Warnf("[%s] Unexpected sha256sum output %q, verifying size only", name, fields[0])
		return ""
	}
	return fields[0]
}

// retry gives ErrConnect and ErrTransfer failures one more attempt.
func (uc *Refresh) retry(ctx context.Context, log Logger, what string, op func() error) error {
	if !uc.opts.Retry {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.opts.RetryInterval
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || errors.Is(err, domain.ErrConnect) || errors.Is(err, domain.ErrTransfer) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx), func(err error, wait time.Duration) {
		log.Warnf("%s failed, retrying in %s: %v", what, wait.Round(time.Millisecond), err)
	})
}

// finishArchive mirrors the fetched archive, then removes it unless it is kept.
func (uc *Refresh) finishArchive(ctx context.Context, log Logger, name domain.BackupName, report *Report) {
	if len(uc.deps.UploadTargets) > 0 {
		report.Mirrored = uc.uploadToTargets(ctx, log, report.Archive, name.MirrorName(uc.deps.Now()))
	}
	if uc.opts.KeepArchive {
		return
	}
	if err := os.Remove(report.Archive); err != nil && !os.IsNotExist(err) {
		log.Warnf("[%s] Removing %s: %v", name, report.Archive, err)
	}
}

func (uc *Refresh) uploadToTargets(ctx context.Context, log Logger, filePath, filename string) []string {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		mirrored []string
	)

	for _, target := range uc.deps.UploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			log.Infof("Mirroring %s to %s...", filename, t.Name)
			if err := t.Storage.Upload(ctx, filePath, filename); err != nil {
				log.Errorf("Failed to mirror to %s: %v", t.Name, err)
				return
			}
			log.Infof("Successfully mirrored to %s", t.Name)

			mu.Lock()
			mirrored = append(mirrored, t.Name)
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	return mirrored
}

func (uc *Refresh) notify(log Logger, report Report, runErr error) {
	if uc.deps.Notifier == nil {
		return
	}
	if err := uc.deps.Notifier.SendNotification(FormatReport(report, runErr)); err != nil {
		log.Warnf("Failed to send notification: %v", err)
	}
}

// FormatReport renders a run outcome for people.
func FormatReport(report Report, runErr error) string {
	if runErr == nil {
		return fmt.Sprintf(
			"✅ Refresh Done\n\n"+
				"📁 Backup: %s\n"+
				"⏱ Duration: %s\n"+
				"🆔 Run: %s",
			report.Backup, report.Duration.Round(time.Second), report.RunID,
		)
	}

	stage := "setup"
	if s, ok := domain.FailedStage(runErr); ok {
		stage = s.String()
	}
	return fmt.Sprintf(
		"❌ Refresh Failed(%s)\n\n"+
			"📁 Backup: %s\n"+
			"⏱ Duration: %s\n"+
			"🆔 Run: %s\n"+
			"💬 %v",
		stage, report.Backup, report.Duration.Round(time.Second), report.RunID, runErr,
	)
}
