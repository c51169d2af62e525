package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/semmidev/dbrefresh/internal/adapter/archive"
	"github.com/semmidev/dbrefresh/internal/adapter/database"
	"github.com/semmidev/dbrefresh/internal/adapter/provisioner"
	"github.com/semmidev/dbrefresh/internal/adapter/remote"
	"github.com/semmidev/dbrefresh/internal/adapter/storage"
	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
	"github.com/semmidev/dbrefresh/internal/infrastructure/logger"
	"github.com/semmidev/dbrefresh/internal/infrastructure/scheduler"
	"github.com/semmidev/dbrefresh/internal/usecase"
)

// ErrRotationDisabled is returned when a run asks for rotation that is not configured.
var ErrRotationDisabled = errors.New("rotation is not enabled")

type App struct {
	config        *config.Config
	logger        *logger.Logger
	scheduler     *scheduler.Scheduler
	uploadTargets []usecase.UploadTarget
	refreshUC     *usecase.Refresh
	rotateUC      *usecase.Rotate
	cleanupUC     *usecase.Cleanup
}

// RunOptions select what a one-shot run refreshes. Empty Backups means the
// configured list.
type RunOptions struct {
	Backups []string
	Date    string
	Rotate  bool
	User    string
}

func New(cfg *config.Config) (*App, error) {
	// Initialize logger
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Infof("Starting %s", cfg.App.Name)

	uploadTargets, notifier := initializeUploadTargets(cfg, log)

	refreshUC := usecase.NewRefresh(
		usecase.RefreshDeps{
			Connector:     remote.NewConnector(log),
			Runner:        remote.NewCommandRunner(cfg.Remote.CommandTimeout, log),
			Fetcher:       remote.NewFetcher(log),
			Extractor:     archive.NewTarGz(log),
			Database:      database.NewPostgreSQL(cfg.Restore, log),
			UploadTargets: uploadTargets,
			Notifier:      notifier,
			Logger:        log,
			RunLogger: func(runID, backup string) usecase.Logger {
				return log.WithRun(runID, backup)
			},
		},
		cfg.Connection(),
		cfg.RestoreTarget(),
		usecase.RefreshOptions{
			WorkDir:        cfg.Pipeline.WorkDir,
			KeepArchive:    cfg.Pipeline.KeepArchive,
			KeepExtracted:  cfg.Pipeline.KeepExtracted,
			VerifyChecksum: cfg.Pipeline.VerifyChecksum,
			Retry:          cfg.Pipeline.Retry,
			Preflight:      cfg.Restore.Preflight,
		},
	)

	var rotateUC *usecase.Rotate
	if cfg.Rotation.Enabled {
		rotateUC = usecase.NewRotate(provisioner.NewElephantSQL(cfg.Rotation, nil), cfg.Rotation.NamePrefix, log)
		log.Infof("✓ Instance rotation enabled (plan: %s)", cfg.Rotation.Plan)
	}

	cleanupUC := usecase.NewCleanup(uploadTargets, log, cfg.Archive.RetentionDays)

	return &App{
		config:        cfg,
		logger:        log,
		scheduler:     scheduler.New(log),
		uploadTargets: uploadTargets,
		refreshUC:     refreshUC,
		rotateUC:      rotateUC,
		cleanupUC:     cleanupUC,
	}, nil
}

// initializeUploadTargets builds the mirror targets. Telegram targets also
// receive run outcomes; a notify-only one is not a mirror.
func initializeUploadTargets(cfg *config.Config, log *logger.Logger) ([]usecase.UploadTarget, domain.Notifier) {
	var (
		targets  []usecase.UploadTarget
		notifier domain.Notifier
	)
	ctx := context.Background()

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		var stor domain.Storage
		var err error

		switch targetCfg.Type {
		case "local":
			stor, err = storage.NewLocal(targetCfg.Path)
			if err != nil {
				log.Errorf("Failed to initialize local mirror: %v", err)
				continue
			}
			log.Infof("✓ Local mirror enabled (%s)", targetCfg.Path)

		case "gdrive":
			stor, err = storage.NewGDrive(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Google Drive: %v", err)
				continue
			}
			log.Infof("✓ Google Drive mirror enabled")

		case "s3":
			stor, err = storage.NewS3(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize S3: %v", err)
				continue
			}
			log.Infof("✓ AWS S3 mirror enabled (bucket: %s)", targetCfg.Bucket)

		case "telegram":
			tg, err := storage.NewTelegram(&targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Telegram: %v", err)
				continue
			}
			notifier = tg
			log.Infof("✓ Telegram notifications enabled")
			if targetCfg.NotifyOnly {
				continue
			}
			stor = tg

		default:
			log.Warnf("Unknown upload target type: %s", targetCfg.Type)
			continue
		}

		targets = append(targets, usecase.UploadTarget{
			Name:    targetCfg.Type,
			Storage: stor,
		})
	}

	return targets, notifier
}

// RunOnce refreshes each backup in turn. A failed backup does not stop the
// ones after it; the returned error joins every failure in order.
func (a *App) RunOnce(ctx context.Context, opts RunOptions) ([]usecase.Report, error) {
	backups := opts.Backups
	if len(backups) == 0 {
		backups = a.config.Refresh.Backups
	}
	if len(backups) == 0 {
		return nil, errors.New("no backups given and refresh.backups is empty")
	}
	if opts.Rotate && a.rotateUC == nil {
		return nil, ErrRotationDisabled
	}

	var (
		reports []usecase.Report
		errs    []error
	)
	for _, backup := range backups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		report, err := a.refresh(ctx, backup, opts.Date, opts.Rotate, opts.User)
		if report != nil {
			reports = append(reports, *report)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backup, err))
		}
	}

	return reports, errors.Join(errs...)
}

func (a *App) refresh(ctx context.Context, backup, date string, rotate bool, user string) (*usecase.Report, error) {
	req := usecase.Request{Backup: backup, Date: date}

	if rotate {
		target, err := a.rotateUC.Target(ctx, a.rotationUser(user, backup))
		if err != nil {
			return nil, fmt.Errorf("rotate instance: %w", err)
		}
		req.Target = &target
	}

	report, err := a.refreshUC.Run(ctx, req)
	return &report, err
}

// rotationUser picks the instance owner: the explicit user, then the
// configured one, then the backup name.
func (a *App) rotationUser(user, backup string) string {
	if user != "" {
		return user
	}
	if a.config.Rotation.User != "" {
		return a.config.Rotation.User
	}
	return backup
}

// Rotate replaces user's hosted instance without refreshing it.
func (a *App) Rotate(ctx context.Context, user string) (domain.Instance, error) {
	if a.rotateUC == nil {
		return domain.Instance{}, ErrRotationDisabled
	}
	return a.rotateUC.Execute(ctx, a.rotationUser(user, ""))
}

func (a *App) Cleanup(ctx context.Context) error {
	return a.cleanupUC.Execute(ctx)
}

// Run schedules every configured backup plus retention and blocks until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	backups := a.config.Refresh.Backups
	if len(backups) == 0 {
		return errors.New("refresh.backups is empty, nothing to schedule")
	}
	a.logger.Infof("Application started with %d backup(s)", len(backups))

	rotate := a.rotateUC != nil
	for _, backup := range backups {
		if err := a.scheduler.AddJob("refresh "+backup, a.config.Refresh.Schedule, func(ctx context.Context) error {
			a.logger.Infof("=== Triggered scheduled refresh for %s ===", backup)
			_, err := a.refresh(ctx, backup, "", rotate, "")
			return err
		}); err != nil {
			return fmt.Errorf("failed to schedule refresh for %s: %w", backup, err)
		}
		a.logger.Infof("✓ Scheduled refresh for %s: %s", backup, a.config.Refresh.Schedule)
	}

	if a.config.Archive.RetentionDays > 0 && len(a.uploadTargets) > 0 {
		cleanupSchedule := a.config.Archive.CleanupSchedule
		a.logger.Infof("Scheduling cleanup: %s", cleanupSchedule)

		if err := a.scheduler.AddJob("cleanup", cleanupSchedule, a.cleanupUC.Execute); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
	}

	a.scheduler.Start()
	a.logger.Infof("Scheduler started successfully")
	a.logger.Infof("Mirror destinations: %d target(s)", len(a.uploadTargets))

	// Keep running until context is cancelled
	<-ctx.Done()
	return nil
}

func (a *App) Shutdown() {
	a.logger.Infof("Shutting down application...")
	a.scheduler.Stop()
	a.logger.Close()
}
