package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
	"github.com/semmidev/dbrefresh/internal/infrastructure/logger"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "dbrefresh", LogLevel: "error"},
		Remote: config.RemoteConfig{
			Host:           "127.0.0.1",
			Port:           1,
			User:           "backup",
			SSHKey:         filepath.Join(dir, "missing_key"),
			BackupRoot:     "/srv/backups",
			KnownHosts:     filepath.Join(dir, "known_hosts"),
			HostKeyPolicy:  string(domain.HostKeyTrustOnFirstUse),
			ConnectTimeout: time.Second,
		},
		Database: config.DatabaseConfig{Host: "db.internal", Port: 5432, User: "refresh", Name: "acme"},
		Restore:  config.RestoreConfig{Tool: "pg_restore", PingTool: "psql", Jobs: 2},
		Pipeline: config.PipelineConfig{WorkDir: filepath.Join(dir, "work"), Retry: true},
		Refresh:  config.RefreshConfig{Backups: []string{"acme", "globex"}, Schedule: "0 0 6 * * *"},
		Archive: config.ArchiveConfig{
			RetentionDays:   7,
			CleanupSchedule: "0 0 3 * * *",
			UploadTargets: []config.UploadTarget{
				{Type: "local", Enabled: true, Path: filepath.Join(dir, "mirror")},
				{Type: "s3", Enabled: false, Bucket: "unused"},
			},
		},
	}
}

type instanceAPI struct {
	mu      sync.Mutex
	created []string
}

func (a *instanceAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/instances":
		_, _ = w.Write([]byte(`[]`))
	case r.Method == http.MethodPost && r.URL.Path == "/instances":
		_ = r.ParseForm()
		a.created = append(a.created, r.PostForm.Get("name"))
		_, _ = w.Write([]byte(`{"id":1,"url":"postgres://u1:pw@fresh.db:5432/u1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestApp(t *testing.T) {
	Convey("Given an application", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		ctx := context.Background()

		Convey("Upload targets should follow the enabled configuration", func() {
			targets, notifier := initializeUploadTargets(cfg, logger.NewNop())
			So(targets, ShouldHaveLength, 1)
			So(targets[0].Name, ShouldEqual, "local")
			So(notifier, ShouldBeNil)
		})

		a, err := New(cfg)
		So(err, ShouldBeNil)
		Reset(a.Shutdown)

		Convey("When rotation is not configured", func() {
			_, err := a.Rotate(ctx, "alice")
			So(errors.Is(err, ErrRotationDisabled), ShouldBeTrue)

			_, err = a.RunOnce(ctx, RunOptions{Rotate: true})
			So(errors.Is(err, ErrRotationDisabled), ShouldBeTrue)
		})

		Convey("When the backup host cannot be reached", func() {
			reports, err := a.RunOnce(ctx, RunOptions{})

			Convey("Every configured backup should be attempted", func() {
				So(reports, ShouldHaveLength, 2)
				So(reports[0].Backup.Name, ShouldEqual, "acme")
				So(reports[1].Backup.Name, ShouldEqual, "globex")
			})

			Convey("The failure should carry the stage", func() {
				stage, ok := domain.FailedStage(err)
				So(ok, ShouldBeTrue)
				So(stage, ShouldEqual, domain.StageConnected)
				So(errors.Is(err, domain.ErrAuthentication), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "globex")
			})
		})

		Convey("When explicit backups are given", func() {
			reports, _ := a.RunOnce(ctx, RunOptions{Backups: []string{"initech"}, Date: "20240101"})

			So(reports, ShouldHaveLength, 1)
			So(reports[0].Backup, ShouldResemble, domain.BackupName{Name: "initech", Date: "20240101"})
		})

		Convey("When no backups are known", func() {
			cfg.Refresh.Backups = nil
			_, err := a.RunOnce(ctx, RunOptions{})
			So(err, ShouldNotBeNil)
			So(a.Run(ctx), ShouldNotBeNil)
		})

		Convey("Cleanup should run against the mirrors", func() {
			So(a.Cleanup(ctx), ShouldBeNil)
		})
	})

	Convey("Given rotation against a provider", t, func() {
		api := &instanceAPI{}
		server := httptest.NewServer(api)
		Reset(server.Close)

		dir := t.TempDir()
		cfg := testConfig(dir)
		cfg.Rotation = config.RotationConfig{
			Enabled:    true,
			APIURL:     server.URL,
			APIKey:     "key",
			NamePrefix: "refresh",
			Plan:       "turtle",
		}

		a, err := New(cfg)
		So(err, ShouldBeNil)
		Reset(a.Shutdown)

		Convey("A run should rotate the backup's instance before connecting", func() {
			_, err := a.RunOnce(context.Background(), RunOptions{Backups: []string{"acme"}, Rotate: true})

			So(api.created, ShouldResemble, []string{"refresh-acme"})
			stage, ok := domain.FailedStage(err)
			So(ok, ShouldBeTrue)
			So(stage, ShouldEqual, domain.StageConnected)
		})

		Convey("An explicit user should win over the backup name", func() {
			_, _ = a.RunOnce(context.Background(), RunOptions{Backups: []string{"acme"}, Rotate: true, User: "alice"})
			So(api.created, ShouldResemble, []string{"refresh-alice"})
		})

		Convey("Rotate alone should return the new instance", func() {
			inst, err := a.Rotate(context.Background(), "bob")
			So(err, ShouldBeNil)
			So(inst.ID, ShouldEqual, int64(1))
			So(inst.URL, ShouldEqual, "postgres://u1:pw@fresh.db:5432/u1")
		})
	})
}
