package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
	"github.com/semmidev/dbrefresh/internal/infrastructure/logger"
)

// writeStub writes an executable shell script that records its arguments and
// PGPASSWORD, prints a line on each stream and exits with code.
func writeStub(dir, name, code string) string {
	script := `#!/bin/sh
printf '%s\n' "$@" > "` + filepath.Join(dir, name+".args") + `"
printf '%s' "$PGPASSWORD" > "` + filepath.Join(dir, name+".env") + `"
echo "processing item 3001 TABLE DATA"
echo "pg_restore: error: could not execute query" >&2
exit ` + code + "\n"

	path := filepath.Join(dir, name)
	So(os.WriteFile(path, []byte(script), 0o755), ShouldBeNil)
	return path
}

func readLines(path string) []string {
	b, err := os.ReadFile(path)
	So(err, ShouldBeNil)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestPostgreSQLRestore(t *testing.T) {
	Convey("Given a PostgreSQL restore runner", t, func() {
		dir := t.TempDir()
		target := domain.RestoreTarget{
			Host:       "db.internal",
			Port:       5433,
			User:       "refresh",
			Password:   "s3cret",
			Database:   "acme",
			SourcePath: "/work/acme_20240314/acme",
		}
		ctx := context.Background()

		Convey("When the restore tool exits with 1", func() {
			tool := writeStub(dir, "pg_restore", "1")
			pg := NewPostgreSQL(config.RestoreConfig{Tool: tool, Jobs: 4}, logger.NewNop())

			result, err := pg.Restore(ctx, target)

			Convey("It should report the exit code without an error", func() {
				So(err, ShouldBeNil)
				So(result.ExitCode, ShouldEqual, 1)
				So(result.Success(), ShouldBeFalse)
				So(result.Stdout, ShouldResemble, []string{"processing item 3001 TABLE DATA"})
				So(result.Tail(1), ShouldContainSubstring, "could not execute query")
			})

			Convey("It should pass the documented argument vector", func() {
				So(readLines(filepath.Join(dir, "pg_restore.args")), ShouldResemble, []string{
					"--host=db.internal",
					"--port=5433",
					"--username=refresh",
					"--no-password",
					"--jobs=4",
					"--no-owner",
					"--format=directory",
					"--dbname=acme",
					"/work/acme_20240314/acme",
				})
			})

			Convey("It should hand the password to the child environment only", func() {
				env, err := os.ReadFile(filepath.Join(dir, "pg_restore.env"))
				So(err, ShouldBeNil)
				So(string(env), ShouldEqual, "s3cret")
				So(os.Getenv("PGPASSWORD"), ShouldNotEqual, "s3cret")
			})
		})

		Convey("When the restore tool succeeds", func() {
			tool := writeStub(dir, "pg_restore", "0")
			pg := NewPostgreSQL(config.RestoreConfig{Tool: tool}, logger.NewNop())

			result, err := pg.Restore(ctx, target)

			Convey("It should report success with the default job count", func() {
				So(err, ShouldBeNil)
				So(result.Success(), ShouldBeTrue)
				So(readLines(filepath.Join(dir, "pg_restore.args")), ShouldContain, "--jobs=2")
			})
		})

		Convey("When the port is not set", func() {
			pg := NewPostgreSQL(config.RestoreConfig{}, logger.NewNop())
			target.Port = 0

			Convey("The port flag should be omitted", func() {
				args := pg.RestoreArgs(target)
				So(args[0], ShouldEqual, "--host=db.internal")
				So(args[1], ShouldEqual, "--username=refresh")
				So(args[len(args)-1], ShouldEqual, target.SourcePath)
			})
		})

		Convey("When the restore tool cannot be started", func() {
			pg := NewPostgreSQL(config.RestoreConfig{Tool: filepath.Join(dir, "missing")}, logger.NewNop())

			_, err := pg.Restore(ctx, target)

			Convey("It should fail with a restore error", func() {
				So(errors.Is(err, domain.ErrRestore), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "failed to start")
			})
		})

		Convey("When the restore outlives its timeout", func() {
			tool := filepath.Join(dir, "slow")
			So(os.WriteFile(tool, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755), ShouldBeNil)
			pg := NewPostgreSQL(config.RestoreConfig{Tool: tool, Timeout: 200 * time.Millisecond}, logger.NewNop())

			start := time.Now()
			_, err := pg.Restore(ctx, target)

			Convey("It should be stopped and reported as a restore error", func() {
				So(errors.Is(err, domain.ErrRestore), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				So(time.Since(start), ShouldBeLessThan, 10*time.Second)
			})
		})
	})
}

func TestPostgreSQLPing(t *testing.T) {
	Convey("Given a PostgreSQL runner with a stub psql", t, func() {
		dir := t.TempDir()
		target := domain.RestoreTarget{Host: "db.internal", User: "refresh", Password: "s3cret", Database: "acme"}

		Convey("When psql succeeds", func() {
			psql := writeStub(dir, "psql", "0")
			pg := NewPostgreSQL(config.RestoreConfig{PingTool: psql}, logger.NewNop())

			err := pg.Ping(context.Background(), target)

			Convey("It should report the database as reachable", func() {
				So(err, ShouldBeNil)
				So(readLines(filepath.Join(dir, "psql.args")), ShouldResemble, []string{
					"--host=db.internal",
					"--username=refresh",
					"--dbname=acme",
					"--no-password",
					"-c",
					"SELECT 1",
				})
			})
		})

		Convey("When psql fails", func() {
			psql := writeStub(dir, "psql", "2")
			pg := NewPostgreSQL(config.RestoreConfig{PingTool: psql}, logger.NewNop())

			err := pg.Ping(context.Background(), target)

			Convey("It should return a restore error with the tool output", func() {
				So(errors.Is(err, domain.ErrRestore), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "postgresql ping failed")
			})
		})

		Convey("When psql never answers", func() {
			psql := filepath.Join(dir, "hung")
			So(os.WriteFile(psql, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755), ShouldBeNil)
			pg := NewPostgreSQL(config.RestoreConfig{PingTool: psql, PreflightTimeout: 200 * time.Millisecond}, logger.NewNop())

			start := time.Now()
			err := pg.Ping(context.Background(), target)

			Convey("It should give up after the preflight timeout", func() {
				So(errors.Is(err, domain.ErrRestore), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				So(time.Since(start), ShouldBeLessThan, 10*time.Second)
			})
		})

		Convey("GetType should name the engine", func() {
			So(NewPostgreSQL(config.RestoreConfig{}, logger.NewNop()).GetType(), ShouldEqual, "postgresql")
		})
	})
}
