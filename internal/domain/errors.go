package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConnect           = errors.New("connect error")
	ErrAuthentication    = errors.New("authentication error")
	ErrRemoteCommand     = errors.New("remote command error")
	ErrTransfer          = errors.New("transfer error")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrCorruptArchive    = errors.New("corrupt archive")
	ErrRestore           = errors.New("restore error")

	ErrProvisioning      = errors.New("provisioning error")
	ErrDuplicateInstance = errors.New("more than one instance for user")
)

// Stage is a pipeline state. A run moves through them in declaration order.
type Stage int

const (
	StageIdle Stage = iota
	StageConnected
	StageRemoteArchiveCreated
	StageLocalArchiveFetched
	StageExtracted
	StageRestored
	StageDone
)

var stageNames = map[Stage]string{
	StageIdle:                 "Idle",
	StageConnected:            "Connected",
	StageRemoteArchiveCreated: "RemoteArchiveCreated",
	StageLocalArchiveFetched:  "LocalArchiveFetched",
	StageExtracted:            "Extracted",
	StageRestored:             "Restored",
	StageDone:                 "Done",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageError is the Failed(stage) outcome of a run. Stage is the state the
// pipeline was trying to enter when it failed.
type StageError struct {
	Stage  Stage
	Result *CommandResult
	Err    error
}

func (e *StageError) Error() string {
	if e.Result != nil && !e.Result.Success() {
		return fmt.Sprintf("failed(%s): %v (exit code %d)", e.Stage, e.Err, e.Result.ExitCode)
	}
	return fmt.Sprintf("failed(%s): %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage reports the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return StageIdle, false
}
