package domain

import (
	"fmt"
	"path"
	"time"
)

// DateStampLayout is the YYYYMMDD layout used by backup set directories.
const DateStampLayout = "20060102"

// BackupName identifies one dated backup set on the backup host.
type BackupName struct {
	Name string
	Date string
}

// NewBackupName stamps name with the day before now, in now's location.
func NewBackupName(name string, now time.Time) BackupName {
	return BackupName{Name: name, Date: YesterdayStamp(now)}
}

// YesterdayStamp returns the calendar day before now as YYYYMMDD.
func YesterdayStamp(now time.Time) string {
	return now.AddDate(0, 0, -1).Format(DateStampLayout)
}

// ParseDateStamp validates a YYYYMMDD stamp supplied by an operator.
func ParseDateStamp(stamp string) (string, error) {
	t, err := time.Parse(DateStampLayout, stamp)
	if err != nil {
		return "", fmt.Errorf("invalid date stamp %q: want YYYYMMDD", stamp)
	}
	return t.Format(DateStampLayout), nil
}

// SetDir is the dated directory holding the backup set on the remote host.
func (b BackupName) SetDir() string {
	return b.Name + "_" + b.Date
}

// ArchiveName is the file name of the archive built in the remote home directory.
func (b BackupName) ArchiveName() string {
	return b.Name + ".tar.gz"
}

// RemoteSourceDir joins the remote backup root with SetDir.
func (b BackupName) RemoteSourceDir(root string) string {
	return path.Join(root, b.SetDir())
}

// MirrorName is the name used when the fetched archive is copied to upload targets.
func (b BackupName) MirrorName(at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.tar.gz", b.Name, b.Date, at.Format("150405"))
}

func (b BackupName) String() string {
	return b.SetDir()
}
