package usecase

import (
	"fmt"
	"regexp"
	"time"
)

var timestampPattern = regexp.MustCompile(`(\d{8})_(\d{6})`)

// extractTimestamp reads the <YYYYMMDD>_<HHMMSS> stamp of a mirrored archive name.
func extractTimestamp(filename string) (time.Time, error) {
	matches := timestampPattern.FindStringSubmatch(filename)
	if len(matches) < 3 {
		return time.Time{}, fmt.Errorf("invalid filename format: no timestamp found")
	}

	return time.ParseInLocation("20060102_150405", matches[1]+"_"+matches[2], time.Local)
}
