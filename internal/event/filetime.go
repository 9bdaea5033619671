package event

import "time"

// FILETIME counts 100ns intervals since 1601-01-01 UTC.
const (
	ticksPerSecond = 10_000_000
	// Seconds between 1601-01-01 and 1970-01-01.
	epochDeltaSeconds = 11_644_473_600
)

// FileTimeToTime converts a FILETIME tick count to a UTC time. Zero stays the
// zero time so that missing timestamps remain recognisable.
func FileTimeToTime(ft int64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	secs := ft/ticksPerSecond - epochDeltaSeconds
	nsec := (ft % ticksPerSecond) * 100
	return time.Unix(secs, nsec).UTC()
}

// TimeToFileTime is the inverse of FileTimeToTime.
func TimeToFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return (t.Unix()+epochDeltaSeconds)*ticksPerSecond + int64(t.Nanosecond())/100
}
