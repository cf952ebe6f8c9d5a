// Package osmquadtree processes OpenStreetMap planet files into
// quadtree-sorted block archives which can be kept up to date by applying
// replication diffs. The heavy lifting lives in the internal packages; this
// package holds the small helpers shared between them and the oqt command.
package osmquadtree

import (
	"time"
)

// TimestampString formats a unix timestamp the way OSM replication state
// files do: YYYY-MM-DDTHH:MM:SS, always UTC.
func TimestampString(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02T15:04:05")
}

// DateString is the short form used for archive file names.
func DateString(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("20060102")
}

// ParseTimestamp accepts both the long replication form and the short date
// form used in archive file names.
func ParseTimestamp(s string) (int64, error) {
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// RoundTimestamp rounds to the nearest whole day, matching the daily
// replication cadence archive names are derived from.
func RoundTimestamp(ts int64) int64 {
	const day = 24 * 60 * 60
	return ((ts + day/2) / day) * day
}
