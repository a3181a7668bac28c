package discord

import (
	"strconv"
	"time"
)

// discordEpoch is the first millisecond of 2015 in Unix milliseconds
const discordEpoch = 1420070400000

// SnowflakeFromTime returns the smallest snowflake created at or after t.
// Times before the Discord epoch map to zero.
func SnowflakeFromTime(t time.Time) uint64 {
	ms := t.UnixMilli() - discordEpoch
	if ms <= 0 {
		return 0
	}
	return uint64(ms) << 22
}

// TimeFromSnowflake extracts the creation time embedded in a snowflake
func TimeFromSnowflake(id uint64) time.Time {
	return time.UnixMilli(int64(id>>22) + discordEpoch).UTC()
}

func parseSnowflake(id string) (uint64, error) {
	return strconv.ParseUint(id, 10, 64)
}
