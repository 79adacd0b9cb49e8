package domain

import "time"

// UsageLog records what one finished job cost. PixelsProcessed counts the
// pixels of the decoded source; BytesSaved is zero when the output grew.
type UsageLog struct {
	UserID          string
	JobID           string
	StepsApplied    int
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
