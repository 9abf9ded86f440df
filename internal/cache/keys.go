package cache

import (
	"fmt"
	"time"
)

// QueueKey is the sorted set holding job ids scored by ready time.
const QueueKey = "queue:jobs"

// RetentionLockKey guards the retention sweep so one instance runs per tick.
const RetentionLockKey = "lock:retention"

func RateLimitKey(principal string) string {
	return fmt.Sprintf("ratelimit:%s", principal)
}

// DailyQuotaKey buckets usage by UTC calendar day.
func DailyQuotaKey(principal string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", principal, day.UTC().Format("20060102"))
}
