package model

import "time"

// Ops audit actions
const (
	AuditBreakerForced      = "BREAKER_FORCED"
	AuditBreakerReset       = "BREAKER_RESET"
	AuditQueuePaused        = "QUEUE_PAUSED"
	AuditQueueResumed       = "QUEUE_RESUMED"
	AuditQueueCleaned       = "QUEUE_CLEANED"
	AuditDeadLetterRetried  = "DEAD_LETTER_RETRIED"
	AuditCacheInvalidated   = "CACHE_INVALIDATED"
	AuditCacheWarmTriggered = "CACHE_WARM_TRIGGERED"
)

// OpsAuditEntry records one operator action.
type OpsAuditEntry struct {
	Action     string
	Target     string
	OperatorID string
	Details    map[string]interface{}
	At         time.Time
}
