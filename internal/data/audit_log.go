package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

const auditBufferSize = 1000

// OpsAuditLog is the GORM model for the ops_audit_logs table.
type OpsAuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	Action     string    `gorm:"column:action;type:varchar(50);not null;index"`
	Target     string    `gorm:"column:target;type:varchar(128);not null"`
	OperatorID string    `gorm:"column:operator_id;type:varchar(128);not null;default:''"`
	Details    string    `gorm:"column:details;type:json"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (OpsAuditLog) TableName() string {
	return "ops_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger. Entries are written by a
// background goroutine; a full buffer drops the entry. With a nil *gorm.DB
// entries are only logged.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *OpsAuditLog
	logger  *log.Helper
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAuditLogger creates the audit logger and starts its writer.
func NewAuditLogger(db *gorm.DB, logger log.Logger) (*AuditLoggerImpl, func()) {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *OpsAuditLog, auditBufferSize),
		logger:  log.NewHelper(logger),
		done:    make(chan struct{}),
	}

	go al.start()

	return al, al.Close
}

func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for event := range a.logChan {
		if a.db == nil {
			continue
		}
		if err := a.db.WithContext(context.Background()).Create(event).Error; err != nil {
			a.logger.Errorw("msg", "failed to write audit log",
				"action", event.Action,
				"target", event.Target,
				"error", err)
		}
	}
}

// Record queues an entry without blocking.
func (a *AuditLoggerImpl) Record(_ context.Context, entry *model.OpsAuditEntry) {
	details := "{}"
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			a.logger.Errorw("msg", "failed to marshal audit log details", "error", err)
			return
		}
		details = string(b)
	}

	event := &OpsAuditLog{
		Action:     entry.Action,
		Target:     entry.Target,
		OperatorID: entry.OperatorID,
		Details:    details,
		CreatedAt:  entry.At,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("msg", "audit log channel full, dropping event",
			"action", event.Action,
			"target", event.Target)
	}
}

// Close stops the writer after draining queued entries.
func (a *AuditLoggerImpl) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.logChan)
	a.mu.Unlock()
	<-a.done
}
