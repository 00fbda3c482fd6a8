// Package audit records query executions in structured JSON for SIEM
// consumption.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
)

// EventType categorizes audit events for filtering and alerting.
type EventType string

const (
	EventQueryExecution EventType = "query_execution"
	EventQueryFailure   EventType = "query_failure"
)

// QueryEvent is the serialized audit record. Query text is sanitized and
// truncated; result values are never recorded.
type QueryEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    EventType `json:"event_type"`
	DataSourceID uuid.UUID `json:"data_source_id"`
	Dialect      string    `json:"dialect"`
	Requester    string    `json:"requester,omitempty"`
	Query        string    `json:"query"`
	DurationMS   int64     `json:"duration_ms"`
	Rows         int       `json:"rows"`
	Truncated    bool      `json:"truncated,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Severity     string    `json:"severity"` // info, warning
}

// QueryAuditor implements datasource.QueryObserver on a dedicated logger.
type QueryAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

var _ datasource.QueryObserver = (*QueryAuditor)(nil)

// NewQueryAuditor creates an auditor logging under the "query_audit" namespace.
func NewQueryAuditor(logger *zap.Logger) *QueryAuditor {
	return &QueryAuditor{logger: logger.Named("query_audit"), now: time.Now}
}

// ObserveQuery logs successes at INFO and failures at WARN.
func (a *QueryAuditor) ObserveQuery(ctx context.Context, ev datasource.QueryEvent) {
	event := QueryEvent{
		Timestamp:    a.now().UTC(),
		EventType:    EventQueryExecution,
		DataSourceID: ev.DataSourceID,
		Dialect:      string(ev.Dialect),
		Requester:    ev.Requester,
		Query:        logging.SanitizeQuery(ev.SQL),
		DurationMS:   ev.Duration.Milliseconds(),
		Rows:         ev.Rows,
		Truncated:    ev.Truncated,
		Severity:     "info",
	}
	if ev.Err != nil {
		event.EventType = EventQueryFailure
		event.ErrorKind = string(ev.Err.Kind)
		event.ErrorCode = ev.Err.Code
		event.Severity = "warning"
	}

	// Marshaling known types does not fail.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("data_source_id", event.DataSourceID.String()),
		zap.String("dialect", event.Dialect),
		zap.String("requester", event.Requester),
		zap.String("severity", event.Severity),
	}
	if ev.Err != nil {
		a.logger.Warn("Query failed", append(fields, zap.String("error_kind", event.ErrorKind))...)
		return
	}
	a.logger.Info("Query executed", append(fields, zap.Int("rows", event.Rows))...)
}
