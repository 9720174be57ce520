package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context. Business identifiers (task_id, project_id, ...) flow
// through context enrichment so individual log statements don't repeat them.
type LogFields struct {
	TaskID     *int64  // Pipeline task ID
	ProjectID  *int64  // GitLab project ID
	DeliveryID *string // Webhook delivery identifier
	EventID    *int64  // Outbox event ID
	MessageID  *string // Redis stream message ID
	EventType  *string // Trigger event type (e.g. "merge_request", "note")
	Component  string  // Component name (e.g. "pipeline.worker.dispatcher")
}

// WithLogFields enriches context with structured log fields. Multiple calls
// merge, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context, empty if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.TaskID != nil {
		result.TaskID = next.TaskID
	}
	if next.ProjectID != nil {
		result.ProjectID = next.ProjectID
	}
	if next.DeliveryID != nil {
		result.DeliveryID = next.DeliveryID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr creates a pointer from a value, for setting LogFields inline.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens a string to maxLen characters, appending "..." when cut.
// Useful for logging raw payloads and error text.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
