package logging

import "context"

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are attached to every record logged with a context that carries them.
type Fields struct {
	ConversationID string
	SubmissionID   string // assistant message id
	AnalysisID     int64  // remote job id, zero until created
	Component      string
}

// WithFields merges f into the fields already on ctx. Non-zero values in f win.
func WithFields(ctx context.Context, f Fields) context.Context {
	merged := FieldsFrom(ctx)
	if f.ConversationID != "" {
		merged.ConversationID = f.ConversationID
	}
	if f.SubmissionID != "" {
		merged.SubmissionID = f.SubmissionID
	}
	if f.AnalysisID != 0 {
		merged.AnalysisID = f.AnalysisID
	}
	if f.Component != "" {
		merged.Component = f.Component
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFrom returns the fields on ctx, or the zero value.
func FieldsFrom(ctx context.Context) Fields {
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}
