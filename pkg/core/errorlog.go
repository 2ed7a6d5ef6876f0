package core

import (
	"strings"
	"time"
)

// ErrorSeverity classifies error-log entries.
type ErrorSeverity string

// Error-log severities.
const (
	ErrorSeverityFatal   ErrorSeverity = "FATAL"
	ErrorSeverityError   ErrorSeverity = "ERROR"
	ErrorSeverityWarning ErrorSeverity = "WARNING"
	ErrorSeverityInfo    ErrorSeverity = "INFO"
)

// ParseErrorSeverity converts a string to an ErrorSeverity, defaulting to ERROR.
func ParseErrorSeverity(s string) ErrorSeverity {
	switch strings.ToUpper(s) {
	case "FATAL":
		return ErrorSeverityFatal
	case "WARNING", "WARN":
		return ErrorSeverityWarning
	case "INFO":
		return ErrorSeverityInfo
	default:
		return ErrorSeverityError
	}
}

// ErrorLog is one logged uncaught tenant fault.
type ErrorLog struct {
	ID         string
	TenantID   string
	Message    string
	Details    string
	Severity   ErrorSeverity
	CodeClass  string
	CodeLine   int
	UserID     string
	OccurredAt time.Time
}
