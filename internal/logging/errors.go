package logging

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	// Sensor / GPIO errors
	ErrorCategoryHardware ErrorCategory = "hardware"
	// Capture process spawn and exit errors
	ErrorCategoryCapture ErrorCategory = "capture"
	// Materials store errors
	ErrorCategoryStorage ErrorCategory = "storage"
	// Escalating shutdown errors
	ErrorCategoryShutdown ErrorCategory = "shutdown"
	// Configuration errors
	ErrorCategoryConfig ErrorCategory = "config"
	// Upload / network errors
	ErrorCategoryNetwork ErrorCategory = "network"
	// Unknown/Uncategorized errors
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	CameraIndex *int                   `json:"camera_index,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Classified is implemented by domain errors that know how they should be logged
type Classified interface {
	error
	LogContext() ErrorContext
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

// Error implements the error interface
func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

// Unwrap returns the underlying error
func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	// Stack traces only for critical errors; capture failures are routine
	if context.Severity == ErrorSeverityCritical {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// Classify builds an ErrorContext for err. Domain errors carry their own
// context; anything else is classified by message keywords.
func Classify(err error) ErrorContext {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.LogContext()
	}
	return ErrorContext{
		Category: ClassifyError(err),
		Severity: ErrorSeverityMedium,
	}
}

// LogError classifies err, fills in the component/operation when the
// classification left them empty, and logs it
func LogError(entry *logrus.Entry, err error, component, operation string) {
	if err == nil {
		return
	}
	ctx := Classify(err)
	if ctx.Component == "" {
		ctx.Component = component
	}
	if ctx.Operation == "" {
		ctx.Operation = operation
	}
	LogStructuredError(entry, NewStructuredError(err, ctx))
}

// LogStructuredError logs a structured error with appropriate level and context
func LogStructuredError(entry *logrus.Entry, structuredErr *StructuredError) {
	if entry == nil || structuredErr == nil {
		return
	}

	e := entry.WithFields(logrus.Fields{
		"error_category": structuredErr.Context.Category,
		"error_severity": structuredErr.Context.Severity,
		"operation":      structuredErr.Context.Operation,
		"recoverable":    structuredErr.Context.Recoverable,
	})
	if structuredErr.Context.Component != "" {
		e = e.WithField("component", structuredErr.Context.Component)
	}
	if structuredErr.Context.CameraIndex != nil {
		e = e.WithField("camera", *structuredErr.Context.CameraIndex+1)
	}
	for key, value := range structuredErr.Context.Metadata {
		e = e.WithField(fmt.Sprintf("meta_%s", key), value)
	}
	if structuredErr.Stack != "" {
		e = e.WithField("stack_trace", structuredErr.Stack)
	}

	switch structuredErr.Context.Severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		e.Error(structuredErr.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		e.Warn(structuredErr.Error())
	case ErrorSeverityInfo:
		e.Info(structuredErr.Error())
	default:
		e.Error(structuredErr.Error())
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ClassifyError attempts to classify an error based on its message
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	errMsg := strings.ToLower(err.Error())

	keywords := []struct {
		category ErrorCategory
		words    []string
	}{
		{ErrorCategoryNetwork, []string{"connection refused", "connection reset", "i/o timeout", "no such host", "dial tcp", "ftp"}},
		{ErrorCategoryHardware, []string{"gpio", "pin", "sensor", "periph"}},
		{ErrorCategoryCapture, []string{"ffmpeg", "exec:", "exit status"}},
		{ErrorCategoryStorage, []string{"no space left", "permission denied", "no such file", "sqlite", "disk"}},
		{ErrorCategoryConfig, []string{"config", "invalid", "missing", "yaml", "json"}},
	}
	for _, group := range keywords {
		for _, keyword := range group.words {
			if strings.Contains(errMsg, keyword) {
				return group.category
			}
		}
	}

	return ErrorCategoryUnknown
}
