package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClassifiedError struct {
	camera int
}

func (e *testClassifiedError) Error() string { return "capture exploded" }

func (e *testClassifiedError) LogContext() ErrorContext {
	return ErrorContext{
		Category:    ErrorCategoryCapture,
		Severity:    ErrorSeverityHigh,
		Component:   "capture",
		CameraIndex: &e.camera,
	}
}

func newBufferLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := Initialize("debug")
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestNewStructuredError(t *testing.T) {
	err := errors.New("test error")
	context := ErrorContext{
		Category:    ErrorCategoryHardware,
		Severity:    ErrorSeverityCritical,
		Component:   "sensor",
		Operation:   "setup",
		Recoverable: true,
	}

	structuredErr := NewStructuredError(err, context)

	assert.NotNil(t, structuredErr)
	assert.Equal(t, err, structuredErr.Err)
	assert.Equal(t, context, structuredErr.Context)
	assert.False(t, structuredErr.Timestamp.IsZero())
	assert.NotEmpty(t, structuredErr.Stack)
}

func TestNewStructuredErrorNoStackBelowCritical(t *testing.T) {
	structuredErr := NewStructuredError(errors.New("x"), ErrorContext{Severity: ErrorSeverityHigh})
	assert.Empty(t, structuredErr.Stack)
}

func TestStructuredErrorInterface(t *testing.T) {
	originalErr := errors.New("original error")
	structuredErr := NewStructuredError(originalErr, ErrorContext{
		Category: ErrorCategoryNetwork,
		Severity: ErrorSeverityMedium,
	})

	assert.Equal(t, "original error", structuredErr.Error())
	assert.Equal(t, originalErr, structuredErr.Unwrap())
	assert.True(t, errors.Is(structuredErr, originalErr))
}

func TestLogStructuredError(t *testing.T) {
	logger, buf := newBufferLogger()
	entry := NewComponentLogger(logger, "storage")

	camera := 1
	structuredErr := NewStructuredError(errors.New("disk full"), ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    ErrorSeverityHigh,
		Operation:   "reconcile",
		CameraIndex: &camera,
		Metadata:    map[string]interface{}{"dir": "/data/materials"},
	})

	LogStructuredError(entry, structuredErr)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "disk full", line["message"])
	assert.Equal(t, "storage", line["error_category"])
	assert.Equal(t, "reconcile", line["operation"])
	assert.Equal(t, float64(2), line["camera"])
	assert.Equal(t, "/data/materials", line["meta_dir"])
	assert.Equal(t, "mdvr", line["service"])

	// nil inputs are ignored
	LogStructuredError(nil, structuredErr)
	LogStructuredError(entry, nil)
}

func TestLogStructuredErrorSeverityLevels(t *testing.T) {
	tests := []struct {
		severity ErrorSeverity
		level    string
	}{
		{ErrorSeverityCritical, "error"},
		{ErrorSeverityHigh, "error"},
		{ErrorSeverityMedium, "warning"},
		{ErrorSeverityLow, "warning"},
		{ErrorSeverityInfo, "info"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			logger, buf := newBufferLogger()
			LogStructuredError(logrus.NewEntry(logger), NewStructuredError(errors.New("x"), ErrorContext{Severity: tt.severity}))

			var line map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.level, line["level"])
		})
	}
}

func TestClassifyUsesErrorContext(t *testing.T) {
	err := fmt.Errorf("cycle: %w", &testClassifiedError{camera: 3})

	ctx := Classify(err)
	assert.Equal(t, ErrorCategoryCapture, ctx.Category)
	assert.Equal(t, ErrorSeverityHigh, ctx.Severity)
	require.NotNil(t, ctx.CameraIndex)
	assert.Equal(t, 3, *ctx.CameraIndex)
}

func TestClassifyFallsBackToKeywords(t *testing.T) {
	ctx := Classify(errors.New("dial tcp 10.0.0.1:21: connection refused"))
	assert.Equal(t, ErrorCategoryNetwork, ctx.Category)
	assert.Equal(t, ErrorSeverityMedium, ctx.Severity)
}

func TestLogErrorFillsComponent(t *testing.T) {
	logger, buf := newBufferLogger()

	LogError(logrus.NewEntry(logger), errors.New("no space left on device"), "storage", "move_pending")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "storage", line["component"])
	assert.Equal(t, "move_pending", line["operation"])
	assert.Equal(t, "storage", line["error_category"])

	buf.Reset()
	LogError(logrus.NewEntry(logger), nil, "storage", "move_pending")
	assert.Zero(t, buf.Len())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil", nil, ErrorCategoryUnknown},
		{"network", errors.New("dial tcp: i/o timeout"), ErrorCategoryNetwork},
		{"ftp", errors.New("ftp login rejected"), ErrorCategoryNetwork},
		{"gpio", errors.New("gpio host init failed"), ErrorCategoryHardware},
		{"ffmpeg", errors.New("exec: \"ffmpeg\": executable file not found in $PATH"), ErrorCategoryCapture},
		{"exit status", errors.New("exit status 1"), ErrorCategoryCapture},
		{"disk", errors.New("write /data: no space left on device"), ErrorCategoryStorage},
		{"config", errors.New("invalid camera_list"), ErrorCategoryConfig},
		{"unknown", errors.New("something odd"), ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestCaptureStackTrace(t *testing.T) {
	stack := captureStackTrace()
	assert.NotEmpty(t, stack)
	assert.Contains(t, stack, "goroutine")
}
