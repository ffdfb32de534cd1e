package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mdvr/internal/logging"
	"mdvr/internal/types"
)

func TestBuildArgsVideo(t *testing.T) {
	args := BuildArgs(Spec{
		Target:        types.CaptureTarget{CameraIndex: 0, SourceURI: "rtsp://10.0.0.2/main", Mode: types.CaptureModeVideo},
		OutputPath:    "temp/124240101120000.mp4",
		SocketTimeout: 15 * time.Second,
		Width:         1280,
		Height:        720,
		FPS:           15,
		Duration:      5 * time.Minute,
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-rtsp_transport tcp -fflags +genpts -timeout 15000000 -i rtsp://10.0.0.2/main")
	assert.Contains(t, joined, "-vf scale=1280:720,fps=15")
	assert.Contains(t, joined, "-c:v libx264 -movflags "+videoMovflags)
	assert.Contains(t, joined, "-t 300")
	assert.Equal(t, "temp/124240101120000.mp4", args[len(args)-1])
}

func TestBuildArgsUnboundedVideo(t *testing.T) {
	args := BuildArgs(Spec{
		Target:     types.CaptureTarget{SourceURI: "rtsp://a", Mode: types.CaptureModeVideo},
		Transport:  "udp",
		OutputPath: "out.mp4",
		FPS:        12.5,
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-rtsp_transport udp")
	assert.Contains(t, joined, "-vf fps=12.5")
	assert.NotContains(t, joined, " -t ")
	assert.NotContains(t, joined, "-timeout")
}

func TestBuildArgsPhoto(t *testing.T) {
	args := BuildArgs(Spec{
		Target:     types.CaptureTarget{SourceURI: "rtsp://a", Mode: types.CaptureModePhoto},
		OutputPath: "out.jpg",
		Duration:   time.Minute,
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-frames:v 1 -f image2")
	assert.NotContains(t, joined, "libx264")
	assert.NotContains(t, joined, " -t ")
}

func TestIsErrorLine(t *testing.T) {
	assert.True(t, IsErrorLine("[rtsp @ 0x55] method DESCRIBE failed: 401 Unauthorized"))
	assert.True(t, IsErrorLine("Connection timed out"))
	assert.True(t, IsErrorLine("Server returned 404 Not Found"))
	assert.True(t, IsErrorLine("ERROR while decoding"))
	assert.False(t, IsErrorLine("frame=  120 fps= 15 q=28.0"))
}

func TestExitPolicy(t *testing.T) {
	policy := DefaultExitPolicy()

	for _, code := range []int{0, 255, 130} {
		assert.True(t, policy.Success(code), code)
		assert.NoError(t, policy.Check(0, ExitStatus{Code: code}, nil))
	}
	for _, code := range []int{1, 137, 143, ForcedExitCode} {
		assert.False(t, policy.Success(code), code)
		assert.Error(t, policy.Check(0, ExitStatus{Code: code}, nil))
	}

	custom := ExitPolicy{}
	assert.False(t, custom.Success(255))
}

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	assert.Empty(t, r.snapshot())

	r.add("a")
	r.add("b")
	assert.Equal(t, []string{"a", "b"}, r.snapshot())

	r.add("c")
	r.add("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.snapshot())
}

func TestErrorContexts(t *testing.T) {
	ctx := logging.Classify(&SpawnError{CameraIndex: 1})
	assert.Equal(t, logging.ErrorCategoryCapture, ctx.Category)
	assert.Equal(t, 1, *ctx.CameraIndex)

	warn := logging.Classify(&ShutdownTimeout{Level: StopTerminate})
	assert.Equal(t, logging.ErrorCategoryShutdown, warn.Category)
	assert.Equal(t, logging.ErrorSeverityMedium, warn.Severity)

	kill := logging.Classify(&ShutdownTimeout{Level: StopKill})
	assert.Equal(t, logging.ErrorSeverityCritical, kill.Severity)
}
