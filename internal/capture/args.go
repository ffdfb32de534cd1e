package capture

import (
	"fmt"
	"strconv"
	"time"

	"mdvr/internal/types"
)

// videoMovflags produce a fragmented MP4 that stays playable if ffmpeg is killed
const videoMovflags = "+frag_keyframe+separate_moof+omit_tfhd_offset+empty_moov"

// Spec describes one capture process
type Spec struct {
	Target     types.CaptureTarget
	OutputPath string
	FFmpegPath string

	Transport     string
	SocketTimeout time.Duration
	Width, Height int
	FPS           float64
	// Duration bounds a video capture; zero records until stopped
	Duration time.Duration
}

// BuildArgs returns the ffmpeg argument list for spec, without the binary
func BuildArgs(spec Spec) []string {
	transport := spec.Transport
	if transport == "" {
		transport = "tcp"
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "warning",
		"-rtsp_transport", transport,
		"-fflags", "+genpts",
	}
	if spec.SocketTimeout > 0 {
		// ffmpeg expects microseconds
		args = append(args, "-timeout", strconv.FormatInt(spec.SocketTimeout.Microseconds(), 10))
	}
	args = append(args, "-i", spec.Target.SourceURI)

	switch spec.Target.Mode {
	case types.CaptureModePhoto:
		args = append(args, "-frames:v", "1", "-f", "image2")
	default:
		var filters string
		if spec.Width > 0 && spec.Height > 0 {
			filters = fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height)
		}
		if spec.FPS > 0 {
			if filters != "" {
				filters += ","
			}
			filters += "fps=" + strconv.FormatFloat(spec.FPS, 'f', -1, 64)
		}
		if filters != "" {
			args = append(args, "-vf", filters)
		}
		args = append(args, "-c:v", "libx264", "-movflags", videoMovflags)
		if spec.Duration > 0 {
			args = append(args, "-t", strconv.FormatFloat(spec.Duration.Seconds(), 'f', -1, 64))
		}
	}

	return append(args, "-y", spec.OutputPath)
}
