package capture

// ExitPolicy decides which exit codes count as a completed capture
type ExitPolicy struct {
	// Non-zero codes treated as success. 255 is ffmpeg stopped by a signal
	// or reaching its duration, 130 is SIGINT.
	Expected []int
}

// DefaultExitPolicy returns the policy for ffmpeg
func DefaultExitPolicy() ExitPolicy {
	return ExitPolicy{Expected: []int{255, 130}}
}

// Success reports whether code is a clean or expected exit
func (p ExitPolicy) Success(code int) bool {
	if code == 0 {
		return true
	}
	for _, expected := range p.Expected {
		if code == expected {
			return true
		}
	}
	return false
}

// Check returns a *ProcessFailure when status is not a success
func (p ExitPolicy) Check(cameraIndex int, status ExitStatus, tail []string) error {
	if p.Success(status.Code) {
		return nil
	}
	return &ProcessFailure{
		CameraIndex: cameraIndex,
		ExitCode:    status.Code,
		Forced:      status.Forced,
		Tail:        tail,
	}
}
