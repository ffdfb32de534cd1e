// Package naming implements the material filename convention shared by the
// recorder, the storage reconciler and the uploader:
//
//	{camera_index+1}24{yymmdd}{hhmmss}.{ext}
//	{camera_index+1}24{yymmdd}.{ext}        (day-only form)
//
// The literal "24" is a fixed separator token. Timestamps are local time.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Marker separates the camera number from the timestamp
const Marker = "24"

const (
	stampLayout = "060102150405"
	dayLayout   = "060102"
)

// ErrNoMatch is returned by Parse for names outside the convention
var ErrNoMatch = errors.New("filename does not match material naming convention")

// Name is a parsed material filename
type Name struct {
	CameraIndex int
	Timestamp   time.Time
	DayOnly     bool
	Ext         string
}

// Format returns the filename for a camera and capture time
func Format(cameraIndex int, ts time.Time, ext string) string {
	return fmt.Sprintf("%d%s%s.%s", cameraIndex+1, Marker, ts.Format(stampLayout), ext)
}

// FormatDay returns the day-only filename for a camera
func FormatDay(cameraIndex int, ts time.Time, ext string) string {
	return fmt.Sprintf("%d%s%s.%s", cameraIndex+1, Marker, ts.Format(dayLayout), ext)
}

// Parse recovers the camera index and timestamp from a material filename.
// Directory components are ignored. The timestamp is anchored at the end of
// the stem, so camera numbers of any width parse.
func Parse(filename string) (Name, error) {
	return ParseInLocation(filename, time.Local)
}

// ParseInLocation is Parse with an explicit time zone
func ParseInLocation(filename string, loc *time.Location) (Name, error) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	if len(ext) < 2 {
		return Name{}, ErrNoMatch
	}
	stem := strings.TrimSuffix(base, ext)

	if name, ok := parseStem(stem, stampLayout, loc); ok {
		name.Ext = ext[1:]
		return name, nil
	}
	if name, ok := parseStem(stem, dayLayout, loc); ok {
		name.Ext = ext[1:]
		name.DayOnly = true
		return name, nil
	}
	return Name{}, ErrNoMatch
}

func parseStem(stem, layout string, loc *time.Location) (Name, bool) {
	// at least one camera digit, the marker, then the stamp
	if len(stem) < 1+len(Marker)+len(layout) {
		return Name{}, false
	}
	stampAt := len(stem) - len(layout)
	stamp := stem[stampAt:]
	if !allDigits(stamp) {
		return Name{}, false
	}
	head := stem[:stampAt]
	if !strings.HasSuffix(head, Marker) {
		return Name{}, false
	}
	camera := head[:len(head)-len(Marker)]
	if !allDigits(camera) || camera[0] == '0' {
		return Name{}, false
	}
	number, err := strconv.Atoi(camera)
	if err != nil {
		return Name{}, false
	}
	ts, err := time.ParseInLocation(layout, stamp, loc)
	if err != nil {
		return Name{}, false
	}
	return Name{CameraIndex: number - 1, Timestamp: ts}, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
