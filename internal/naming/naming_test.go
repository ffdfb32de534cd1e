package naming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	assert.Equal(t, "124240309140507.mp4", Format(0, ts, "mp4"))
	assert.Equal(t, "324240309140507.jpg", Format(2, ts, "jpg"))
	assert.Equal(t, "224240309.jpg", FormatDay(1, ts, "jpg"))
}

func TestRoundTrip(t *testing.T) {
	stamps := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2031, 2, 28, 12, 30, 1, 0, time.UTC),
	}

	for _, camera := range []int{0, 1, 8, 9, 11} {
		for _, ts := range stamps {
			name := Format(camera, ts, "mp4")
			parsed, err := ParseInLocation(name, time.UTC)
			require.NoError(t, err, name)
			assert.Equal(t, camera, parsed.CameraIndex, name)
			assert.True(t, ts.Equal(parsed.Timestamp), name)
			assert.False(t, parsed.DayOnly)
			assert.Equal(t, "mp4", parsed.Ext)
		}
	}
}

func TestDayOnlyRoundTrip(t *testing.T) {
	ts := time.Date(2024, 7, 15, 18, 42, 3, 0, time.UTC)

	parsed, err := ParseInLocation(FormatDay(1, ts, "jpg"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.CameraIndex)
	assert.True(t, parsed.DayOnly)
	assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC), parsed.Timestamp)
}

func TestParseIgnoresDirectory(t *testing.T) {
	parsed, err := ParseInLocation("/data/materials/124240309140507.mp4", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.CameraIndex)
}

func TestParseRejects(t *testing.T) {
	names := []string{
		"notes.txt",
		"124240309140507",      // no extension
		"1240309140507.mp4",    // marker missing
		"024240309140507.mp4",  // camera zero
		"124241309140507.mp4",  // month 13
		"124240309250507.mp4",  // hour 25
		"12424030914050a.mp4",  // non digit
		"x24240309140507.mp4",  // non digit camera
		"24240309.",            // empty extension
		".mp4",
	}

	for _, name := range names {
		_, err := Parse(name)
		assert.ErrorIs(t, err, ErrNoMatch, name)
	}
}
