package subtitle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonical = `1
00:00:01,000 --> 00:00:02,500
Hello there.

2
00:00:03,000 --> 00:00:05,250
Two lines
of dialogue.

3
01:02:03,456 --> 01:02:04,000
Final cue.
`

func TestParseCanonical(t *testing.T) {
	segments, err := Parse(strings.NewReader(canonical))
	require.NoError(t, err)
	require.Len(t, segments, 3)

	assert.Equal(t, 1, segments[0].ID)
	assert.Equal(t, time.Second, segments[0].Start)
	assert.Equal(t, 2500*time.Millisecond, segments[0].End)
	assert.Equal(t, "Hello there.", segments[0].Text)

	assert.Equal(t, "Two lines\nof dialogue.", segments[1].Text)

	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second+456*time.Millisecond, segments[2].Start)
}

func TestWriteRoundTrip(t *testing.T) {
	segments, err := Parse(strings.NewReader(canonical))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, Write(&out, segments))
	assert.Equal(t, canonical, out.String())
}

func TestParseTolerance(t *testing.T) {
	tests := []struct {
		name  string
		input string
		texts []string
	}{
		{
			name:  "utf8 bom and crlf",
			input: "\ufeff1\r\n00:00:01,000 --> 00:00:02,000\r\nBOM line\r\n\r\n",
			texts: []string{"BOM line"},
		},
		{
			name:  "dot millisecond separator",
			input: "1\n00:00:01.000 --> 00:00:02.500\nDotted\n",
			texts: []string{"Dotted"},
		},
		{
			name:  "missing index lines",
			input: "00:00:01,000 --> 00:00:02,000\nNo index\n\n00:00:03,000 --> 00:00:04,000\nStill none\n",
			texts: []string{"No index", "Still none"},
		},
		{
			name:  "missing blank line between cues",
			input: "1\n00:00:01,000 --> 00:00:02,000\nFirst\n2\n00:00:03,000 --> 00:00:04,000\nSecond\n",
			texts: []string{"First", "Second"},
		},
		{
			name:  "malformed timing skipped",
			input: "1\nnot a timing line at all\nlost\n\n2\n00:00:03,000 --> 00:00:04,000\nKept\n",
			texts: []string{"Kept"},
		},
		{
			name:  "numeric dialogue not mistaken for index",
			input: "1\n00:00:01,000 --> 00:00:02,000\n42\nis the answer\n",
			texts: []string{"42\nis the answer"},
		},
		{
			name:  "stray preamble ignored",
			input: "downloaded from example.com\n\n1\n00:00:01,000 --> 00:00:02,000\nReal cue\n",
			texts: []string{"Real cue"},
		},
		{
			name:  "short millisecond field padded",
			input: "1\n00:00:01.5 --> 00:00:02.25\nShort millis\n",
			texts: []string{"Short millis"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments, err := Parse(strings.NewReader(tt.input))
			require.NoError(t, err)
			require.Len(t, segments, len(tt.texts))
			for i, want := range tt.texts {
				assert.Equal(t, want, segments[i].Text)
				assert.Equal(t, i+1, segments[i].ID, "IDs must be sequential")
			}
		})
	}
}

func TestParseShortMillisValue(t *testing.T) {
	segments, err := Parse(strings.NewReader("1\n00:00:01.5 --> 00:00:02.25\nX\n"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, time.Second+500*time.Millisecond, segments[0].Start)
	assert.Equal(t, 2*time.Second+250*time.Millisecond, segments[0].End)
}

func TestParseNoSegments(t *testing.T) {
	for _, input := range []string{"", "just some text\nno cues here\n", "\n\n\n"} {
		_, err := Parse(strings.NewReader(input))
		assert.ErrorIs(t, err, ErrNoSegments)
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00,000"},
		{time.Second + 500*time.Millisecond, "00:00:01,500"},
		{time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond, "01:02:03,045"},
		{-time.Second, "00:00:00,000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTimestamp(tt.d))
	}
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "movie.nl.srt")

	segments := []Segment{{ID: 1, Start: time.Second, End: 2 * time.Second, Text: "Hoi"}}
	require.NoError(t, WriteFile(path, segments))

	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "Hoi", parsed[0].Text)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.srt"))
	require.Error(t, err)
}
