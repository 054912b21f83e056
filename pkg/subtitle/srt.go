// Package subtitle parses and writes SubRip (.srt) files.
//
// The parser is deliberately tolerant: it accepts UTF-8 BOMs, CRLF and LF
// line endings, comma or dot millisecond separators, missing index lines,
// and missing blank lines between cues. Malformed cues are skipped rather
// than failing the whole file. The writer always emits canonical SRT:
// sequential indices, comma separators, LF endings, one blank line between
// cues.
package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Segment is a single subtitle cue.
type Segment struct {
	ID    int           `json:"id"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// ErrNoSegments is returned when a file yields no parseable cues at all.
var ErrNoSegments = errors.New("no subtitle segments found")

var (
	timestampRe = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})`)
	indexLineRe = regexp.MustCompile(`^\d+$`)
)

// ParseFile parses the SRT file at path.
func ParseFile(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subtitle file: %w", err)
	}
	defer func() { _ = f.Close() }()

	segments, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return segments, nil
}

// Parse reads SRT cues from r. Cues with unparseable timing lines are
// skipped; ErrNoSegments is returned only when nothing survives.
func Parse(r io.Reader) ([]Segment, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	var segments []Segment
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}

		// Optional numeric index line before the timing line.
		if indexLineRe.MatchString(strings.TrimSpace(lines[i])) && i+1 < len(lines) && isTimingLine(lines[i+1]) {
			i++
		}

		if !isTimingLine(lines[i]) {
			// Stray text outside any cue; skip to the next candidate.
			i++
			continue
		}

		start, end, ok := parseTimingLine(lines[i])
		i++
		if !ok {
			continue
		}

		var text []string
		for i < len(lines) {
			line := lines[i]
			if strings.TrimSpace(line) == "" {
				i++
				break
			}
			// A new cue may start without a separating blank line.
			if startsNewCue(lines, i) {
				break
			}
			text = append(text, strings.TrimRight(line, " \t"))
			i++
		}

		segments = append(segments, Segment{
			ID:    len(segments) + 1,
			Start: start,
			End:   end,
			Text:  strings.Join(text, "\n"),
		})
	}

	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	return segments, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		lines = append(lines, strings.TrimSuffix(line, "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtitle data: %w", err)
	}
	return lines, nil
}

func isTimingLine(line string) bool {
	return strings.Contains(line, "-->")
}

// startsNewCue reports whether lines[i] begins the next cue: either a
// timing line, or an index line directly followed by one.
func startsNewCue(lines []string, i int) bool {
	if isTimingLine(lines[i]) {
		return true
	}
	return indexLineRe.MatchString(strings.TrimSpace(lines[i])) &&
		i+1 < len(lines) && isTimingLine(lines[i+1])
}

func parseTimingLine(line string) (start, end time.Duration, ok bool) {
	matches := timestampRe.FindAllStringSubmatch(line, 2)
	if len(matches) < 2 {
		return 0, 0, false
	}
	start, ok = timestampFromMatch(matches[0])
	if !ok {
		return 0, 0, false
	}
	end, ok = timestampFromMatch(matches[1])
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func timestampFromMatch(m []string) (time.Duration, bool) {
	h, err1 := strconv.Atoi(m[1])
	min, err2 := strconv.Atoi(m[2])
	sec, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	// Short millisecond fields are left-padded: ".5" means 500ms.
	msStr := m[4]
	for len(msStr) < 3 {
		msStr += "0"
	}
	ms, err := strconv.Atoi(msStr)
	if err != nil {
		return 0, false
	}
	d := time.Duration(h)*time.Hour +
		time.Duration(min)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond
	return d, true
}

// FormatTimestamp renders d as canonical SRT time, HH:MM:SS,mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Write emits canonical SRT with sequential indices and LF endings.
func Write(w io.Writer, segments []Segment) error {
	bw := bufio.NewWriter(w)
	for i, seg := range segments {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return fmt.Errorf("failed to write subtitle data: %w", err)
			}
		}
		_, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n",
			i+1, FormatTimestamp(seg.Start), FormatTimestamp(seg.End), seg.Text)
		if err != nil {
			return fmt.Errorf("failed to write subtitle data: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write subtitle data: %w", err)
	}
	return nil
}

// WriteFile writes canonical SRT to path, creating parent directories as
// needed. The file is written via a temp file and rename so readers never
// observe a partial subtitle.
func WriteFile(path string, segments []Segment) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create subtitle directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".subtitle-*.srt")
	if err != nil {
		return fmt.Errorf("failed to create temp subtitle file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Write(tmp, segments); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp subtitle file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move subtitle into place: %w", err)
	}
	return nil
}
