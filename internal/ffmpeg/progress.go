package ffmpeg

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxRunningProgress is the highest percentage reported before the encoder
// exits successfully.
const MaxRunningProgress = 99

// timeRe matches both the "-progress" key (out_time=) and the classic stats
// line (time=). Negative placeholders such as out_time=-577014:... do not match.
var timeRe = regexp.MustCompile(`(?:^|\s|_)time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)

// progressKeyRe matches "key=value" lines from -progress output.
var progressKeyRe = regexp.MustCompile(`^[a-z0-9_]+=\S*$`)

// ParseProgressTime extracts the encoded media position from an ffmpeg stderr line.
func ParseProgressTime(line string) (time.Duration, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second

	if frac := m[4]; frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		ns, _ := strconv.Atoi(frac)
		d += time.Duration(ns)
	}
	return d, true
}

// Percent converts an encoded position into a running percentage capped at
// MaxRunningProgress. An unknown total yields 0.
func Percent(elapsed, total time.Duration) int {
	if total <= 0 || elapsed <= 0 {
		return 0
	}
	p := int(math.Round(float64(elapsed) / float64(total) * 100))
	return min(p, MaxRunningProgress)
}

// StderrTail keeps the last few diagnostic lines of encoder output.
type StderrTail struct {
	lines []string
	max   int
}

// NewStderrTail keeps at most n lines.
func NewStderrTail(n int) *StderrTail {
	return &StderrTail{max: n}
}

// Add records a line. Progress key=value lines are ignored.
func (t *StderrTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || progressKeyRe.MatchString(line) {
		return
	}
	if len(t.lines) == t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

// String joins the retained lines.
func (t *StderrTail) String() string {
	return strings.Join(t.lines, "; ")
}

// ScanProgress reads encoder stderr until EOF. onProgress is called each time
// the running percentage changes. Diagnostic lines are collected into tail
// when it is non-nil.
func ScanProgress(r io.Reader, total time.Duration, tail *StderrTail, onProgress func(percent int)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)

	last := -1
	for scanner.Scan() {
		line := scanner.Text()
		if elapsed, ok := ParseProgressTime(line); ok {
			if pct := Percent(elapsed, total); pct != last {
				last = pct
				if onProgress != nil {
					onProgress(pct)
				}
			}
			continue
		}
		if tail != nil {
			tail.Add(line)
		}
	}
	return scanner.Err()
}

// scanLinesOrCR splits on either \n or \r so interactive status lines are
// seen as they are written.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
