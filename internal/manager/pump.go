package manager

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/brockhager/swarmchat/internal/events"
)

// maxLineSize caps one forwarded line; the remainder of a longer line is skipped.
const maxLineSize = 1 << 20

// pump reads one stream of w line by line until the worker closes it.
func (s *Supervisor) pump(w worker, kind events.Kind, r io.ReadCloser) {
	defer s.wg.Done()
	defer func() { _ = r.Close() }()

	err := readLines(r, maxLineSize, func(line string, truncated bool) {
		if truncated {
			s.log.Warn("Sidecar output line truncated", "stream", string(kind), "pid", w.pid, "limit", maxLineSize)
		}
		s.metrics.IncOutputLine(s.name, string(kind))
		s.emit(events.Event{Kind: kind, RunID: w.runID, Text: line})

		switch kind {
		case events.KindStdout:
			s.scanPort(w, line)
		case events.KindStderr:
			s.st.recordError(w.runID, line)
		}
	})
	if err != nil {
		s.log.Warn("Sidecar output pump stopped early", "stream", string(kind), "pid", w.pid, "error", err)
	}
}

// readLines calls fn for every line of r until EOF. Line endings (\n or \r\n)
// are stripped. Lines longer than limit are cut to limit bytes and reported
// as truncated; reading continues with the next line.
func readLines(r io.Reader, limit int, fn func(line string, truncated bool)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	cut := false
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, cut = appendCapped(line, chunk, limit, cut)
			continue
		}
		eol := err == nil
		if eol {
			chunk = chunk[:len(chunk)-1]
		}
		line, cut = appendCapped(line, chunk, limit, cut)
		if eol || len(line) > 0 {
			fn(string(bytes.TrimSuffix(line, []byte{'\r'})), cut)
		}
		if !eol {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line, cut = line[:0], false
	}
}

func appendCapped(line, chunk []byte, limit int, cut bool) ([]byte, bool) {
	if room := limit - len(line); len(chunk) > room {
		return append(line, chunk[:room]...), true
	}
	return append(line, chunk...), cut
}

func (s *Supervisor) scanPort(w worker, line string) {
	if s.st.portSettled(w.runID) {
		return
	}
	port, ok := DetectPortAfter(line, s.cfg.PortMarker)
	if !ok || !s.st.recordPort(w.runID, port) {
		return
	}
	s.metrics.SetDetectedPort(s.name, port)
	s.log.Info("Sidecar port detected", "name", s.name, "port", port, "pid", w.pid)
	s.emit(events.Event{Kind: events.KindPort, RunID: w.runID, Port: port})
}

// DetectPort returns the first maximal run of decimal digits in line when it
// parses as a port in 1..65535. A run that does not qualify ends the search.
func DetectPort(line string) (uint16, bool) {
	start := strings.IndexFunc(line, isDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	n, err := strconv.ParseUint(line[start:end], 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}

// DetectPortAfter applies DetectPort to the text following marker. An empty
// marker scans the whole line; a line without the marker yields nothing.
func DetectPortAfter(line, marker string) (uint16, bool) {
	if marker == "" {
		return DetectPort(line)
	}
	i := strings.Index(line, marker)
	if i < 0 {
		return 0, false
	}
	return DetectPort(line[i+len(marker):])
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
