package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ruuvi/stationd/internal/decoder"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/validation"
)

// HexLineSource reads frames from text lines of the form
//
//	<local-id> <format> <hex payload> [rssi]
//
// Blank lines and lines starting with '#' are ignored. Lines that do not
// parse are skipped and counted.
type HexLineSource struct {
	scanner *bufio.Scanner
	now     func() time.Time
	line    int
	skipped int
}

// NewHexLineSource reads lines from r.
func NewHexLineSource(r io.Reader) *HexLineSource {
	return &HexLineSource{scanner: bufio.NewScanner(r), now: time.Now}
}

// Skipped returns the number of unparsable lines seen so far.
func (s *HexLineSource) Skipped() int { return s.skipped }

// Next implements Source.
func (s *HexLineSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, io.EOF
		}
		s.line++

		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f, err := ParseHexLine(text)
		if err != nil {
			s.skipped++
			log.Warn("skipping frame line", "line", s.line, "error", err)
			continue
		}
		f.ReceivedAt = s.now()
		return f, nil
	}
}

// ParseHexLine parses one frame line. The returned frame has no receive
// time.
func ParseHexLine(line string) (Frame, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 4 {
		return Frame{}, errors.NewValidation("line", fmt.Sprintf("want 3 or 4 fields, got %d", len(fields)))
	}

	if err := validation.ValidateLocalID(fields[0]); err != nil {
		return Frame{}, err
	}

	format, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return Frame{}, errors.NewValidation("format", err.Error())
	}

	data, err := hex.DecodeString(strings.TrimPrefix(fields[2], "0x"))
	if err != nil {
		return Frame{}, errors.NewValidation("payload", err.Error())
	}

	f := Frame{
		LocalID: model.LocalID(fields[0]),
		Format:  decoder.Format(format),
		Data:    data,
	}
	if len(fields) == 4 {
		rssi, err := strconv.Atoi(fields[3])
		if err != nil {
			return Frame{}, errors.NewValidation("rssi", err.Error())
		}
		f.RSSI = &rssi
	}
	return f, nil
}

// SliceSource yields a fixed list of frames.
type SliceSource struct {
	frames []Frame
	next   int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}
