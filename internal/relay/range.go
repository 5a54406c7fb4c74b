package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable marks a Range header that cannot be honored against
// the video's size. Callers answer 416 with no body; there is no fallback to
// a full response.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// ByteRange is an inclusive byte span within a video.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the span.
func (b ByteRange) Length() int64 {
	return b.End - b.Start + 1
}

// ContentRange renders the span for a Content-Range response header.
func (b ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Start, b.End, total)
}

// RangeHeader renders the span for an upstream Range request header.
func (b ByteRange) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", b.Start, b.End)
}

// ParseRange interprets a single bytes=A-B header against the total size.
// A is required and zero-indexed; an omitted B means "through the last byte".
// An end past the last byte is clamped; a start past it, a reversed span,
// suffix form, or multiple spans are all unsatisfiable.
func ParseRange(header string, total int64) (ByteRange, error) {
	spec := strings.TrimSpace(header)
	if !strings.HasPrefix(spec, "bytes=") {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	spec = strings.TrimPrefix(spec, "bytes=")
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	first, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || first < 0 {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	last := total - 1
	if trimmed := strings.TrimSpace(end); trimmed != "" {
		last, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return ByteRange{}, ErrRangeNotSatisfiable
		}
	}
	if last > total-1 {
		last = total - 1
	}
	if first > total-1 || first > last {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	return ByteRange{Start: first, End: last}, nil
}
