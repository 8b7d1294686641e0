package store

import (
	"fmt"
	"strings"
)

// StreamPath identifies a stream as <project>/<stream>. It is the engine
// instance key.
type StreamPath struct {
	Project string
	Stream  string
}

// String returns the canonical path form.
func (p StreamPath) String() string {
	return p.Project + "/" + p.Stream
}

// IsZero reports whether the path is empty.
func (p StreamPath) IsZero() bool {
	return p.Project == "" && p.Stream == ""
}

// ParseStreamPath parses "<project>/<stream>". Each segment must be non-empty
// and consist of [A-Za-z0-9_\-:.] characters only.
func ParseStreamPath(s string) (StreamPath, error) {
	s = strings.Trim(s, "/")
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return StreamPath{}, fmt.Errorf("stream path %q: want <project>/<stream>", s)
	}
	project, stream := s[:i], s[i+1:]
	if !validPathSegment(project) || !validPathSegment(stream) {
		return StreamPath{}, fmt.Errorf("stream path %q: segments must match [A-Za-z0-9_\\-:.]+", s)
	}
	return StreamPath{Project: project, Stream: stream}, nil
}

func validPathSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == ':' || c == '.':
		default:
			return false
		}
	}
	return true
}
