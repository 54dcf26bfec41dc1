package protocol

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Connected is the first word a launched process sends after dialing back.
const Connected = "CONNECTED"

// WriteHandshake sends the greeting identifying the caller as name.
func WriteHandshake(w io.Writer, name string) error {
	if name == "" {
		return errors.New("empty process name")
	}
	return WriteMessage(w, Connected, name)
}

// ReadHandshake reads the greeting and returns the announced name. Words
// following CONNECTED are concatenated without separator. Any deviation is
// a protocol violation; read errors are returned wrapped.
func ReadHandshake(r *bufio.Reader) (string, error) {
	first, st, err := ReadWord(r)
	if err != nil {
		return "", errors.Wrap(err, "read handshake")
	}
	if st == StatusEOF {
		return "", errors.Wrap(io.EOF, "read handshake")
	}
	if first != Connected || st != StatusMore {
		return "", Violation("expected %s, got %q", Connected, first)
	}
	var name strings.Builder
	for st == StatusMore {
		var w string
		w, st, err = ReadWord(r)
		if err != nil {
			return "", errors.Wrap(err, "read process name")
		}
		if st == StatusEOF {
			return "", errors.Wrap(io.ErrUnexpectedEOF, "read process name")
		}
		if name.Len()+len(w) > MaxWordLen {
			return "", Violation("process name longer than %d bytes", MaxWordLen)
		}
		name.WriteString(w)
	}
	if name.Len() == 0 {
		return "", Violation("empty process name")
	}
	return name.String(), nil
}
