// Package protocol implements the word-framed wire format spoken between the
// process manager and the processes it launches.
//
// A message is a sequence of words. Every word is terminated either by a NUL
// byte, meaning more words follow, or by a newline, which ends the message.
package protocol

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	wordSep    = 0x00
	messageEnd = '\n'

	// MaxWordLen bounds a single word so a misbehaving peer cannot grow the
	// read buffer without limit.
	MaxWordLen = 64 << 10
)

// Status reports how the last word read was terminated.
type Status int

const (
	// StatusMore means the word was followed by a separator.
	StatusMore Status = iota
	// StatusEnd means the word ended the message.
	StatusEnd
	// StatusEOF means the stream ended before any byte of a word was read.
	StatusEOF
)

func (s Status) String() string {
	switch s {
	case StatusMore:
		return "more"
	case StatusEnd:
		return "end"
	case StatusEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// ErrProtocol marks peer input that violates the framing or the handshake.
var ErrProtocol = errors.New("protocol violation")

// Violation returns an error wrapping ErrProtocol.
func Violation(format string, args ...any) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}

// IsViolation reports whether err is caused by bad peer input.
func IsViolation(err error) bool { return errors.Is(err, ErrProtocol) }

// ReadWord reads one word from r. A clean end of stream before the first
// byte yields StatusEOF and a nil error; an end of stream inside a word is
// io.ErrUnexpectedEOF.
func ReadWord(r io.ByteReader) (string, Status, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if sb.Len() == 0 {
					return "", StatusEOF, nil
				}
				return sb.String(), StatusEOF, io.ErrUnexpectedEOF
			}
			return sb.String(), StatusEOF, err
		}
		switch b {
		case wordSep:
			return sb.String(), StatusMore, nil
		case messageEnd:
			return sb.String(), StatusEnd, nil
		}
		if sb.Len() >= MaxWordLen {
			return "", StatusEOF, Violation("word longer than %d bytes", MaxWordLen)
		}
		sb.WriteByte(b)
	}
}

// ReadMessage reads words up to the end of the message. It returns io.EOF
// when the stream ended cleanly between messages.
func ReadMessage(r io.ByteReader) ([]string, error) {
	var words []string
	for {
		w, st, err := ReadWord(r)
		if err != nil {
			return nil, err
		}
		switch st {
		case StatusEOF:
			if len(words) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		case StatusEnd:
			return append(words, w), nil
		}
		words = append(words, w)
	}
}

// AppendMessage encodes words as one message onto buf.
func AppendMessage(buf []byte, words ...string) ([]byte, error) {
	if len(words) == 0 {
		return buf, errors.New("empty message")
	}
	for i, w := range words {
		if strings.IndexByte(w, wordSep) >= 0 || strings.IndexByte(w, messageEnd) >= 0 {
			return buf, errors.Errorf("word %d contains a reserved byte", i)
		}
		if len(w) > MaxWordLen {
			return buf, errors.Errorf("word %d longer than %d bytes", i, MaxWordLen)
		}
		buf = append(buf, w...)
		if i == len(words)-1 {
			buf = append(buf, messageEnd)
		} else {
			buf = append(buf, wordSep)
		}
	}
	return buf, nil
}

// WriteMessage writes words as one message to w.
func WriteMessage(w io.Writer, words ...string) error {
	buf, err := AppendMessage(nil, words...)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
