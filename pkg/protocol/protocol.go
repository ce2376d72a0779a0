// Package protocol defines the newline-delimited text framing spoken between
// linechat clients and the server, and the parsing of answers and commands.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const (
	// DefaultMaxLineLength is the longest line, in bytes and excluding the
	// terminator, that a LineReader accepts by default.
	DefaultMaxLineLength = 4096

	// CommandQuitText ends the session.
	CommandQuitText = "/quit"
	// CommandMyMessagesText lists the caller's saved messages.
	CommandMyMessagesText = "/mymsgs"
)

// ErrLineTooLong is returned by ReadLine when a line exceeds the reader's limit.
var ErrLineTooLong = errors.New("protocol: line too long")

// LineReader reads '\n' terminated lines. A trailing '\r' is stripped so
// telnet-style clients work unchanged.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader wraps r. maxLen <= 0 selects DefaultMaxLineLength.
func NewLineReader(r io.Reader, maxLen int) *LineReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	sc := bufio.NewScanner(r)
	// room for the "\r\n" terminator
	sc.Buffer(make([]byte, 0, min(maxLen+2, 4096)), maxLen+2)
	sc.Split(bufio.ScanLines)
	return &LineReader{sc: sc}
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// once the peer has closed the stream and every complete line was consumed.
func (r *LineReader) ReadLine() (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	err := r.sc.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", ErrLineTooLong
	default:
		return "", fmt.Errorf("protocol: read line: %w", err)
	}
}

// WriteLine writes line followed by '\n'. Embedded newlines are replaced with
// spaces so one call always produces exactly one line on the wire.
func WriteLine(w io.Writer, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		line = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(line)
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("protocol: write line: %w", err)
	}
	return nil
}

// Answer is the result of parsing a yes/no reply.
type Answer int

const (
	AnswerInvalid Answer = iota
	AnswerYes
	AnswerNo
)

// ParseAnswer interprets a yes/no reply case-insensitively. "ja" and "nej"
// are accepted alongside "yes" and "no".
func ParseAnswer(line string) Answer {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "yes", "ja":
		return AnswerYes
	case "no", "nej":
		return AnswerNo
	default:
		return AnswerInvalid
	}
}

// Command identifies a chat-loop line.
type Command int

const (
	// CommandNone is an ordinary chat message.
	CommandNone Command = iota
	CommandQuit
	CommandMyMessages
)

// ParseCommand classifies a chat-loop line. Commands match case-insensitively
// and ignore surrounding whitespace; anything else is CommandNone.
func ParseCommand(line string) Command {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.EqualFold(trimmed, CommandQuitText):
		return CommandQuit
	case strings.EqualFold(trimmed, CommandMyMessagesText):
		return CommandMyMessages
	default:
		return CommandNone
	}
}

// Sanitize strips control characters from user-supplied text to prevent
// terminal escape injection and null bytes. Tabs become spaces.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1 // null, bell, ANSI escapes, etc.
		}
		return r
	}, s)
}

// IsBlank reports whether line carries no visible text.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
