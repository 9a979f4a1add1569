package reply

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrParse = errors.New("reply: malformed line")

// ParseError describes why a hub line could not be parsed. It wraps ErrParse.
type ParseError struct {
	Line string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Pos >= 0 {
		return fmt.Sprintf("reply: %s at offset %d: %q", e.Msg, e.Pos, compact(e.Line, 96))
	}
	return fmt.Sprintf("reply: %s: %q", e.Msg, compact(e.Line, 96))
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Code is the single-character status tag carried by every reply line.
type Code byte

const (
	CodeRunning Code = '>'
	CodeInfo    Code = 'i'
	CodeDebug   Code = 'd'
	CodeWarning Code = 'w'
	CodeDone    Code = ':'
	CodeFailed  Code = 'f'
	CodeError   Code = 'e'
)

// ParseCode normalizes a wire code token. Upper-case F and E, and '!', are
// accepted as aliases.
func ParseCode(raw string) (Code, bool) {
	if len(raw) != 1 {
		return 0, false
	}
	switch raw[0] {
	case '>':
		return CodeRunning, true
	case 'i', 'I':
		return CodeInfo, true
	case 'd', 'D':
		return CodeDebug, true
	case 'w', 'W':
		return CodeWarning, true
	case ':':
		return CodeDone, true
	case 'f', 'F':
		return CodeFailed, true
	case 'e', 'E', '!':
		return CodeError, true
	default:
		return 0, false
	}
}

func (c Code) String() string {
	switch c {
	case CodeRunning:
		return "running"
	case CodeInfo:
		return "info"
	case CodeDebug:
		return "debug"
	case CodeWarning:
		return "warning"
	case CodeDone:
		return "done"
	case CodeFailed:
		return "failed"
	case CodeError:
		return "error"
	default:
		return fmt.Sprintf("code(%q)", byte(c))
	}
}

// Terminal reports whether a command is finished once this code is seen.
func (c Code) Terminal() bool {
	return c == CodeDone || c == CodeFailed || c == CodeError
}

func (c Code) Failure() bool {
	return c == CodeFailed || c == CodeError
}

// Entry is one keyword of a reply with its ordered values.
type Entry struct {
	Name   string
	Values []Value
}

// Reply is one parsed line of hub traffic. CommandID 0 is unsolicited.
type Reply struct {
	Sender    string
	CommandID int
	Code      Code
	Entries   []Entry
	Raw       string
}

func (r Reply) Keyword(name string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Parse turns one line of the form
//
//	<sender> <commandId> <code> <kw1>=<v1,v2>; <kw2>=<v1>
//
// into a Reply. The keyword list may be empty.
func Parse(raw string) (Reply, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "empty line"}
	}
	sender, tail, ok := cutToken(line)
	if !ok {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "missing sender"}
	}
	idRaw, tail, ok := cutToken(tail)
	if !ok {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "missing command id"}
	}
	if !isASCIIInt(idRaw) {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "command id is not a non-negative integer"}
	}
	id, err := strconv.Atoi(idRaw)
	if err != nil {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "command id out of range"}
	}
	codeRaw, tail, ok := cutToken(tail)
	if !ok {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: "missing reply code"}
	}
	code, ok := ParseCode(codeRaw)
	if !ok {
		return Reply{}, &ParseError{Line: line, Pos: -1, Msg: fmt.Sprintf("unknown reply code %q", codeRaw)}
	}
	entries, err := parseEntries(line, tail, len(line)-len(tail))
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Sender:    sender,
		CommandID: id,
		Code:      code,
		Entries:   entries,
		Raw:       line,
	}, nil
}

// ParseKeywords parses only the keyword section of a line.
func ParseKeywords(raw string) ([]Entry, error) {
	return parseEntries(raw, raw, 0)
}

func parseEntries(line, body string, base int) ([]Entry, error) {
	entries := make([]Entry, 0, 4)
	i := 0
	for {
		i = skipSpace(body, i)
		if i >= len(body) {
			return entries, nil
		}
		if body[i] == ';' {
			i++
			continue
		}
		start := i
		for i < len(body) && body[i] != '=' && body[i] != ';' {
			i++
		}
		name := strings.TrimSpace(body[start:i])
		if !validKeywordName(name) {
			return nil, &ParseError{Line: line, Pos: base + start, Msg: fmt.Sprintf("invalid keyword name %q", name)}
		}
		if i >= len(body) || body[i] == ';' {
			entries = append(entries, Entry{Name: name, Values: []Value{}})
			continue
		}
		i++ // '='
		values, next, err := parseValues(line, body, i, base)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Values: values})
		i = next
	}
}

func parseValues(line, body string, i int, base int) ([]Value, int, error) {
	values := make([]Value, 0, 2)
	i = skipSpace(body, i)
	if i >= len(body) || body[i] == ';' {
		return values, i, nil
	}
	for {
		i = skipSpace(body, i)
		if i < len(body) && (body[i] == '"' || body[i] == '\'') {
			s, next, ok := readQuoted(body, i)
			if !ok {
				return nil, 0, &ParseError{Line: line, Pos: base + i, Msg: "unterminated quoted value"}
			}
			values = append(values, StringValue(s))
			i = skipSpace(body, next)
		} else {
			start := i
			for i < len(body) && body[i] != ',' && body[i] != ';' {
				if body[i] == '"' {
					return nil, 0, &ParseError{Line: line, Pos: base + i, Msg: "quote inside bare value"}
				}
				i++
			}
			values = append(values, classify(strings.TrimSpace(body[start:i])))
		}
		if i >= len(body) {
			return values, i, nil
		}
		switch body[i] {
		case ',':
			i++
		case ';':
			return values, i, nil
		default:
			return nil, 0, &ParseError{Line: line, Pos: base + i, Msg: "unexpected character after quoted value"}
		}
	}
}

func readQuoted(body string, i int) (string, int, bool) {
	quote := body[i]
	var b strings.Builder
	for j := i + 1; j < len(body); j++ {
		ch := body[j]
		if ch == '\\' {
			if j+1 >= len(body) {
				return "", 0, false
			}
			b.WriteByte(body[j+1])
			j++
			continue
		}
		if ch == quote {
			return b.String(), j + 1, true
		}
		b.WriteByte(ch)
	}
	return "", 0, false
}

func validKeywordName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case ' ', '\t', '"', '\'', ',':
			return false
		}
	}
	return true
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

func cutToken(raw string) (token string, tail string, ok bool) {
	trimmed := strings.TrimLeft(raw, " \t")
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, "", true
	}
	return trimmed[:idx], trimmed[idx:], true
}

func isASCIIInt(raw string) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}
	return true
}

func compact(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
