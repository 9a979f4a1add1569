package reply

import (
	"math"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

// Value is one typed scalar of a keyword value list.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Any returns the value as a plain Go scalar.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// Number returns the numeric value of int and float kinds.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// String renders the value for display, without quoting.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return formatFloat(v.Float)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	default:
		return v.Str == o.Str
	}
}

func EqualValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// classify types a bare (unquoted) token. Tokens that look numeric but do
// not parse stay strings.
func classify(tok string) Value {
	if tok == "" {
		return StringValue("")
	}
	switch strings.ToLower(tok) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if !looksNumeric(tok) {
		return StringValue(tok)
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntValue(n)
	}
	if hasHexPrefix(tok) {
		if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
			return IntValue(n)
		}
		return StringValue(tok)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return FloatValue(f)
	}
	return StringValue(tok)
}

func looksNumeric(tok string) bool {
	i := 0
	if tok[0] == '+' || tok[0] == '-' {
		i++
	}
	if i < len(tok) && tok[i] == '.' {
		i++
	}
	return i < len(tok) && tok[i] >= '0' && tok[i] <= '9'
}

func hasHexPrefix(tok string) bool {
	t := strings.TrimLeft(tok, "+-")
	return len(t) > 2 && t[0] == '0' && (t[1] == 'x' || t[1] == 'X')
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) || strings.ContainsAny(s, ".eE") {
		return s
	}
	return s + ".0"
}

// FormatValue renders a value in wire form so that parsing it yields the same
// value and kind.
func FormatValue(v Value) string {
	switch v.Kind {
	case KindInt, KindFloat, KindBool:
		return v.String()
	}
	if needsQuote(v.Str) {
		return quote(v.Str)
	}
	return v.Str
}

func FormatValues(values []Value) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, ",")
}

// FormatEntry renders "name=v1,v2", or just "name" for a valueless keyword.
func FormatEntry(e Entry) string {
	if len(e.Values) == 0 {
		return e.Name
	}
	return e.Name + "=" + FormatValues(e.Values)
}

func FormatEntries(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, FormatEntry(e))
	}
	return strings.Join(parts, "; ")
}

// FormatCommand renders an outbound command line.
func FormatCommand(id int, text string) string {
	return strconv.Itoa(id) + " " + strings.TrimSpace(text) + "\n"
}

func needsQuote(s string) bool {
	if s == "" || s != strings.TrimSpace(s) {
		return true
	}
	if strings.ContainsAny(s, ",;\"'\\= \t") {
		return true
	}
	return classify(s).Kind != KindString
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
