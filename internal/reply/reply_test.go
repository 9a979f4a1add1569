package reply

import (
	"errors"
	"testing"
)

func TestParseDoneReplyWithTypedKeywords(t *testing.T) {
	r, err := Parse("cmd 5 : temp=21.5; status=OK")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Sender != "cmd" || r.CommandID != 5 || r.Code != CodeDone {
		t.Fatalf("unexpected header: %+v", r)
	}
	if len(r.Entries) != 2 {
		t.Fatalf("expected 2 keywords, got %d", len(r.Entries))
	}
	temp, ok := r.Keyword("temp")
	if !ok || !EqualValues(temp.Values, []Value{FloatValue(21.5)}) {
		t.Fatalf("unexpected temp: %+v", temp)
	}
	status, ok := r.Keyword("status")
	if !ok || !EqualValues(status.Values, []Value{StringValue("OK")}) {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !r.Code.Terminal() || r.Code.Failure() {
		t.Fatalf("expected successful terminal code")
	}
}

func TestParseAcceptsEmptyKeywordList(t *testing.T) {
	r, err := Parse("tcc 12 >\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Code != CodeRunning || len(r.Entries) != 0 {
		t.Fatalf("unexpected reply: %+v", r)
	}
	if r.Code.Terminal() {
		t.Fatalf("running code must not be terminal")
	}
}

func TestParseQuotedValuesKeepDelimiters(t *testing.T) {
	r, err := Parse(`boss 0 i text="a, b; c", 'it\'s'; axes=1,-2,0x1F; flag; on=true`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	text, _ := r.Keyword("text")
	want := []Value{StringValue("a, b; c"), StringValue("it's")}
	if !EqualValues(text.Values, want) {
		t.Fatalf("unexpected text values: %+v", text.Values)
	}
	axes, _ := r.Keyword("axes")
	if !EqualValues(axes.Values, []Value{IntValue(1), IntValue(-2), IntValue(31)}) {
		t.Fatalf("unexpected axes values: %+v", axes.Values)
	}
	flag, ok := r.Keyword("flag")
	if !ok || len(flag.Values) != 0 {
		t.Fatalf("expected valueless flag keyword, got %+v", flag)
	}
	on, _ := r.Keyword("on")
	if !EqualValues(on.Values, []Value{BoolValue(true)}) {
		t.Fatalf("unexpected bool: %+v", on.Values)
	}
}

func TestParseNumericLookingGarbageFallsBackToString(t *testing.T) {
	r, err := Parse("mcp 3 w version=1.2.3; big=1e999; neg=-")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for name, want := range map[string]string{"version": "1.2.3", "big": "1e999", "neg": "-"} {
		e, ok := r.Keyword(name)
		if !ok || len(e.Values) != 1 || e.Values[0].Kind != KindString || e.Values[0].Str != want {
			t.Fatalf("keyword %s: unexpected %+v", name, e)
		}
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	cases := []string{
		"",
		"cmd",
		"cmd 5",
		"cmd x :",
		"cmd -1 :",
		"cmd 5 ok",
		"cmd 5 ? a=1",
		`cmd 5 : text="unterminated`,
		`cmd 5 : text="a"b`,
		`cmd 5 : text=ab"c`,
		"cmd 5 : =1",
	}
	for _, line := range cases {
		_, err := Parse(line)
		if err == nil {
			t.Fatalf("expected parse error for %q", line)
		}
		if !errors.Is(err, ErrParse) {
			t.Fatalf("expected ErrParse for %q, got %v", line, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *ParseError for %q", line)
		}
	}
}

func TestParseCodeAliases(t *testing.T) {
	for raw, want := range map[string]Code{"F": CodeFailed, "E": CodeError, "!": CodeError, ">": CodeRunning, "d": CodeDebug} {
		got, ok := ParseCode(raw)
		if !ok || got != want {
			t.Fatalf("code %q: got %v ok=%v", raw, got, ok)
		}
	}
	if _, ok := ParseCode("::"); ok {
		t.Fatalf("multi-character code must be rejected")
	}
}

func TestFormatEntriesReparsesToSameValues(t *testing.T) {
	lines := []string{
		"cmd 5 : temp=21.5; status=OK",
		`boss 0 i text="a, b; c", 'x y', ""; n=007,-3; f=2.0,1e-7; t=TRUE; empty`,
		`hub 9 w msg="quote \" and \\ slash"; word="123"; path=/tmp/x`,
	}
	for _, line := range lines {
		first, err := Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		again, err := ParseKeywords(FormatEntries(first.Entries))
		if err != nil {
			t.Fatalf("reparse %q: %v", FormatEntries(first.Entries), err)
		}
		if len(again) != len(first.Entries) {
			t.Fatalf("entry count drift for %q: %d vs %d", line, len(again), len(first.Entries))
		}
		for i := range again {
			if again[i].Name != first.Entries[i].Name || !EqualValues(again[i].Values, first.Entries[i].Values) {
				t.Fatalf("round trip drift for %q: %+v vs %+v", line, again[i], first.Entries[i])
			}
		}
	}
}

func TestFormatCommand(t *testing.T) {
	if got := FormatCommand(7, "  tcc status "); got != "7 tcc status\n" {
		t.Fatalf("unexpected command line: %q", got)
	}
}
