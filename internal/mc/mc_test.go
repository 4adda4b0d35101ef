package mc

import (
	"reflect"
	"testing"
)

func TestScan(t *testing.T) {
	stmts := Scan("mov rax, rbx\nstart: nop; jmp start\n# just a comment\nret // trailing", true)
	if len(stmts) != 4 {
		t.Fatalf("got %d statements: %+v", len(stmts), stmts)
	}

	if stmts[0].Text != "mov rax, rbx" || stmts[0].Line != 1 || stmts[0].Col != 1 {
		t.Errorf("stmt 0 = %+v", stmts[0])
	}

	if stmts[1].Text != "nop" || len(stmts[1].Labels) != 1 {
		t.Fatalf("stmt 1 = %+v", stmts[1])
	}
	if def := stmts[1].Labels[0]; def.Name != "start" || def.Line != 2 || def.Col != 1 {
		t.Errorf("label def = %+v", def)
	}
	if stmts[1].Col != 8 {
		t.Errorf("stmt 1 col = %d, want 8", stmts[1].Col)
	}

	if stmts[2].Text != "jmp start" || stmts[2].Line != 2 {
		t.Errorf("stmt 2 = %+v", stmts[2])
	}

	if stmts[3].Text != "ret" || stmts[3].Line != 4 {
		t.Errorf("stmt 3 = %+v", stmts[3])
	}
}

func TestScanTrailingLabel(t *testing.T) {
	stmts := Scan("nop\nend:", true)
	if len(stmts) != 2 {
		t.Fatalf("got %d statements", len(stmts))
	}
	last := stmts[1]
	if last.Text != "" {
		t.Errorf("trailing label statement has text %q", last.Text)
	}
	if len(last.Labels) != 1 || last.Labels[0].Name != "end" {
		t.Errorf("labels = %+v", last.Labels)
	}
}

func TestScanMultipleLabels(t *testing.T) {
	stmts := Scan("a: b: nop", true)
	if len(stmts) != 1 {
		t.Fatalf("got %d statements", len(stmts))
	}
	if len(stmts[0].Labels) != 2 || stmts[0].Labels[0].Name != "a" || stmts[0].Labels[1].Name != "b" {
		t.Errorf("labels = %+v", stmts[0].Labels)
	}
	if stmts[0].Text != "nop" {
		t.Errorf("text = %q", stmts[0].Text)
	}
}

func TestScanHashImmediates(t *testing.T) {
	// With hash comments disabled, '#' is operand text and survives the
	// scan; "//" still starts a comment.
	stmts := Scan("mov x0, #255\nadd sp, sp, #16 // restore", false)
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %+v", len(stmts), stmts)
	}
	if stmts[0].Text != "mov x0, #255" {
		t.Errorf("stmt 0 text = %q", stmts[0].Text)
	}
	if stmts[1].Text != "add sp, sp, #16" {
		t.Errorf("stmt 1 text = %q", stmts[1].Text)
	}
}

func TestScanEmpty(t *testing.T) {
	for _, input := range []string{"", "\n\n", "# comment only", "  ; ;  "} {
		if stmts := Scan(input, true); len(stmts) != 0 {
			t.Errorf("Scan(%q) = %+v, want none", input, stmts)
		}
	}
}

func TestIsLabelName(t *testing.T) {
	valid := []string{"label", ".Ltmp0", "_start", "$x", "a1", "loop.outer"}
	invalid := []string{"", "1abc", "a b", "a,b", "a:b"}
	for _, s := range valid {
		if !IsLabelName(s) {
			t.Errorf("IsLabelName(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if IsLabelName(s) {
			t.Errorf("IsLabelName(%q) = true", s)
		}
	}
}

func TestFormatStyles(t *testing.T) {
	tests := []struct {
		style ImmediateStyle
		v     int64
		want  string
	}{
		{Decimal, 255, "255"},
		{Decimal, -16, "-16"},
		{HexPrefix, 255, "0xff"},
		{HexPrefix, -16, "-0x10"},
		{HexSuffix, 255, "0ffh"},
		{HexSuffix, 16, "10h"},
		{HexSuffix, 9, "9h"},
		{HexSuffix, 10, "0ah"},
	}
	for _, tt := range tests {
		if got := tt.style.FormatImm(tt.v); got != tt.want {
			t.Errorf("%v.FormatImm(%d) = %q, want %q", tt.style, tt.v, got, tt.want)
		}
	}
}

func TestParseImm(t *testing.T) {
	tests := []struct {
		tok  string
		want int64
	}{
		{"16", 16},
		{"-1", -1},
		{"0x10", 16},
		{"0b101", 5},
		{"0ah", 10},
		{"10h", 16},
		{"0ffh", 255},
	}
	for _, tt := range tests {
		got, err := ParseImm(tt.tok)
		if err != nil {
			t.Errorf("ParseImm(%q): %v", tt.tok, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseImm(%q) = %d, want %d", tt.tok, got, tt.want)
		}
	}

	for _, tok := range []string{"", "-", "xyz", "0x", "12q"} {
		if _, err := ParseImm(tok); err == nil {
			t.Errorf("ParseImm(%q) succeeded, want error", tok)
		}
	}
}

func TestParseFeatures(t *testing.T) {
	feats, err := ParseFeatures("+m,-c,+sve2")
	if err != nil {
		t.Fatal(err)
	}
	want := []Feature{{"m", true}, {"c", false}, {"sve2", true}}
	if !reflect.DeepEqual(feats, want) {
		t.Errorf("ParseFeatures = %+v, want %+v", feats, want)
	}

	if feats, err := ParseFeatures(""); err != nil || feats != nil {
		t.Errorf("ParseFeatures(\"\") = %v, %v", feats, err)
	}

	for _, s := range []string{"m", "+m,", "+", ",+m"} {
		if _, err := ParseFeatures(s); err == nil {
			t.Errorf("ParseFeatures(%q) succeeded, want error", s)
		}
	}
}
