package mc

import "strings"

// Scan splits assembly source into statements. Statements are separated by
// newlines and by ';'. "//" starts a comment running to the end of the
// line; '#' does too when hashComments is set. Architectures that spell
// immediates with a '#' sigil (AArch64) must scan with hashComments false.
// A leading "name:" defines a label bound to the address of the next
// instruction; a statement may consist only of label definitions, in which
// case it is returned with empty Text so trailing labels still bind to the
// end of the preceding code.
func Scan(input string, hashComments bool) []Statement {
	var stmts []Statement

	for lineNo, line := range strings.Split(input, "\n") {
		code := stripComment(line, hashComments)

		col := 0
		for col < len(code) {
			end := strings.IndexByte(code[col:], ';')
			var piece string
			if end < 0 {
				piece = code[col:]
				end = len(code)
			} else {
				piece = code[col : col+end]
				end = col + end
			}

			stmt := scanPiece(piece, lineNo+1, col+1, line)
			if stmt.Text != "" || len(stmt.Labels) > 0 {
				stmts = append(stmts, stmt)
			}
			col = end + 1
		}
	}

	return stmts
}

// scanPiece extracts leading label definitions and the instruction text
// from one statement. baseCol is the 1-based column of the piece within
// its source line.
func scanPiece(piece string, line, baseCol int, source string) Statement {
	stmt := Statement{Line: line, Source: source}

	rest := piece
	off := 0
	for {
		trimmed := strings.TrimLeft(rest, " \t")
		off += len(rest) - len(trimmed)
		rest = trimmed

		name, n := scanLabelName(rest)
		if n == 0 || n >= len(rest) || rest[n] != ':' {
			break
		}
		stmt.Labels = append(stmt.Labels, LabelDef{
			Name: name,
			Line: line,
			Col:  baseCol + off,
		})
		off += n + 1
		rest = rest[n+1:]
	}

	text := strings.TrimRight(rest, " \t")
	stmt.Text = text
	stmt.Col = baseCol + off
	return stmt
}

// scanLabelName reads a label identifier from the start of s and returns
// the name and its byte length. Names match [A-Za-z_.$][A-Za-z0-9_.$]*.
func scanLabelName(s string) (string, int) {
	n := 0
	for n < len(s) && isLabelByte(s[n], n == 0) {
		n++
	}
	return s[:n], n
}

func isLabelByte(b byte, first bool) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '_', b == '.', b == '$':
		return true
	case b >= '0' && b <= '9':
		return !first
	default:
		return false
	}
}

// IsLabelName reports whether s is a well-formed label identifier.
func IsLabelName(s string) bool {
	name, n := scanLabelName(s)
	return n == len(s) && name != ""
}

func stripComment(line string, hashComments bool) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && hashComments {
			return line[:i]
		}
		if line[i] == '/' && i+1 < len(line) && line[i+1] == '/' {
			return line[:i]
		}
	}
	return line
}
