package db

import (
	"strings"
	"unicode"
)

// splitSQLStatements splits a migration file on top-level semicolons,
// skipping comments and keeping quoted and dollar-quoted text intact.
func splitSQLStatements(content string) []string {
	s := &sqlSplitter{content: content}

	for s.pos < len(s.content) {
		s.step()
	}

	s.flush()

	return s.statements
}

type sqlSplitter struct {
	content    string
	pos        int
	current    strings.Builder
	statements []string

	inSingleQuote  bool
	inDoubleQuote  bool
	inLineComment  bool
	inBlockComment bool
	dollarTag      string
}

func (s *sqlSplitter) peek(prefix string) bool {
	return strings.HasPrefix(s.content[s.pos:], prefix)
}

func (s *sqlSplitter) quoted() bool {
	return s.inSingleQuote || s.inDoubleQuote
}

func (s *sqlSplitter) step() {
	ch := s.content[s.pos]

	switch {
	case s.inLineComment:
		if ch == '\n' {
			s.inLineComment = false
			s.current.WriteByte(ch)
		}

		s.pos++
	case s.inBlockComment:
		if s.peek("*/") {
			s.inBlockComment = false
			s.pos += 2
		} else {
			s.pos++
		}
	case s.dollarTag != "":
		if s.peek(s.dollarTag) {
			s.current.WriteString(s.dollarTag)
			s.pos += len(s.dollarTag)
			s.dollarTag = ""
		} else {
			s.current.WriteByte(ch)
			s.pos++
		}
	case !s.quoted() && s.peek("--"):
		s.inLineComment = true
		s.pos += 2
	case !s.quoted() && s.peek("/*"):
		s.inBlockComment = true
		s.pos += 2
	case !s.quoted() && ch == '$' && parseDollarTag(s.content[s.pos:]) != "":
		s.dollarTag = parseDollarTag(s.content[s.pos:])
		s.current.WriteString(s.dollarTag)
		s.pos += len(s.dollarTag)
	case ch == '\'' && !s.inDoubleQuote:
		s.inSingleQuote = !s.inSingleQuote
		s.current.WriteByte(ch)
		s.pos++
	case ch == '"' && !s.inSingleQuote:
		s.inDoubleQuote = !s.inDoubleQuote
		s.current.WriteByte(ch)
		s.pos++
	case ch == ';' && !s.quoted():
		s.flush()
		s.pos++
	default:
		s.current.WriteByte(ch)
		s.pos++
	}
}

func (s *sqlSplitter) flush() {
	if stmt := strings.TrimSpace(s.current.String()); stmt != "" {
		s.statements = append(s.statements, stmt)
	}

	s.current.Reset()
}

// parseDollarTag returns the $tag$ opening content, or "".
func parseDollarTag(content string) string {
	if content == "" || content[0] != '$' {
		return ""
	}

	for i := 1; i < len(content); i++ {
		if content[i] == '$' {
			return content[:i+1]
		}

		if !isDollarTagChar(content[i]) {
			return ""
		}
	}

	return ""
}

func isDollarTagChar(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch))
}

// migrationVersion is the numeric prefix of a migration file name.
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")

	return version
}
