package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Path grammar:
//
//	path       = segment , { ("." , identifier) | ("[" , (integer | "*") , "]") } ;
//	segment    = identifier ;
//	identifier = letter , { letter | digit | "_" } ;
//
// A wildcard index ("[*]") is legal only as the final step and only for
// append-style pushes; the resolver enforces the op-side restriction.

// PathErrorCode classifies path resolution failures.
type PathErrorCode string

const (
	ErrInvalidSyntax        PathErrorCode = "InvalidSyntax"
	ErrMissingKey           PathErrorCode = "MissingKey"
	ErrMissingParent        PathErrorCode = "MissingParent"
	ErrIndexOutOfRange      PathErrorCode = "IndexOutOfRange"
	ErrInvalidWildcardUsage PathErrorCode = "InvalidWildcardUsage"
)

// PathError reports a failure to parse or resolve a path.
type PathError struct {
	Code PathErrorCode
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("path %q: %s", e.Path, e.Code)
	}
	return fmt.Sprintf("path %q: %s: %s", e.Path, e.Code, e.Msg)
}

func pathErr(code PathErrorCode, path, format string, args ...any) *PathError {
	return &PathError{Code: code, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Step is one element of a parsed path: an object key, an array index, or
// the terminal wildcard.
type Step struct {
	Key      string
	Index    int
	IsIndex  bool
	Wildcard bool
}

// Path is a parsed address into a state tree.
type Path []Step

// HasWildcard reports whether the final step is the append wildcard.
// ParsePath already rejects wildcards in any other position.
func (p Path) HasWildcard() bool {
	return len(p) > 0 && p[len(p)-1].Wildcard
}

// String renders the path back in source form.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		switch {
		case s.Wildcard:
			b.WriteString("[*]")
		case s.IsIndex:
			fmt.Fprintf(&b, "[%d]", s.Index)
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(s.Key)
		}
	}
	return b.String()
}

// ParsePath parses src according to the path grammar.
func ParsePath(src string) (Path, error) {
	if src == "" {
		return nil, pathErr(ErrInvalidSyntax, src, "empty path")
	}
	var p Path
	i := 0
	key, n, err := scanIdent(src, i)
	if err != nil {
		return nil, err
	}
	p = append(p, Step{Key: key})
	i = n
	for i < len(src) {
		switch src[i] {
		case '.':
			i++
			key, n, err := scanIdent(src, i)
			if err != nil {
				return nil, err
			}
			p = append(p, Step{Key: key})
			i = n
		case '[':
			i++
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return nil, pathErr(ErrInvalidSyntax, src, "unterminated index at offset %d", i-1)
			}
			tok := src[i : i+end]
			i += end + 1
			if tok == "*" {
				p = append(p, Step{IsIndex: true, Wildcard: true})
				if i != len(src) {
					return nil, pathErr(ErrInvalidWildcardUsage, src, "wildcard must be the final step")
				}
				continue
			}
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 {
				return nil, pathErr(ErrInvalidSyntax, src, "bad index %q", tok)
			}
			p = append(p, Step{IsIndex: true, Index: idx})
		default:
			return nil, pathErr(ErrInvalidSyntax, src, "unexpected character %q at offset %d", src[i], i)
		}
	}
	return p, nil
}

func scanIdent(src string, i int) (string, int, error) {
	start := i
	for i < len(src) {
		c := src[i]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && c != '_' && !(isDigit && i > start) {
			break
		}
		i++
	}
	if i == start {
		return "", 0, pathErr(ErrInvalidSyntax, src, "expected identifier at offset %d", start)
	}
	return src[start:i], i, nil
}
