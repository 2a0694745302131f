package workload

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMissingVariable is returned when a template references a variable
// that is not set.
var ErrMissingVariable = errors.New("missing variable")

// MissingVariableError names the variable that was not set.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingVariable, e.Name)
}

func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingVariable
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Generators available in templates.
const (
	genRandInt   = "randInt"
	genPick      = "pick"
	genTimestamp = "timestamp"
	genUUID      = "uuid"
)

type segment struct {
	literal string
	fn      string
	args    []string

	// randInt bounds, parsed at compile time
	min, max int
}

// Template is a compiled string with {{...}} placeholders:
//
//	{{name}}              variable lookup
//	{{randInt MIN MAX}}   random integer in [MIN, MAX]
//	{{pick A B ...}}      one of the choices, uniformly; "quoted" choices
//	                      may hold spaces or be empty
//	{{timestamp}}         unix time in milliseconds
//	{{uuid}}              random UUID
type Template struct {
	src      string
	segments []segment
}

// Scope resolves variables and supplies randomness while rendering.
type Scope struct {
	Lookup func(name string) (string, bool)
	Rand   *rand.Rand
	Now    func() time.Time
}

// CompileTemplate parses src.
func CompileTemplate(src string) (*Template, error) {
	t := &Template{src: src}

	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(src, -1) {
		if loc[0] > last {
			t.segments = append(t.segments, segment{literal: src[last:loc[0]]})
		}
		seg, err := parsePlaceholder(src[loc[2]:loc[3]])
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", src, err)
		}
		t.segments = append(t.segments, seg)
		last = loc[1]
	}
	if last < len(src) {
		t.segments = append(t.segments, segment{literal: src[last:]})
	}
	return t, nil
}

func parsePlaceholder(expr string) (segment, error) {
	fields, err := splitArgs(expr)
	if err != nil {
		return segment{}, err
	}
	if len(fields) == 0 {
		return segment{}, fmt.Errorf("empty placeholder")
	}
	if strings.HasPrefix(strings.TrimSpace(expr), `"`) {
		return segment{}, fmt.Errorf("placeholder name must not be quoted")
	}

	name, args := fields[0], fields[1:]
	switch name {
	case genRandInt:
		if len(args) != 2 {
			return segment{}, fmt.Errorf("randInt takes MIN and MAX")
		}
		lo, err1 := strconv.Atoi(args[0])
		hi, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return segment{}, fmt.Errorf("randInt bounds must be integers")
		}
		if lo > hi {
			return segment{}, fmt.Errorf("randInt MIN %d is greater than MAX %d", lo, hi)
		}
		return segment{fn: name, min: lo, max: hi}, nil
	case genPick:
		if len(args) == 0 {
			return segment{}, fmt.Errorf("pick needs at least one choice")
		}
		return segment{fn: name, args: args}, nil
	case genTimestamp, genUUID:
		if len(args) != 0 {
			return segment{}, fmt.Errorf("%s takes no arguments", name)
		}
		return segment{fn: name}, nil
	}

	if len(args) != 0 {
		return segment{}, fmt.Errorf("unknown generator %q", name)
	}
	return segment{fn: "", args: []string{name}}, nil
}

// splitArgs splits a placeholder on whitespace. A double-quoted field is
// unquoted with Go string syntax and may be empty.
func splitArgs(expr string) ([]string, error) {
	var fields []string
	for i := 0; i < len(expr); {
		switch c := expr[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"':
			end := i + 1
			for end < len(expr) && expr[end] != '"' {
				if expr[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(expr) {
				return nil, fmt.Errorf("unterminated quote in %q", expr)
			}
			v, err := strconv.Unquote(expr[i : end+1])
			if err != nil {
				return nil, fmt.Errorf("invalid quoted value %s: %w", expr[i:end+1], err)
			}
			fields = append(fields, v)
			i = end + 1
		default:
			end := i
			for end < len(expr) && !strings.ContainsRune(" \t\n\r", rune(expr[end])) {
				end++
			}
			fields = append(fields, expr[i:end])
			i = end
		}
	}
	return fields, nil
}

// String returns the template source.
func (t *Template) String() string {
	return t.src
}

// Vars returns the variable names the template references.
func (t *Template) Vars() []string {
	var names []string
	for _, seg := range t.segments {
		if seg.fn == "" && len(seg.args) == 1 {
			names = append(names, seg.args[0])
		}
	}
	return names
}

// Render expands the template. It fails with a MissingVariableError when
// a referenced variable is not set.
func (t *Template) Render(s Scope) (string, error) {
	if len(t.segments) == 1 && t.segments[0].args == nil && t.segments[0].fn == "" {
		return t.segments[0].literal, nil
	}

	var sb strings.Builder
	sb.Grow(len(t.src))
	for _, seg := range t.segments {
		switch seg.fn {
		case "":
			if seg.args == nil {
				sb.WriteString(seg.literal)
				continue
			}
			v, ok := s.lookup(seg.args[0])
			if !ok {
				return "", &MissingVariableError{Name: seg.args[0]}
			}
			sb.WriteString(v)
		case genRandInt:
			sb.WriteString(strconv.Itoa(seg.min + s.rand().IntN(seg.max-seg.min+1)))
		case genPick:
			sb.WriteString(seg.args[s.rand().IntN(len(seg.args))])
		case genTimestamp:
			sb.WriteString(strconv.FormatInt(s.now().UnixMilli(), 10))
		case genUUID:
			sb.WriteString(uuid.NewString())
		}
	}
	return sb.String(), nil
}

func (s Scope) lookup(name string) (string, bool) {
	if s.Lookup == nil {
		return "", false
	}
	return s.Lookup(name)
}

func (s Scope) rand() *rand.Rand {
	if s.Rand == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s.Rand
}

func (s Scope) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
