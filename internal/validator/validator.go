// Package validator checks collected artifacts against their stage's
// required sections. It checks structure and presence only; content is
// never interpreted.
package validator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/stage"
)

// Issue is one validation failure.
type Issue struct {
	// Section is empty for structural issues.
	Section string `json:"section,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string { return i.Message }

// Result is the outcome of validating one artifact.
type Result struct {
	Stage  string  `json:"stage"`
	Issues []Issue `json:"issues,omitempty"`
}

// Valid reports whether no issues were found.
func (r Result) Valid() bool { return len(r.Issues) == 0 }

// Messages returns issue messages in report order.
func (r Result) Messages() []string {
	out := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.Message
	}
	return out
}

// MissingSections returns the names of sections that failed, in report order.
func (r Result) MissingSections() []string {
	var out []string
	for _, is := range r.Issues {
		if is.Section != "" {
			out = append(out, is.Section)
		}
	}
	return out
}

// Err returns a *ValidationError when the result has issues.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Stage: r.Stage, Issues: r.Issues}
}

// ValidationError carries every issue found for a stage.
type ValidationError struct {
	Stage  string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return fmt.Sprintf("stage %s failed validation (%d issues): %s", e.Stage, len(e.Issues), strings.Join(msgs, "; "))
}

// Validate reports every missing or empty required section in one pass,
// in RequiredSections order. Sections not named by the definition are
// ignored.
func Validate(a *artifact.Artifact, def stage.Definition) Result {
	res := Result{Stage: def.Name}

	if a == nil {
		res.Issues = append(res.Issues, Issue{Message: "artifact is missing"})
		for _, name := range def.RequiredSections {
			res.Issues = append(res.Issues, missing(name))
		}
		return res
	}
	if a.Name != def.Name {
		res.Issues = append(res.Issues, Issue{
			Message: fmt.Sprintf("artifact name %q does not match stage %q", a.Name, def.Name),
		})
	}

	for _, name := range def.RequiredSections {
		block, ok := a.Section(name)
		switch {
		case !ok:
			res.Issues = append(res.Issues, missing(name))
		case IsEmpty(block):
			res.Issues = append(res.Issues, Issue{
				Section: name,
				Message: fmt.Sprintf("required section %q is empty", name),
			})
		}
	}
	return res
}

func missing(name string) Issue {
	return Issue{Section: name, Message: fmt.Sprintf("required section %q is missing", name)}
}

// IsEmpty reports whether a block carries no content. Whitespace-only
// text, header-only tables (including markdown tables in text) and
// mappings or lists without a non-blank entry are empty.
func IsEmpty(b artifact.Block) bool {
	switch b.Kind {
	case artifact.KindTable:
		for _, row := range b.Rows {
			if !blankRow(row) {
				return false
			}
		}
		return true
	case artifact.KindMapping:
		for _, e := range b.Entries {
			if strings.TrimSpace(e.Value) != "" {
				return false
			}
		}
		return true
	case artifact.KindList:
		for _, item := range b.Items {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	default:
		return textEmpty(b.Text)
	}
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// textEmpty treats markdown tables without data rows as empty. Any
// non-table line with content makes the text non-empty.
func textEmpty(text string) bool {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, "|") {
			return false
		}
		if isSeparatorRow(line) {
			continue
		}
		if i+1 < len(lines) && isSeparatorRow(lines[i+1]) {
			continue // header
		}
		if !blankRow(strings.Split(strings.Trim(line, "|"), "|")) {
			return false
		}
	}
	return true
}

func isSeparatorRow(line string) bool {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			return false
		}
		if strings.Trim(c, ":-") != "" || !strings.Contains(c, "-") {
			return false
		}
	}
	return true
}
