// Package artifact defines the normalized requirement document produced by
// each pipeline stage, the per-stage state machine, and an in-memory store
// that publishes artifacts atomically.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a stage's artifact.
type State string

const (
	StatePending    State = "pending"
	StateCollecting State = "collecting"
	StateCollected  State = "collected"
	StateValid      State = "valid"
	StateInvalid    State = "invalid"
	StateFailed     State = "failed"
	// StateBlocked marks a stage that cannot run because an upstream stage
	// ended invalid, failed or blocked.
	StateBlocked State = "blocked"
)

var (
	// ErrIllegalTransition is returned when a state change is not permitted.
	ErrIllegalTransition = errors.New("artifact: illegal state transition")
	// ErrNotFound is returned by the store for unknown stage names.
	ErrNotFound = errors.New("artifact: not found")
)

// Every state may be reset to pending for re-collection.
var transitions = map[State][]State{
	StatePending:    {StateCollecting, StateBlocked},
	StateCollecting: {StateCollected, StateFailed, StatePending},
	StateCollected:  {StateValid, StateInvalid},
	StateValid:      {StatePending},
	StateInvalid:    {StatePending},
	StateFailed:     {StatePending},
	StateBlocked:    {StatePending},
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition will happen.
func (s State) Terminal() bool {
	switch s {
	case StateValid, StateInvalid, StateFailed, StateBlocked:
		return true
	default:
		return false
	}
}

// Valid reports whether the state is one of the known states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// BlockKind identifies the shape of a section's content.
type BlockKind string

const (
	KindText    BlockKind = "text"
	KindTable   BlockKind = "table"
	KindMapping BlockKind = "mapping"
	KindList    BlockKind = "list"
)

// Entry is one key/value pair of a mapping block.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Block is a typed content block. Only the fields matching Kind are used.
type Block struct {
	Kind    BlockKind  `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Header  []string   `json:"header,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Entries []Entry    `json:"entries,omitempty"`
	Items   []string   `json:"items,omitempty"`
}

// Text builds a free-text block.
func Text(s string) Block {
	return Block{Kind: KindText, Text: s}
}

// Table builds a table block.
func Table(header []string, rows [][]string) Block {
	return Block{Kind: KindTable, Header: header, Rows: rows}
}

// Mapping builds an ordered key/value block.
func Mapping(entries ...Entry) Block {
	return Block{Kind: KindMapping, Entries: entries}
}

// List builds an ordered list block.
func List(items ...string) Block {
	return Block{Kind: KindList, Items: items}
}

func (b Block) clone() Block {
	out := Block{Kind: b.Kind, Text: b.Text}
	if b.Header != nil {
		out.Header = append([]string(nil), b.Header...)
	}
	if b.Rows != nil {
		out.Rows = make([][]string, len(b.Rows))
		for i, row := range b.Rows {
			out.Rows[i] = append([]string(nil), row...)
		}
	}
	if b.Entries != nil {
		out.Entries = append([]Entry(nil), b.Entries...)
	}
	if b.Items != nil {
		out.Items = append([]string(nil), b.Items...)
	}
	return out
}

// Section is a named content block.
type Section struct {
	Name  string `json:"name"`
	Block Block  `json:"block"`
}

// Artifact is the output of one stage.
type Artifact struct {
	Name          string    `json:"name"`
	Sections      []Section `json:"sections,omitempty"`
	State         State     `json:"state"`
	ProducedAt    time.Time `json:"produced_at,omitempty"`
	SourceAdapter string    `json:"source_adapter,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
}

// New returns a pending artifact for a stage.
func New(name string) *Artifact {
	return &Artifact{Name: name, State: StatePending}
}

// AddSection appends a section, replacing any existing one with the same name.
func (a *Artifact) AddSection(name string, b Block) {
	for i := range a.Sections {
		if a.Sections[i].Name == name {
			a.Sections[i].Block = b
			return
		}
	}
	a.Sections = append(a.Sections, Section{Name: name, Block: b})
}

// Section returns the named section's block.
func (a *Artifact) Section(name string) (Block, bool) {
	for _, s := range a.Sections {
		if s.Name == name {
			return s.Block, true
		}
	}
	return Block{}, false
}

// SectionNames returns section names in order.
func (a *Artifact) SectionNames() []string {
	names := make([]string, len(a.Sections))
	for i, s := range a.Sections {
		names[i] = s.Name
	}
	return names
}

// TransitionTo moves the artifact to a new state if allowed. Moving to
// pending or collecting clears prior errors.
func (a *Artifact) TransitionTo(to State) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, a.Name, a.State, to)
	}
	a.State = to
	if to == StatePending || to == StateCollecting {
		a.Errors = nil
	}
	return nil
}

// Reset returns the artifact to pending and drops its content.
func (a *Artifact) Reset() {
	a.State = StatePending
	a.Sections = nil
	a.Errors = nil
	a.Attempts = 0
	a.ProducedAt = time.Time{}
	a.SourceAdapter = ""
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	if a.Sections != nil {
		out.Sections = make([]Section, len(a.Sections))
		for i, s := range a.Sections {
			out.Sections[i] = Section{Name: s.Name, Block: s.Block.clone()}
		}
	}
	if a.Errors != nil {
		out.Errors = append([]string(nil), a.Errors...)
	}
	return &out
}
