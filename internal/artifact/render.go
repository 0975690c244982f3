package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Metadata is the frontmatter header of a rendered artifact.
type Metadata struct {
	Name       string    `yaml:"name"`
	State      State     `yaml:"state"`
	Source     string    `yaml:"source,omitempty"`
	ProducedAt time.Time `yaml:"produced_at,omitempty"`
	Checksum   string    `yaml:"checksum"`
	Errors     []string  `yaml:"errors,omitempty"`
}

// Body renders the artifact sections as markdown without frontmatter.
func Body(a *Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", a.Name)
	for _, s := range a.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Name)
		writeBlock(&b, s.Block)
	}
	return b.String()
}

// Checksum is the sha256 of the rendered body.
func Checksum(a *Artifact) string {
	sum := sha256.Sum256([]byte(Body(a)))
	return hex.EncodeToString(sum[:])
}

// Render produces markdown with a YAML frontmatter header.
func Render(a *Artifact) ([]byte, error) {
	if a == nil || a.Name == "" {
		return nil, fmt.Errorf("artifact: cannot render unnamed artifact")
	}
	body := Body(a)
	sum := sha256.Sum256([]byte(body))
	meta := Metadata{
		Name:     a.Name,
		State:    a.State,
		Source:   a.SourceAdapter,
		Checksum: hex.EncodeToString(sum[:]),
		Errors:   a.Errors,
	}
	if !a.ProducedAt.IsZero() {
		meta.ProducedAt = a.ProducedAt.UTC()
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// ParseFrontMatter splits a rendered artifact into metadata and body.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var meta Metadata
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	if meta.Name == "" {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	return meta, bytes.TrimPrefix(parts[1], []byte("\n")), nil
}

func writeBlock(b *strings.Builder, blk Block) {
	switch blk.Kind {
	case KindTable:
		writeRow(b, blk.Header)
		seps := make([]string, len(blk.Header))
		for i := range seps {
			seps[i] = "---"
		}
		writeRow(b, seps)
		for _, row := range blk.Rows {
			writeRow(b, row)
		}
	case KindMapping:
		for _, e := range blk.Entries {
			fmt.Fprintf(b, "- **%s**: %s\n", e.Key, e.Value)
		}
	case KindList:
		for _, item := range blk.Items {
			fmt.Fprintf(b, "- %s\n", item)
		}
	default:
		b.WriteString(strings.TrimRight(blk.Text, "\n"))
		b.WriteString("\n")
	}
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		b.WriteString(" ")
		b.WriteString(strings.ReplaceAll(c, "|", `\|`))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}
