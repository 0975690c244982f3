package gate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/charter/internal/artifact"
)

// Bundle is the immutable handoff package. Accessors return copies.
type Bundle struct {
	id        string
	runID     string
	manifest  []ManifestEntry
	artifacts []*artifact.Artifact
	content   string
}

func newBundle(runID string, manifest []ManifestEntry, valid []*artifact.Artifact) *Bundle {
	bodies := make([]string, len(valid))
	for i, a := range valid {
		bodies[i] = artifact.Body(a)
	}
	content := strings.Join(bodies, "\n")

	h := sha256.New()
	for _, m := range manifest {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", m.Stage, m.Reference, m.State)
	}
	h.Write([]byte(content))

	return &Bundle{
		id:        hex.EncodeToString(h.Sum(nil)),
		runID:     runID,
		manifest:  append([]ManifestEntry(nil), manifest...),
		artifacts: valid,
		content:   content,
	}
}

// ID is a digest of the manifest and content. Evaluating an unchanged run
// yields the same ID.
func (b *Bundle) ID() string { return b.id }

// RunID returns the run the bundle was assembled from.
func (b *Bundle) RunID() string { return b.runID }

// Manifest returns one entry per required stage.
func (b *Bundle) Manifest() []ManifestEntry {
	return append([]ManifestEntry(nil), b.manifest...)
}

// References returns artifact references in required order.
func (b *Bundle) References() []string {
	out := make([]string, 0, len(b.manifest))
	for _, m := range b.manifest {
		if m.Present {
			out = append(out, m.Reference)
		}
	}
	return out
}

// Artifacts returns copies of the bundled artifacts.
func (b *Bundle) Artifacts() []*artifact.Artifact {
	out := make([]*artifact.Artifact, len(b.artifacts))
	for i, a := range b.artifacts {
		out[i] = a.Clone()
	}
	return out
}

// Content is the concatenated markdown of every bundled artifact.
func (b *Bundle) Content() string { return b.content }

type bundleHeader struct {
	Bundle   string          `yaml:"bundle"`
	RunID    string          `yaml:"run_id"`
	Manifest []ManifestEntry `yaml:"manifest"`
}

// Document renders the bundle as markdown with the manifest as YAML
// frontmatter.
func (b *Bundle) Document() ([]byte, error) {
	head, err := yaml.Marshal(bundleHeader{Bundle: b.id, RunID: b.runID, Manifest: b.manifest})
	if err != nil {
		return nil, fmt.Errorf("encode bundle manifest: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(head, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(b.content)
	return buf.Bytes(), nil
}
