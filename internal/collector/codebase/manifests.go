package codebase

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

type dependency struct {
	manifest string
	name     string
	version  string
}

type manifestParser func(data []byte) ([]dependency, error)

// Root-level manifests, in report order.
var manifests = []struct {
	file  string
	parse manifestParser
}{
	{"go.mod", parseGoMod},
	{"requirements.txt", parseRequirements},
	{"package.json", parsePackageJSON},
	{"pyproject.toml", parsePyproject},
	{"Cargo.toml", parseCargo},
}

// readManifests returns dependencies from every manifest at root. A
// malformed manifest is an error; a missing one is skipped.
func readManifests(root string) ([]dependency, error) {
	var out []dependency
	for _, m := range manifests {
		data, err := os.ReadFile(filepath.Join(root, m.file))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", m.file, err)
		}
		deps, err := m.parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", m.file, err)
		}
		for i := range deps {
			deps[i].manifest = m.file
		}
		out = append(out, deps...)
	}
	return out, nil
}

// parseGoMod reads require directives, both single-line and block form.
func parseGoMod(data []byte) ([]dependency, error) {
	var deps []dependency
	inBlock := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case line == "":
			continue
		case inBlock && line == ")":
			inBlock = false
			continue
		case line == "require (":
			inBlock = true
			continue
		case strings.HasPrefix(line, "require "):
			line = strings.TrimSpace(strings.TrimPrefix(line, "require "))
		case !inBlock:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed require line %q", line)
		}
		deps = append(deps, dependency{name: fields[0], version: fields[1]})
	}
	return deps, sc.Err()
}

func parseRequirements(data []byte) ([]dependency, error) {
	var deps []dependency
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		name, version := line, ""
		for _, op := range []string{"==", ">=", "<=", "~=", "!=", ">", "<"} {
			if i := strings.Index(line, op); i > 0 {
				name, version = strings.TrimSpace(line[:i]), strings.TrimSpace(line[i:])
				break
			}
		}
		deps = append(deps, dependency{name: name, version: version})
	}
	return deps, sc.Err()
}

func parsePackageJSON(data []byte) ([]dependency, error) {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	deps := sortedDeps(pkg.Dependencies, "")
	return append(deps, sortedDeps(pkg.DevDependencies, " (dev)")...), nil
}

func parsePyproject(data []byte) ([]dependency, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	deps, err := parseRequirements([]byte(strings.Join(doc.Project.Dependencies, "\n")))
	if err != nil {
		return nil, err
	}
	poetry := make(map[string]string, len(doc.Tool.Poetry.Dependencies))
	for name, v := range doc.Tool.Poetry.Dependencies {
		if name == "python" {
			continue
		}
		poetry[name] = tomlVersion(v)
	}
	return append(deps, sortedDeps(poetry, "")...), nil
}

func parseCargo(data []byte) ([]dependency, error) {
	var doc struct {
		Dependencies map[string]any `toml:"dependencies"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	deps := make(map[string]string, len(doc.Dependencies))
	for name, v := range doc.Dependencies {
		deps[name] = tomlVersion(v)
	}
	return sortedDeps(deps, ""), nil
}

// tomlVersion handles both `dep = "1.0"` and `dep = { version = "1.0" }`.
func tomlVersion(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["version"].(string); ok {
			return s
		}
	}
	return ""
}

func sortedDeps(m map[string]string, suffix string) []dependency {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]dependency, 0, len(names))
	for _, name := range names {
		out = append(out, dependency{name: name + suffix, version: m[name]})
	}
	return out
}
