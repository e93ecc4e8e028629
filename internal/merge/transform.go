package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxProjectSourceChars bounds the text transform.project-source returns
// (spec.md §6 MAX_PROJECT_SOURCE_CHARS).
const MaxProjectSourceChars = 40000

// skippedDirs are never descended into by the project-source transform.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// Transforms bundles the upstream agent outputs and project root a
// TransformFunc needs, and exposes the four named transforms as a single
// dispatcher suitable for Context.Transform.
type Transforms struct {
	Outputs map[string]string
	// DispatchOrder lists the keys of Outputs in the order they were
	// actually dispatched, oldest first. It lets fileManifestTransform's
	// default source resolve deterministically (spec.md §4.1
	// "Merge-field resolution (deterministic, tested)") instead of
	// depending on Go's randomized map iteration order.
	DispatchOrder []string
	ProjectPath   string
}

// Dispatch implements the Context.Transform signature.
func (t Transforms) Dispatch(name, key string) string {
	switch name {
	case "raw":
		return rawTransform(t.Outputs, key)
	case "design-system":
		return designSystemTransform(t.Outputs, key)
	case "file-manifest":
		return fileManifestTransform(t.Outputs, t.DispatchOrder, key)
	case "project-source":
		return projectSourceTransform(t.ProjectPath)
	default:
		return ""
	}
}

func rawTransform(outputs map[string]string, key string) string {
	return outputs[key]
}

// designSystemTransform parses an architect agent's output as JSON and,
// if a design_system object is present, renders a fixed human-readable
// summary (spec.md §4.1).
func designSystemTransform(outputs map[string]string, key string) string {
	source := key
	if source == "" {
		source = "architect"
	}
	raw, ok := outputs[source]
	if !ok {
		return ""
	}

	var parsed struct {
		DesignSystem *struct {
			BrandKernel string   `json:"brand_kernel"`
			Colors      []string `json:"colors"`
			Typography  string   `json:"typography"`
			Spacing     string   `json:"spacing"`
			Radius      string   `json:"radius"`
		} `json:"design_system"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed.DesignSystem == nil {
		return ""
	}
	ds := parsed.DesignSystem

	var b strings.Builder
	b.WriteString("Design System\n")
	if ds.BrandKernel != "" {
		fmt.Fprintf(&b, "Brand kernel: %s\n", ds.BrandKernel)
	}
	if len(ds.Colors) > 0 {
		fmt.Fprintf(&b, "Colors: %s\n", strings.Join(ds.Colors, ", "))
	}
	if ds.Typography != "" {
		fmt.Fprintf(&b, "Typography: %s\n", ds.Typography)
	}
	if ds.Spacing != "" {
		fmt.Fprintf(&b, "Spacing: %s\n", ds.Spacing)
	}
	if ds.Radius != "" {
		fmt.Fprintf(&b, "Radius: %s\n", ds.Radius)
	}
	return b.String()
}

// writeFileCall mirrors the shape of a write_file tool-call payload
// embedded in an agent's output text.
type writeFileCall struct {
	Tool string `json:"tool"`
	Args struct {
		Path string `json:"path"`
	} `json:"args"`
}

// fileManifestTransform scans key's output (default: the most recent
// dev agent) for write_file tool-call payloads and returns the sorted
// list of paths written, one per line (spec.md §4.1).
func fileManifestTransform(outputs map[string]string, dispatchOrder []string, key string) string {
	source := key
	if source == "" {
		source = mostRecentDevKey(outputs, dispatchOrder)
	}
	raw, ok := outputs[source]
	if !ok {
		return ""
	}

	paths := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var call writeFileCall
		if err := json.Unmarshal([]byte(line), &call); err != nil {
			continue
		}
		if call.Tool == "write_file" && call.Args.Path != "" {
			paths[call.Args.Path] = true
		}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// mostRecentDevKey walks dispatchOrder from the end and returns the
// last "*-dev" (or "dev") agent key actually dispatched. dispatchOrder
// is the source of truth for recency; outputs alone (a plain map) has
// no ordering to recover it from. Falls back to "dev" if dispatchOrder
// is empty or names nothing that was ever recorded in outputs.
func mostRecentDevKey(outputs map[string]string, dispatchOrder []string) string {
	for i := len(dispatchOrder) - 1; i >= 0; i-- {
		k := dispatchOrder[i]
		if k != "dev" && !strings.HasSuffix(k, "-dev") {
			continue
		}
		if _, ok := outputs[k]; ok {
			return k
		}
	}
	return "dev"
}

// truncateValidUTF8 cuts s to at most limit bytes without splitting a
// multi-byte rune across the boundary, backing off to the start of the
// rune straddling limit instead.
func truncateValidUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if limit >= len(s) {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// projectSourceTransform reads the current project tree, skipping
// dotfiles, node_modules, and non-text files, capped at
// MaxProjectSourceChars (spec.md §6).
func projectSourceTransform(root string) string {
	var b strings.Builder
	var walk func(dir, relPrefix string) bool // returns false to stop early (budget exhausted)
	walk = func(dir, relPrefix string) bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return true
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			if strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(dir, name)
			rel := filepath.Join(relPrefix, name)
			info, err := os.Lstat(full)
			if err != nil || info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			if info.IsDir() {
				if skippedDirs[name] {
					continue
				}
				if !walk(full, rel) {
					return false
				}
				continue
			}

			data, err := os.ReadFile(full)
			if err != nil || !utf8.Valid(data) {
				continue
			}

			header := fmt.Sprintf("\n--- %s ---\n", rel)
			if b.Len()+len(header) > MaxProjectSourceChars {
				return false
			}
			b.WriteString(header)

			remaining := MaxProjectSourceChars - b.Len()
			content := string(data)
			if len(content) > remaining {
				b.WriteString(truncateValidUTF8(content, remaining))
				return false
			}
			b.WriteString(content)
		}
		return true
	}

	walk(root, "")
	return b.String()
}
