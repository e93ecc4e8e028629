// Package merge resolves the `{{output:K}}` / `{{context:K}}` /
// `{{transform:NAME[:KEY]}}` placeholder fields used in a pipeline
// node's inputTemplate (spec.md §4.1). The moustache-like syntax embeds
// colons inside the action, which text/template cannot parse as an
// action body, so resolution is a small hand-rolled tokenizer instead
// of the teacher's text/template-based prompt rendering in
// agents/spawner.go.
package merge

import (
	"strings"
)

// fragmentKind distinguishes literal text from a resolved reference.
type fragmentKind int

const (
	fragmentLiteral fragmentKind = iota
	fragmentRef
)

type fragment struct {
	kind fragmentKind
	text string // literal text, or the raw reference body between {{ }}
}

// Context supplies everything a reference can resolve against.
type Context struct {
	UserMessage string
	// Outputs maps an upstream agent name (or upstreamSources alias) to
	// its raw output string.
	Outputs map[string]string
	// Transform resolves a {{transform:NAME[:KEY]}} reference. NAME is
	// one of raw, design-system, file-manifest, project-source; KEY is
	// empty when the form has no ":KEY" suffix.
	Transform func(name, key string) string
}

// Resolve expands every recognized placeholder in template against ctx.
// Unknown merge fields (an unrecognized prefix, or a transform reference
// when Context has no Transform) are left literal, per spec.md §4.1. An
// output/context reference to a key missing from Outputs resolves to the
// empty string, and a transform reference resolves to whatever
// Context.Transform returns for it.
func Resolve(template string, ctx Context) string {
	fragments := tokenize(template)
	var b strings.Builder
	b.Grow(len(template))
	for _, f := range fragments {
		if f.kind == fragmentLiteral {
			b.WriteString(f.text)
			continue
		}
		b.WriteString(resolveRef(f.text, ctx))
	}
	return b.String()
}

// tokenize splits s into literal and `{{...}}` reference fragments.
// A `{{` with no matching `}}` is treated as literal text, not an
// unterminated reference.
func tokenize(s string) []fragment {
	var fragments []fragment
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			if rest != "" {
				fragments = append(fragments, fragment{kind: fragmentLiteral, text: rest})
			}
			break
		}
		if start > 0 {
			fragments = append(fragments, fragment{kind: fragmentLiteral, text: rest[:start]})
		}
		body := rest[start+2:]
		end := strings.Index(body, "}}")
		if end == -1 {
			fragments = append(fragments, fragment{kind: fragmentLiteral, text: rest[start:]})
			break
		}
		fragments = append(fragments, fragment{kind: fragmentRef, text: body[:end]})
		rest = body[end+2:]
	}
	return fragments
}

func resolveRef(ref string, ctx Context) string {
	if ref == "userMessage" {
		return ctx.UserMessage
	}

	prefix, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return literal(ref)
	}

	switch prefix {
	case "output", "context":
		key := rest
		if ctx.Outputs == nil {
			return ""
		}
		if v, found := ctx.Outputs[key]; found {
			return v
		}
		return ""
	case "transform":
		name, key, hasKey := strings.Cut(rest, ":")
		if !hasKey {
			name = rest
			key = ""
		}
		if ctx.Transform == nil {
			return literal(ref)
		}
		return ctx.Transform(name, key)
	default:
		return literal(ref)
	}
}

func literal(ref string) string {
	return "{{" + ref + "}}"
}
