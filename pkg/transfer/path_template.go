package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// Vars are the values a PathTemplate can reference for one landed object.
type Vars struct {
	// Key is the full source key.
	Key string
	// Rel is Key relative to the unit's source prefix.
	Rel       string
	Partition string
	Source    string
}

type pathTemplatePart interface {
	append(dst *strings.Builder, v Vars) error
}

type literalPart string

type filenamePart struct{}

type keyPart struct{}

type relPart struct{}

type partitionPart struct{}

type sourcePart struct{}

type dirPart struct{ idx int }

func (p literalPart) append(dst *strings.Builder, _ Vars) error {
	dst.WriteString(string(p))
	return nil
}

func (filenamePart) append(dst *strings.Builder, v Vars) error {
	_, filename := splitKey(v.Rel)
	dst.WriteString(filename)
	return nil
}

func (keyPart) append(dst *strings.Builder, v Vars) error {
	dst.WriteString(v.Key)
	return nil
}

func (relPart) append(dst *strings.Builder, v Vars) error {
	dst.WriteString(v.Rel)
	return nil
}

func (partitionPart) append(dst *strings.Builder, v Vars) error {
	dst.WriteString(v.Partition)
	return nil
}

func (sourcePart) append(dst *strings.Builder, v Vars) error {
	dst.WriteString(v.Source)
	return nil
}

func (p dirPart) append(dst *strings.Builder, v Vars) error {
	dirs, _ := splitKey(v.Rel)
	if p.idx < 0 || p.idx >= len(dirs) {
		return fmt.Errorf("dir[%d] out of range for %q", p.idx, v.Rel)
	}
	dst.WriteString(dirs[p.idx])
	return nil
}

// DefaultPathTemplate lands objects under their partition, keeping the
// layout they had below the source prefix.
const DefaultPathTemplate = "{partition}/{rel}"

// PathTemplate maps a source object to a key below the destination prefix.
//
// Supported placeholders:
//   - {partition}: the unit's partition key
//   - {source}: the unit's source id
//   - {rel}: key relative to the source prefix
//   - {filename}: final path segment
//   - {dir[n]}: nth directory of {rel} (0-based)
//   - {key}: full source key
type PathTemplate struct {
	parts []pathTemplatePart
}

// Apply renders the template. Empty placeholders (such as a missing
// partition) collapse instead of leaving "//" behind.
func (t *PathTemplate) Apply(v Vars) (string, error) {
	var b strings.Builder
	for _, part := range t.parts {
		if err := part.append(&b, v); err != nil {
			return "", err
		}
	}

	out := b.String()
	for strings.Contains(out, "//") {
		out = strings.ReplaceAll(out, "//", "/")
	}
	out = strings.TrimPrefix(out, "/")
	if out == "" || strings.HasSuffix(out, "/") {
		return "", fmt.Errorf("path_template produced an invalid key %q for %q", out, v.Key)
	}
	return out, nil
}

// CompilePathTemplate parses a template string. An empty template means
// DefaultPathTemplate.
func CompilePathTemplate(template string) (*PathTemplate, error) {
	if template == "" {
		template = DefaultPathTemplate
	}

	var parts []pathTemplatePart
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s, '}')
		if closeIdx == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}

		placeholder := s[1:closeIdx]
		s = s[closeIdx+1:]

		part, err := parsePlaceholder(placeholder)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return &PathTemplate{parts: parts}, nil
}

func parsePlaceholder(p string) (pathTemplatePart, error) {
	switch {
	case p == "filename":
		return filenamePart{}, nil
	case p == "key":
		return keyPart{}, nil
	case p == "rel":
		return relPart{}, nil
	case p == "partition":
		return partitionPart{}, nil
	case p == "source":
		return sourcePart{}, nil
	case strings.HasPrefix(p, "dir[") && strings.HasSuffix(p, "]"):
		nStr := strings.TrimSuffix(strings.TrimPrefix(p, "dir["), "]")
		idx, err := strconv.Atoi(nStr)
		if err != nil {
			return nil, fmt.Errorf("invalid dir index %q", nStr)
		}
		return dirPart{idx: idx}, nil
	default:
		return nil, fmt.Errorf("unsupported placeholder {%s}", p)
	}
}

func splitKey(key string) (dirs []string, filename string) {
	trimmed := strings.TrimSuffix(key, "/")
	if trimmed == "" {
		return nil, ""
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return nil, parts[0]
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}
