package model

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CategorySet maps class index to label.
type CategorySet []string

func (c CategorySet) Label(idx int) (string, bool) {
	if idx < 0 || idx >= len(c) {
		return "", false
	}
	return c[idx], true
}

// Validate rejects empty or repeated labels; predictions are keyed by label.
func (c CategorySet) Validate() error {
	seen := make(map[string]int, len(c))
	for i, name := range c {
		if name == "" {
			return fmt.Errorf("empty label at index %d", i)
		}
		if j, dup := seen[name]; dup {
			return fmt.Errorf("duplicate label %q at indices %d and %d", name, j, i)
		}
		seen[name] = i
	}
	return nil
}

// ReadLabels reads one label per line, skipping blank lines.
func ReadLabels(path string) (CategorySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var labels CategorySet
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no labels in %s", path)
	}
	if err := labels.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

var nameEntry = regexp.MustCompile(`(\d+)\s*:\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)")`)

// ParseNames parses the "names" metadata written by Ultralytics exports,
// e.g. {0: 'glioma', 1: 'meningioma'}. Indices must be contiguous from 0.
func ParseNames(s string) (CategorySet, error) {
	matches := nameEntry.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no class names in %q", s)
	}

	byIdx := make(map[int]string, len(matches))
	for _, m := range matches {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad class index %q: %w", m[1], err)
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		if _, dup := byIdx[idx]; dup {
			return nil, fmt.Errorf("duplicate class index %d", idx)
		}
		byIdx[idx] = unescape(name)
	}

	idxs := make([]int, 0, len(byIdx))
	for i := range byIdx {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	names := make(CategorySet, len(idxs))
	for pos, idx := range idxs {
		if idx != pos {
			return nil, fmt.Errorf("class indices are not contiguous: missing %d", pos)
		}
		names[pos] = byIdx[idx]
	}
	if err := names.Validate(); err != nil {
		return nil, err
	}
	return names, nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
