package core

import "strings"

// Coverage tracks which mandatory topics the caller has talked about.  Flags
// only ever go from false to true.  Coverage is not safe for concurrent use;
// the session controller owns it.
type Coverage struct {
	categories []Category
	covered    []bool
	byKey      map[string]int
}

// NewCoverage builds a tracker for the given categories, in order.
func NewCoverage(categories []Category) *Coverage {
	c := &Coverage{
		categories: categories,
		covered:    make([]bool, len(categories)),
		byKey:      make(map[string]int),
	}
	for i, cat := range categories {
		for _, k := range cat.Keys {
			c.byKey[normalizeKey(k)] = i
		}
	}
	return c
}

// Merge marks every category whose key carries a non-blank value and returns
// the names of the categories that became covered.
func (c *Coverage) Merge(fields map[string]string) []string {
	var newly []string
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		i, ok := c.byKey[normalizeKey(k)]
		if !ok || c.covered[i] {
			continue
		}
		c.covered[i] = true
		newly = append(newly, c.categories[i].Name)
	}
	return newly
}

// MissingCategories returns the prompts of uncovered categories in category
// order, or nil when everything is covered.
func (c *Coverage) MissingCategories() []string {
	var out []string
	for i, cat := range c.categories {
		if !c.covered[i] {
			out = append(out, cat.Prompt)
		}
	}
	return out
}

// Complete reports whether every category is covered.
func (c *Coverage) Complete() bool {
	for _, ok := range c.covered {
		if !ok {
			return false
		}
	}
	return true
}

// Covered reports whether the named category is covered.
func (c *Coverage) Covered(name string) bool {
	for i, cat := range c.categories {
		if cat.Name == name {
			return c.covered[i]
		}
	}
	return false
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}
