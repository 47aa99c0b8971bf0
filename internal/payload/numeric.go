package payload

import (
	"sort"
	"strconv"
)

// NumericFields returns every numeric leaf and every string leaf that parses
// as a number, keyed by dotted path.
func NumericFields(v Value) map[string]float64 {
	c := &numericCollector{fields: make(map[string]float64)}
	Walk(v, c)
	return c.fields
}

type numericCollector struct {
	fields map[string]float64
}

func (c *numericCollector) Null(string)       {}
func (c *numericCollector) Bool(string, bool) {}

func (c *numericCollector) Number(path string, n float64) {
	c.fields[path] = n
}

func (c *numericCollector) String(path string, s string) {
	if n, ok := ParseNumeric(s); ok {
		c.fields[path] = n
	}
}

// LeafPaths returns the dotted path of every leaf in v, sorted.
func LeafPaths(v Value) []string {
	c := &pathCollector{}
	Walk(v, c)
	return c.paths
}

// KeyPaths returns the dotted path of every object key in v, including keys
// whose values are objects or arrays, sorted. Array indexes are not keys.
func KeyPaths(v Value) []string {
	var out []string
	var visit func(prefix string, v Value)
	visit = func(prefix string, v Value) {
		switch v.kind {
		case KindObject:
			for _, k := range sortedValueKeys(v.obj) {
				p := join(prefix, k)
				out = append(out, p)
				visit(p, v.obj[k])
			}
		case KindArray:
			for i, item := range v.arr {
				visit(join(prefix, strconv.Itoa(i)), item)
			}
		}
	}
	visit("", v)
	sort.Strings(out)
	return out
}

func sortedValueKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type pathCollector struct {
	paths []string
}

func (c *pathCollector) Null(path string)              { c.paths = append(c.paths, path) }
func (c *pathCollector) Bool(path string, _ bool)      { c.paths = append(c.paths, path) }
func (c *pathCollector) Number(path string, _ float64) { c.paths = append(c.paths, path) }
func (c *pathCollector) String(path string, _ string)  { c.paths = append(c.paths, path) }

// Conflict is a numeric path whose value differs between two trees.
type Conflict struct {
	Path     string  `json:"path"`
	Original float64 `json:"original"`
	Altered  float64 `json:"altered"`
}

// NumericConflicts lists paths present as numbers in both original and
// candidate whose values differ. Paths only present in one side are ignored.
func NumericConflicts(original, candidate Value) []Conflict {
	orig := NumericFields(original)
	cand := NumericFields(candidate)

	var conflicts []Conflict
	for _, path := range sortedKeys(orig) {
		cv, ok := cand[path]
		if !ok {
			continue
		}
		if cv != orig[path] {
			conflicts = append(conflicts, Conflict{Path: path, Original: orig[path], Altered: cv})
		}
	}
	return conflicts
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
