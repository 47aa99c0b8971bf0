package model

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// MaturityLevel is the strategy maturity stage a widget reports against.
type MaturityLevel string

const (
	MaturityCrawl MaturityLevel = "crawl"
	MaturityWalk  MaturityLevel = "walk"
	MaturityRun   MaturityLevel = "run"
	MaturityFly   MaturityLevel = "fly"
)

// ValidMaturityLevel reports whether s is one of crawl, walk, run, fly.
func ValidMaturityLevel(s string) bool {
	switch MaturityLevel(s) {
	case MaturityCrawl, MaturityWalk, MaturityRun, MaturityFly:
		return true
	default:
		return false
	}
}

// PageConfig describes a dashboard page. It is supplied externally and is
// read-only to the pipeline.
type PageConfig struct {
	PageID        string   `yaml:"page_id" json:"page_id"`
	Tier          int      `yaml:"tier" json:"tier"`
	TargetWidgets []string `yaml:"target_widgets" json:"target_widgets"`
	RelatedPages  []string `yaml:"related_pages" json:"related_pages"`
	// Warm marks the page for the background cache warmer.
	Warm bool `yaml:"warm" json:"warm,omitempty"`
}

// HasWidget reports whether widgetID is one of the page's target widgets.
func (p PageConfig) HasWidget(widgetID string) bool {
	for _, w := range p.TargetWidgets {
		if w == widgetID {
			return true
		}
	}
	return false
}

// PageRegistry indexes page configs by ID.
type PageRegistry struct {
	pages map[string]PageConfig
}

// NewPageRegistry builds a registry from a list of page configs. Later
// duplicates overwrite earlier ones.
func NewPageRegistry(pages []PageConfig) *PageRegistry {
	r := &PageRegistry{pages: make(map[string]PageConfig, len(pages))}
	for _, p := range pages {
		r.pages[p.PageID] = p
	}
	return r
}

// Get returns the config for pageID.
func (r *PageRegistry) Get(pageID string) (PageConfig, bool) {
	if r == nil {
		return PageConfig{}, false
	}
	p, ok := r.pages[pageID]
	return p, ok
}

// All returns every page config sorted by page ID.
func (r *PageRegistry) All() []PageConfig {
	if r == nil {
		return nil
	}
	out := make([]PageConfig, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

// LoadPageRegistry reads page configs from a YAML file with a top-level
// "pages" list.
func LoadPageRegistry(path string) (*PageRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read page config %s", path)
	}

	var wrapper struct {
		Pages []PageConfig `yaml:"pages"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "model: parse page config")
	}

	for _, p := range wrapper.Pages {
		if p.PageID == "" {
			return nil, eris.New("model: page config missing page_id")
		}
		if p.Tier < 1 || p.Tier > 3 {
			return nil, eris.Errorf("model: page %s has invalid tier %d", p.PageID, p.Tier)
		}
	}
	return NewPageRegistry(wrapper.Pages), nil
}
