// Package matrix holds the read-only catalog of CSS features, grouped by
// category, with one support flag per browser column.
package matrix

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coolbeans/csscoverage/pkg/browser"
)

//go:embed data/matrix.yaml
var defaultData []byte

// CategoryID is the canonical identifier of a category, e.g. "CSS3.Declarations".
type CategoryID string

// Feature is a single CSS capability and its per-browser support flags.
type Feature struct {
	Name  string
	Flags []Flag
}

// Flag returns the support flag for the given browser, or Unknown if the
// browser is not part of the catalog.
func (f Feature) Flag(id browser.ID) Flag {
	i, ok := browser.Index(id)
	if !ok || i >= len(f.Flags) {
		return Unknown
	}
	return f.Flags[i]
}

// Category is a named, independently selectable group of features.
type Category struct {
	ID       CategoryID
	Label    string
	Toggle   string
	Features []Feature
}

// Store is an immutable, validated support matrix.
type Store struct {
	version    int
	categories []Category
	byID       map[CategoryID]int
}

// document is the on-disk YAML shape of the matrix.
type document struct {
	Version    int `yaml:"version"`
	Categories []struct {
		ID       string `yaml:"id"`
		Label    string `yaml:"label"`
		Toggle   string `yaml:"toggle"`
		Features []struct {
			Name  string `yaml:"name"`
			Flags string `yaml:"flags"`
		} `yaml:"features"`
	} `yaml:"categories"`
}

// ValidationError lists every integrity problem found while loading a matrix.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid support matrix: %s", strings.Join(e.Problems, "; "))
}

// Load parses and validates a YAML support matrix. Every feature must carry
// exactly one known flag per browser column.
func Load(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	var problems []string
	store := &Store{
		version: doc.Version,
		byID:    make(map[CategoryID]int, len(doc.Categories)),
	}
	if doc.Version <= 0 {
		problems = append(problems, "version must be positive")
	}

	toggles := make(map[string]bool)
	labels := make(map[string]bool)
	for ci, rawCategory := range doc.Categories {
		category := Category{
			ID:     CategoryID(rawCategory.ID),
			Label:  rawCategory.Label,
			Toggle: rawCategory.Toggle,
		}
		switch {
		case category.ID == "":
			problems = append(problems, fmt.Sprintf("category %d: id is required", ci))
			continue
		case category.Label == "":
			problems = append(problems, fmt.Sprintf("category %s: label is required", category.ID))
		case category.Toggle == "":
			problems = append(problems, fmt.Sprintf("category %s: toggle is required", category.ID))
		}
		if _, dup := store.byID[category.ID]; dup {
			problems = append(problems, fmt.Sprintf("category %s: duplicate id", category.ID))
			continue
		}
		if category.Toggle == VendorPropertiesToggle || category.Toggle == IEFiltersToggle {
			problems = append(problems, fmt.Sprintf("category %s: toggle %q is reserved for options", category.ID, category.Toggle))
		}
		if category.Toggle != "" && toggles[category.Toggle] {
			problems = append(problems, fmt.Sprintf("category %s: duplicate toggle %q", category.ID, category.Toggle))
		}
		if category.Label != "" && labels[category.Label] {
			problems = append(problems, fmt.Sprintf("category %s: duplicate label %q", category.ID, category.Label))
		}
		toggles[category.Toggle] = true
		labels[category.Label] = true

		for fi, rawFeature := range rawCategory.Features {
			feature, err := parseFeature(rawFeature.Name, rawFeature.Flags)
			if err != nil {
				problems = append(problems, fmt.Sprintf("category %s feature %d: %v", category.ID, fi, err))
				continue
			}
			category.Features = append(category.Features, feature)
		}

		store.byID[category.ID] = len(store.categories)
		store.categories = append(store.categories, category)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return store, nil
}

func parseFeature(name, flags string) (Feature, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Feature{}, fmt.Errorf("name is required")
	}

	compact := strings.Join(strings.Fields(flags), "")
	if len(compact) != browser.Count() {
		return Feature{}, fmt.Errorf("%q: %d flags, want %d", name, len(compact), browser.Count())
	}

	parsed := make([]Flag, len(compact))
	for i := 0; i < len(compact); i++ {
		flag, err := ParseFlag(compact[i])
		if err != nil {
			return Feature{}, fmt.Errorf("%q column %s: %w", name, browser.IDs()[i], err)
		}
		parsed[i] = flag
	}
	return Feature{Name: name, Flags: parsed}, nil
}

// LoadFile loads a support matrix from a YAML file.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matrix file: %w", err)
	}
	store, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return store, nil
}

// Default returns the matrix compiled into the binary. It panics if the
// embedded data is invalid, since no result computed from it could be trusted.
func Default() *Store {
	store, err := Load(defaultData)
	if err != nil {
		panic(fmt.Sprintf("matrix: embedded data: %v", err))
	}
	return store
}

// Version returns the data version declared by the matrix document.
func (s *Store) Version() int {
	return s.version
}

// Categories returns all categories in declaration order.
func (s *Store) Categories() []Category {
	out := make([]Category, len(s.categories))
	copy(out, s.categories)
	return out
}

// Category returns the category with the given canonical id.
func (s *Store) Category(id CategoryID) (Category, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Category{}, false
	}
	return s.categories[i], true
}

// Features returns the features of a category in declaration order. Unknown
// categories yield an empty slice.
func (s *Store) Features(id CategoryID) []Feature {
	category, ok := s.Category(id)
	if !ok {
		return []Feature{}
	}
	out := make([]Feature, len(category.Features))
	copy(out, category.Features)
	return out
}

// Lookup resolves a canonical id, a short toggle id, or a display label to a
// category. Labels also match with spaces written as dots, so
// "CSS3 Declarations" and "CSS3.Declarations" are equivalent.
func (s *Store) Lookup(token string) (Category, bool) {
	if category, ok := s.Category(CategoryID(token)); ok {
		return category, true
	}
	dotted := strings.ReplaceAll(token, " ", ".")
	for _, category := range s.categories {
		if category.Toggle == token || category.Label == token {
			return category, true
		}
		if strings.ReplaceAll(category.Label, " ", ".") == dotted {
			return category, true
		}
	}
	return Category{}, false
}
