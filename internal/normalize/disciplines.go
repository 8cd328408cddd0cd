package normalize

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"gopkg.in/yaml.v3"
)

const (
	maxDisciplineDistance = 2
	// shorter categories only match exactly; two edits would change most of the word
	minFuzzyRunes = 5
)

type disciplinesFile struct {
	Disciplines []struct {
		Name    string   `yaml:"name"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"disciplines"`
}

type disciplineName struct {
	lower     string
	canonical string
}

// DisciplineSet maps free-form categories onto a known list of disciplines.
type DisciplineSet struct {
	names []disciplineName
}

// LoadDisciplines reads a YAML discipline list. An empty path yields an empty set.
func LoadDisciplines(path string) (*DisciplineSet, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewDisciplineSet(nil, nil), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read disciplines file: %w", err)
	}
	return ParseDisciplines(raw)
}

func ParseDisciplines(raw []byte) (*DisciplineSet, error) {
	var parsed disciplinesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse disciplines yaml: %w", err)
	}

	set := &DisciplineSet{}
	for i, d := range parsed.Disciplines {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("discipline %d has no name", i)
		}
		set.add(name, name)
		for _, alias := range d.Aliases {
			set.add(alias, name)
		}
	}
	return set, nil
}

// NewDisciplineSet builds a set from canonical names and an alias -> name map.
func NewDisciplineSet(names []string, aliases map[string]string) *DisciplineSet {
	set := &DisciplineSet{}
	for _, name := range names {
		set.add(name, name)
	}
	for alias, name := range aliases {
		set.add(alias, name)
	}
	return set
}

func (s *DisciplineSet) add(spelling, canonical string) {
	lower := strings.ToLower(strings.TrimSpace(spelling))
	canonical = strings.TrimSpace(canonical)
	if lower == "" || canonical == "" {
		return
	}
	for _, existing := range s.names {
		if existing.lower == lower {
			return
		}
	}
	s.names = append(s.names, disciplineName{lower: lower, canonical: canonical})
}

func (s *DisciplineSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Canonical returns the known spelling of category. A case-insensitive match wins;
// otherwise a single known name within two edits is used. Anything else is kept as is.
func (s *DisciplineSet) Canonical(category string) string {
	if s.Len() == 0 {
		return category
	}
	lower := strings.ToLower(category)
	for _, name := range s.names {
		if name.lower == lower {
			return name.canonical
		}
	}
	if utf8.RuneCountInString(lower) < minFuzzyRunes {
		return category
	}

	match := ""
	for _, name := range s.names {
		if levenshtein.Distance(lower, name.lower, nil) > maxDisciplineDistance {
			continue
		}
		if match != "" && match != name.canonical {
			return category
		}
		match = name.canonical
	}
	if match == "" {
		return category
	}
	return match
}
