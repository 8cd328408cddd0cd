package normalize

import (
	"strings"

	"horse.fit/vofc/internal/extraction"
)

const (
	EntryTypeVulnerability = "vulnerability"
	EntryTypeOFC           = "ofc"

	DefaultCategory = "General"
)

// Entry is one normalized record tagged with its discipline.
type Entry struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Discipline string `json:"discipline"`
}

// Group is the entries of one category, in the order they were extracted.
type Group struct {
	Category string  `json:"category"`
	Content  []Entry `json:"content"`
}

// Summary is the enhanced extraction stored on a submission payload.
type Summary struct {
	Groups               []Group `json:"enhanced_extraction"`
	VulnerabilitiesCount int     `json:"vulnerabilities_count"`
	OptionsCount         int     `json:"options_for_consideration_count"`
}

// Normalizer maps extracted candidates to entries. It holds no state besides the
// discipline list, so one value can be shared.
type Normalizer struct {
	disciplines *DisciplineSet
}

func NewNormalizer(disciplines *DisciplineSet) *Normalizer {
	return &Normalizer{disciplines: disciplines}
}

// Clean trims every text, drops blank options, and resolves the category.
func (n *Normalizer) Clean(candidate extraction.CandidateRecord) extraction.CandidateRecord {
	out := extraction.CandidateRecord{
		Category:      n.category(candidate.Category),
		Vulnerability: strings.TrimSpace(candidate.Vulnerability),
		Options:       make([]extraction.OptionRecord, 0, len(candidate.Options)),
	}
	for _, option := range candidate.Options {
		text := strings.TrimSpace(option.Text)
		if text == "" {
			continue
		}
		sources := make([]extraction.SourceCitation, 0, len(option.Sources))
		for _, source := range option.Sources {
			if source.ReferenceNumber <= 0 {
				continue
			}
			sources = append(sources, extraction.SourceCitation{
				ReferenceNumber: source.ReferenceNumber,
				SourceText:      strings.TrimSpace(source.SourceText),
			})
		}
		out.Options = append(out.Options, extraction.OptionRecord{Text: text, Sources: sources})
	}
	return out
}

// Normalize returns the vulnerability entry followed by one entry per option.
func (n *Normalizer) Normalize(candidate extraction.CandidateRecord) []Entry {
	cleaned := n.Clean(candidate)

	entries := make([]Entry, 0, 1+len(cleaned.Options))
	if cleaned.Vulnerability != "" {
		entries = append(entries, Entry{
			Type:       EntryTypeVulnerability,
			Text:       cleaned.Vulnerability,
			Discipline: cleaned.Category,
		})
	}
	for _, option := range cleaned.Options {
		entries = append(entries, Entry{
			Type:       EntryTypeOFC,
			Text:       option.Text,
			Discipline: cleaned.Category,
		})
	}
	return entries
}

// Summarize groups the entries of all candidates by category and counts them.
func (n *Normalizer) Summarize(candidates []extraction.CandidateRecord) Summary {
	summary := Summary{Groups: []Group{}}
	index := make(map[string]int)

	for _, candidate := range candidates {
		entries := n.Normalize(candidate)
		if len(entries) == 0 {
			continue
		}
		category := entries[0].Discipline
		pos, ok := index[category]
		if !ok {
			pos = len(summary.Groups)
			index[category] = pos
			summary.Groups = append(summary.Groups, Group{Category: category, Content: []Entry{}})
		}
		summary.Groups[pos].Content = append(summary.Groups[pos].Content, entries...)

		for _, entry := range entries {
			switch entry.Type {
			case EntryTypeVulnerability:
				summary.VulnerabilitiesCount++
			case EntryTypeOFC:
				summary.OptionsCount++
			}
		}
	}
	return summary
}

func (n *Normalizer) category(raw string) string {
	category := strings.Join(strings.Fields(raw), " ")
	if category == "" {
		return DefaultCategory
	}
	if n == nil || n.disciplines == nil {
		return category
	}
	return n.disciplines.Canonical(category)
}
