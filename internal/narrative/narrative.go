// Package narrative extracts structured facts from report text and merges
// fact lists across a case's history.
//
// Extraction is heuristic and approximate: it surfaces reviewable candidate
// facts (headings, names, dates, amounts), not semantic truth. The extraction
// strategy sits behind the Extractor interface so it can be replaced without
// touching merge or storage logic.
package narrative

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind tags the variant of an index entry.
type Kind string

const (
	KindSection    Kind = "section"
	KindSubsection Kind = "subsection"
	KindEntity     Kind = "entity"
)

// Subtype classifies an entity entry.
type Subtype string

const (
	SubtypePerson Subtype = "person"
	SubtypeDate   Subtype = "date"
	SubtypeAmount Subtype = "amount"
)

// Entry is one indexed fact: a heading or an extracted entity.
type Entry struct {
	Kind Kind `json:"kind"`

	// Heading fields.
	Title         string `json:"title,omitempty"`
	Level         int    `json:"level,omitempty"`
	ParentSection string `json:"parent_section,omitempty"`

	// Entity fields.
	Subtype Subtype `json:"subtype,omitempty"`
	Value   string  `json:"value,omitempty"`
	Context string  `json:"context,omitempty"`

	// Line is the 1-based source line the entry was found on.
	Line int `json:"line"`
}

// DedupKey identifies an entry for merge deduplication:
// (kind, subtype-or-level, value-or-title).
func (e Entry) DedupKey() string {
	if e.Kind == KindEntity {
		return fmt.Sprintf("%s|%s|%s", e.Kind, e.Subtype, e.Value)
	}
	return fmt.Sprintf("%s|%d|%s", e.Kind, e.Level, e.Title)
}

// Extractor turns report text into a sequence of index entries.
type Extractor interface {
	Extract(text string) []Entry
}

var (
	// Titles must start with a non-space so a bare "##   " marker is
	// skipped instead of indexed as a blank-titled heading.
	heading2Re = regexp.MustCompile(`^##\s+(\S.*?)\s*$`)
	heading3Re = regexp.MustCompile(`^###\s+(\S.*?)\s*$`)
	personRe   = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
	dateRe     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	amountRe   = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{1,2})?`)
)

// RegexExtractor is the heuristic line-scanning extractor.
//
// It carries a single piece of state, the current level-2 section title,
// which tags every entity and subsection found until the next level-2
// heading. Malformed heading markup never interrupts scanning; the current
// section simply remains whatever it last was.
type RegexExtractor struct{}

// NewRegexExtractor returns the default extraction strategy.
func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// Extract scans text line by line and emits heading and entity entries.
func (x *RegexExtractor) Extract(text string) []Entry {
	var entries []Entry
	currentSection := ""

	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1

		// Level-3 before level-2: "###" also matches the "##" pattern.
		if m := heading3Re.FindStringSubmatch(line); m != nil {
			entries = append(entries, Entry{
				Kind:          KindSubsection,
				Title:         m[1],
				Level:         3,
				ParentSection: currentSection,
				Line:          lineNo,
			})
		} else if m := heading2Re.FindStringSubmatch(line); m != nil {
			currentSection = m[1]
			entries = append(entries, Entry{
				Kind:  KindSection,
				Title: m[1],
				Level: 2,
				Line:  lineNo,
			})
		}

		for _, v := range personRe.FindAllString(line, -1) {
			entries = append(entries, Entry{
				Kind:    KindEntity,
				Subtype: SubtypePerson,
				Value:   v,
				Context: currentSection,
				Line:    lineNo,
			})
		}
		for _, v := range dateRe.FindAllString(line, -1) {
			entries = append(entries, Entry{
				Kind:    KindEntity,
				Subtype: SubtypeDate,
				Value:   v,
				Context: currentSection,
				Line:    lineNo,
			})
		}
		for _, v := range amountRe.FindAllString(line, -1) {
			entries = append(entries, Entry{
				Kind:    KindEntity,
				Subtype: SubtypeAmount,
				Value:   v,
				Context: currentSection,
				Line:    lineNo,
			})
		}
	}

	return entries
}

// Merge folds index lists into one deduplicated list.
//
// Lists are visited in argument order, entries in list order; an entry is
// kept only if its dedup key has not been seen. Output preserves first-seen
// order, so Merge(Merge(A)) == Merge(A), and any permutation of the input
// lists yields the same set of keys.
func Merge(lists ...[]Entry) []Entry {
	seen := make(map[string]struct{})
	merged := make([]Entry, 0)

	for _, list := range lists {
		for _, e := range list {
			key := e.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, e)
		}
	}

	return merged
}
