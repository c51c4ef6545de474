package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `# Case 1138 Analysis

## Financial Overview
Transfers totaling $12,500.00 were initiated by Marcus Webb on 2024-03-15.

### Wire Transfers
A second payment of $980 followed on 2024-03-17.

## Witness Statements
Elena Vasquez confirmed the meeting on 2024-03-15.
`

func TestExtractHeadings(t *testing.T) {
	entries := NewRegexExtractor().Extract(sampleReport)

	var sections, subsections []Entry
	for _, e := range entries {
		switch e.Kind {
		case KindSection:
			sections = append(sections, e)
		case KindSubsection:
			subsections = append(subsections, e)
		}
	}

	require.Len(t, sections, 2)
	assert.Equal(t, "Financial Overview", sections[0].Title)
	assert.Equal(t, 2, sections[0].Level)
	assert.Equal(t, "Witness Statements", sections[1].Title)

	require.Len(t, subsections, 1)
	assert.Equal(t, "Wire Transfers", subsections[0].Title)
	assert.Equal(t, 3, subsections[0].Level)
	assert.Equal(t, "Financial Overview", subsections[0].ParentSection,
		"subsection inherits the current section without altering it")
}

func TestExtractEntities(t *testing.T) {
	entries := NewRegexExtractor().Extract(sampleReport)

	byValue := map[string]Entry{}
	for _, e := range entries {
		if e.Kind == KindEntity {
			byValue[e.Value] = e
		}
	}

	person, ok := byValue["Marcus Webb"]
	require.True(t, ok, "person entity not extracted")
	assert.Equal(t, SubtypePerson, person.Subtype)
	assert.Equal(t, "Financial Overview", person.Context)

	date, ok := byValue["2024-03-17"]
	require.True(t, ok, "date entity not extracted")
	assert.Equal(t, SubtypeDate, date.Subtype)
	assert.Equal(t, "Financial Overview", date.Context)

	amount, ok := byValue["$12,500.00"]
	require.True(t, ok, "amount entity not extracted")
	assert.Equal(t, SubtypeAmount, amount.Subtype)

	witness, ok := byValue["Elena Vasquez"]
	require.True(t, ok)
	assert.Equal(t, "Witness Statements", witness.Context,
		"entity context follows the most recent level-2 heading")
}

func TestExtractBeforeFirstHeading(t *testing.T) {
	entries := NewRegexExtractor().Extract("Seen with John Carter on 2023-01-01.\n## Later")
	require.NotEmpty(t, entries)
	assert.Equal(t, "", entries[0].Context,
		"entities before the first heading carry an empty section")
}

func TestExtractMalformedMarkup(t *testing.T) {
	// Heading markers without titles and stray hashes must not stop the scan.
	text := "##\n####### odd\nPayment of $40 made.\n###   \n## Real Section\n$55"
	entries := NewRegexExtractor().Extract(text)

	var amounts []Entry
	for _, e := range entries {
		if e.Subtype == SubtypeAmount {
			amounts = append(amounts, e)
		}
	}
	require.Len(t, amounts, 2)
	assert.Equal(t, "Real Section", amounts[1].Context)
}

func TestExtractSkipsWhitespaceOnlyHeadings(t *testing.T) {
	// A marker followed by nothing but spaces carries no title and must
	// not be indexed as a blank-titled heading.
	entries := NewRegexExtractor().Extract("##   \n###  \t \n## Kept\n")

	var headings []Entry
	for _, e := range entries {
		if e.Kind == KindSection || e.Kind == KindSubsection {
			headings = append(headings, e)
		}
	}
	require.Len(t, headings, 1)
	assert.Equal(t, "Kept", headings[0].Title)
}

func TestMergeDeduplicates(t *testing.T) {
	a := NewRegexExtractor().Extract(sampleReport)
	b := NewRegexExtractor().Extract(sampleReport)

	merged := Merge(a, b)
	assert.Equal(t, len(Merge(a)), len(merged),
		"merging a list with itself must not add entries")

	keys := map[string]bool{}
	for _, e := range merged {
		require.False(t, keys[e.DedupKey()], "duplicate key %s", e.DedupKey())
		keys[e.DedupKey()] = true
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := NewRegexExtractor().Extract(sampleReport)
	once := Merge(a)
	twice := Merge(once)
	assert.Equal(t, once, twice)
}

func TestMergeOrderIndependentKeySet(t *testing.T) {
	a := []Entry{
		{Kind: KindEntity, Subtype: SubtypePerson, Value: "Ada Byron", Line: 1},
		{Kind: KindSection, Title: "Timeline", Level: 2, Line: 2},
	}
	b := []Entry{
		{Kind: KindEntity, Subtype: SubtypeDate, Value: "2024-01-01", Line: 3},
		{Kind: KindEntity, Subtype: SubtypePerson, Value: "Ada Byron", Line: 9},
	}

	keySet := func(entries []Entry) map[string]bool {
		s := map[string]bool{}
		for _, e := range entries {
			s[e.DedupKey()] = true
		}
		return s
	}

	assert.Equal(t, keySet(Merge(a, b)), keySet(Merge(b, a)),
		"key set must be identical under input permutation")
}

func TestMergeEmpty(t *testing.T) {
	assert.Empty(t, Merge())
	assert.Empty(t, Merge(nil, nil))
}

func TestDedupKeyDistinguishesVariants(t *testing.T) {
	section := Entry{Kind: KindSection, Title: "Overview", Level: 2}
	sub := Entry{Kind: KindSubsection, Title: "Overview", Level: 3}
	assert.NotEqual(t, section.DedupKey(), sub.DedupKey())

	person := Entry{Kind: KindEntity, Subtype: SubtypePerson, Value: "2024-01-01"}
	date := Entry{Kind: KindEntity, Subtype: SubtypeDate, Value: "2024-01-01"}
	assert.NotEqual(t, person.DedupKey(), date.DedupKey())
}
