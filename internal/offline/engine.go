// Package offline generates a complete forensic report from purely local
// signals when no external analysis service is reachable.
//
// The pipeline is deterministic: identical descriptors and an identical
// generation timestamp always produce an identical report. The operator is
// never left without a report; a problem with one descriptor degrades that
// descriptor's detail rather than aborting the whole run.
package offline

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"evidenced/internal/seal"
)

// Descriptor is the evidence summary the engine analyzes. Digest is the
// hex SHA-256 seal computed at ingestion.
type Descriptor struct {
	Name         string
	Type         string
	Size         int64
	LastModified time.Time
	Digest       string
}

// largeFileThreshold marks a file as a possible bulk-data indicator.
const largeFileThreshold = 50 * 1024 * 1024 // 50 MiB

// gapThreshold is the temporal distance between adjacent evidence items
// worth reporting.
const gapThreshold = 24 * time.Hour

// Engine produces offline forensic reports.
type Engine struct {
	// now supplies the generation timestamp, the only non-deterministic
	// input. Injectable for tests.
	now func() time.Time
}

// NewEngine returns an engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock returns an engine with an injected clock.
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Generate renders the full offline report for the given descriptors.
func (e *Engine) Generate(files []Descriptor) string {
	var b strings.Builder
	e.WriteReport(&b, files)
	return b.String()
}

// WriteReport writes the fixed-order report sections to w.
//
// Headings use level-2 markup so the narrative indexer can index a stored
// offline report the same way it indexes externally generated ones.
func (e *Engine) WriteReport(w io.Writer, files []Descriptor) {
	sorted := sortedByTime(files)

	fmt.Fprintln(w, "# OFFLINE FORENSIC ANALYSIS REPORT")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Generated: %s\n", e.now().UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "Mode: OFFLINE - no external analysis service reachable")
	fmt.Fprintln(w)

	writeExecutiveSummary(w, sorted)
	writeTimeline(w, sorted)
	writeIntegrityBlocks(w, sorted)
	writeAnomalyScan(w, sorted)
	writeTypeHistogram(w, sorted)
	writeTemporalGaps(w, sorted)
	writeBreakdown(w, sorted)
	writeRecommendations(w)
	writeConclusion(w, sorted)
}

// sortedByTime orders descriptors ascending by modification time; ties keep
// input order.
func sortedByTime(files []Descriptor) []Descriptor {
	sorted := append([]Descriptor(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastModified.Before(sorted[j].LastModified)
	})
	return sorted
}

func writeExecutiveSummary(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Executive Summary")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "This report was generated entirely offline using local heuristic")
	fmt.Fprintln(w, "analysis. No external reasoning service contributed to its contents.")
	fmt.Fprintf(w, "%d files analyzed.\n", len(files))
	fmt.Fprintln(w)
}

func writeTimeline(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Evidence Timeline")
	fmt.Fprintln(w)
	if len(files) == 0 {
		fmt.Fprintln(w, "No evidence files available.")
		fmt.Fprintln(w)
		return
	}
	for _, f := range files {
		fmt.Fprintf(w, "- %s  %s (%s, %d bytes)\n",
			f.LastModified.UTC().Format(time.RFC3339), f.Name, displayType(f.Type), f.Size)
	}
	fmt.Fprintln(w)
}

func writeIntegrityBlocks(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Integrity Verification")
	fmt.Fprintln(w)
	if len(files) == 0 {
		fmt.Fprintln(w, "No files to verify.")
		fmt.Fprintln(w)
		return
	}
	for _, f := range files {
		fmt.Fprintf(w, "### %s\n", f.Name)
		fmt.Fprintf(w, "SHA-256:  %s\n", f.Digest)
		fmt.Fprintf(w, "Size:     %d bytes\n", f.Size)
		fmt.Fprintf(w, "Type:     %s\n", displayType(f.Type))
		fmt.Fprintf(w, "Modified: %s\n", f.LastModified.UTC().Format(time.RFC3339))
		fmt.Fprintln(w)
	}
}

func writeAnomalyScan(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Metadata Anomaly Scan")
	fmt.Fprintln(w)

	found := false
	for _, f := range files {
		if f.Type == "" {
			fmt.Fprintf(w, "- %s: missing MIME type\n", f.Name)
			found = true
		}
		if f.Size == 0 {
			fmt.Fprintf(w, "- %s: WARNING - File is empty (0 bytes)\n", f.Name)
			found = true
		}
		if f.Size > largeFileThreshold {
			fmt.Fprintf(w, "- %s: unusually large file (%d bytes) - possible bulk data indicator\n",
				f.Name, f.Size)
			found = true
		}
	}
	if !found {
		fmt.Fprintln(w, "No metadata anomalies detected.")
	}
	fmt.Fprintln(w)
}

func writeTypeHistogram(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## File Type Distribution")
	fmt.Fprintln(w)
	if len(files) == 0 {
		fmt.Fprintln(w, "No files to classify.")
		fmt.Fprintln(w)
		return
	}

	counts := map[string]int{}
	for _, f := range files {
		counts[displayType(f.Type)]++
	}

	// Deterministic output order for an unordered-key mapping.
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		fmt.Fprintf(w, "- %s: %d file(s)\n", t, counts[t])
	}
	fmt.Fprintln(w)
}

func writeTemporalGaps(w io.Writer, files []Descriptor) {
	type gap struct {
		before, after Descriptor
		hours         int
	}

	var gaps []gap
	for i := 1; i < len(files); i++ {
		d := files[i].LastModified.Sub(files[i-1].LastModified)
		if d > gapThreshold {
			gaps = append(gaps, gap{
				before: files[i-1],
				after:  files[i],
				hours:  int(math.Round(d.Hours())),
			})
		}
	}
	if len(gaps) == 0 {
		return
	}

	fmt.Fprintln(w, "## Temporal Gap Analysis")
	fmt.Fprintln(w)
	for _, g := range gaps {
		fmt.Fprintf(w, "- %d hours between %q and %q\n", g.hours, g.before.Name, g.after.Name)
	}
	fmt.Fprintln(w)
}

func writeBreakdown(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Evidence Breakdown")
	fmt.Fprintln(w)
	if len(files) == 0 {
		fmt.Fprintln(w, "No evidence to detail.")
		fmt.Fprintln(w)
		return
	}
	for _, f := range files {
		fmt.Fprintf(w, "### %s\n", f.Name)
		fmt.Fprintf(w, "Digest: %s (SHA-256, truncated)\n", seal.Truncate(f.Digest, 16))
		fmt.Fprintln(w, "Chain of custody: keep the original media under seal and verify")
		fmt.Fprintln(w, "the digest above before and after every transfer.")
		fmt.Fprintln(w)
	}
}

func writeRecommendations(w io.Writer) {
	fmt.Fprintln(w, "## Recommendations")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "- Retain all cryptographic hashes recorded in this report.")
	fmt.Fprintln(w, "- Document the timestamp of every evidence item at acquisition.")
	fmt.Fprintln(w, "- Preserve the chain of custody for each original media item.")
	fmt.Fprintln(w, "- Re-run the analysis with the external service once connectivity returns.")
	fmt.Fprintln(w)
}

func writeConclusion(w io.Writer, files []Descriptor) {
	fmt.Fprintln(w, "## Conclusion")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d files analyzed in offline mode. Integrity summary:\n", len(files))
	for _, f := range files {
		fmt.Fprintf(w, "- %s: %s\n", f.Name, f.Digest)
	}
}

func displayType(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
