// Command casereport generates an offline forensic report for one case
// from the evidence already persisted in the local store.
//
// The report is produced entirely from local heuristics; no external
// analysis service is contacted. With -save the generated report is also
// stored against the case, which indexes it and updates the case
// aggregate.
//
// Usage:
//
//	casereport -db <path> -case <id> [flags]
//
// Examples:
//
//	# Print the offline report for a case
//	casereport -db evidenced.db -case fraud-2024-017
//
//	# Generate, store, and index the report
//	casereport -db evidenced.db -case fraud-2024-017 -save
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"evidenced/internal/offline"
	"evidenced/internal/storage"
	"evidenced/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "path to the evidence database (required)")
	caseID := flag.String("case", "", "case identifier (required)")
	save := flag.Bool("save", false, "store the generated report against the case")
	output := flag.String("output", "", "write the report to a file instead of stdout")
	flag.Parse()

	if *dbPath == "" || *caseID == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*dbPath, *caseID, *output, *save); err != nil {
		fmt.Fprintf(os.Stderr, "casereport: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, caseID, output string, save bool) error {
	local, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer local.Close()

	ctx := context.Background()

	evidence, err := local.GetEvidence(ctx, caseID)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}

	descriptors := make([]offline.Descriptor, 0, len(evidence))
	refs := make([]string, 0, len(evidence))
	for _, e := range evidence {
		descriptors = append(descriptors, offline.Descriptor{
			Name:         e.FileName,
			Type:         e.FileType,
			Size:         e.FileSize,
			LastModified: e.Timestamp,
			Digest:       e.FileHash,
		})
		refs = append(refs, e.FileName)
	}

	report := offline.NewEngine().Generate(descriptors)

	if output != "" {
		if err := os.WriteFile(output, []byte(report), 0600); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	} else {
		fmt.Print(report)
	}

	if save {
		manager := storage.NewManager(local, nil, nil, nil)
		stored, err := manager.SaveReport(ctx, caseID, report, refs)
		if err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		fmt.Fprintf(os.Stderr, "report stored for case %s (hash %s, %d index entries)\n",
			caseID, stored.ReportHash[:16], len(stored.NarrativeIndex))
	}

	return nil
}
