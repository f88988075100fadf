package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, format string, report types.SyncReport) error {
	if format == "json" {
		return printJSON(w, report)
	}
	fmt.Fprintf(w, "Sync %s (%s)\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, o := range report.Outcomes {
		state := "ok"
		switch {
		case o.Cancelled:
			state = "cancelled"
		case o.AuthRequired:
			state = "sign in required"
		case o.HadError:
			state = "failed"
		}
		fmt.Fprintf(w, "  %-10s %-16s uploaded %d, deleted %d, skipped %d in %d batches\n",
			o.Domain, state, o.Stats.RecordsUploaded, o.Stats.RecordsDeleted, o.Stats.RecordsSkipped, o.Stats.Batches)
	}
	if report.WatermarkAdvanced {
		fmt.Fprintf(w, "  last successful sync set to %s\n", report.FinishedAt.Format(time.RFC3339))
	}
	return nil
}

func printStatus(w io.Writer, format string, st syncservice.Status) error {
	if format == "json" {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "Account: %s\n", st.Owner)
	if st.LastSuccessfulSync != nil {
		fmt.Fprintf(w, "Last successful sync: %s\n", st.LastSuccessfulSync.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last successful sync: never")
	}
	domains := make([]string, 0, len(st.Pending))
	for d := range st.Pending {
		domains = append(domains, string(d))
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Fprintf(w, "Pending %s: %d\n", d, st.Pending[types.Domain(d)])
	}
	return nil
}
