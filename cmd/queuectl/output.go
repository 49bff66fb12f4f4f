package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/scarson/queuectl/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t")) //nolint:errcheck
	return tw
}

func row(tw *tabwriter.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t")) //nolint:errcheck
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// oneLine shortens a diagnostic for table output.
func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}

func printJobs(w io.Writer, jobs []*store.Job) error {
	tw := newTable(w, "ID", "STATE", "ATTEMPTS", "MAX_RETRIES", "NEXT_RUN_AT", "LOCKED_BY", "COMMAND", "LAST_ERROR")
	for _, j := range jobs {
		lockedBy := j.LockedBy
		if lockedBy == "" {
			lockedBy = "-"
		}
		row(tw, j.ID, j.State, j.Attempts, j.MaxRetries, fmtTime(j.NextRunAt), lockedBy,
			oneLine(j.Command, 40), oneLine(j.LastError, 60))
	}
	return tw.Flush()
}

func printDeadLetters(w io.Writer, dls []*store.DeadLetter) error {
	tw := newTable(w, "ID", "ATTEMPTS", "FAILED_AT", "COMMAND", "LAST_ERROR")
	for _, d := range dls {
		row(tw, d.ID, d.Attempts, fmtTime(d.FailedAt), oneLine(d.Command, 40), oneLine(d.LastError, 60))
	}
	return tw.Flush()
}

func printWorkers(w io.Writer, ws []*store.Registration) error {
	tw := newTable(w, "WORKER_ID", "PID", "HOST", "STARTED_AT", "LAST_HEARTBEAT")
	for _, r := range ws {
		row(tw, r.WorkerID, r.PID, r.Hostname, fmtTime(r.StartedAt), fmtTime(r.LastHeartbeat))
	}
	return tw.Flush()
}
