package aho

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/exp/slices"
)

// Record is one row of the output table: a gathered Done or Failed job.
type Record struct {
	JobID  JobID
	Config Config

	// Objective is the raw objective, nil when the job failed.
	Objective *float64

	Metadata map[string]any
	Status   JobState
	Failure  string

	// SubmitTime and GatherTime are in seconds since the evaluator's epoch.
	SubmitTime float64
	GatherTime float64
}

func newRecord(j Job) Record {
	r := Record{
		JobID:      j.ID,
		Config:     j.Config.Clone(),
		Status:     j.State,
		Failure:    j.Failure,
		SubmitTime: j.SubmitTime.Seconds(),
		GatherTime: j.GatherTime.Seconds(),
	}

	if j.State == JobDone && j.Result != nil {
		v := j.Result.Objective
		r.Objective = &v
		r.Metadata = cloneMetadata(j.Result.Metadata)
	}

	return r
}

// Results is the output of a search: one record per gathered Done or Failed
// job, in gather order.
type Results struct {
	// RunID identifies the search run (UUIDv7).
	RunID string

	State SearchState

	// Minimize tells Best which direction is better.
	Minimize bool

	Records []Record

	// Cancelled lists the jobs cancelled at shutdown. They have no row.
	Cancelled []JobID

	// Reason is why the search ended: nil when the budget was spent,
	// context.DeadlineExceeded on timeout, ErrSearchStopped on early
	// stopping, or the cause of an abort.
	Reason error
}

// Len returns the number of records.
func (r *Results) Len() int { return len(r.Records) }

// Done returns the records of successful jobs.
func (r *Results) Done() []Record {
	return r.filter(JobDone)
}

// Failed returns the records of failed jobs.
func (r *Results) Failed() []Record {
	return r.filter(JobFailed)
}

func (r *Results) filter(state JobState) []Record {
	var out []Record

	for _, rec := range r.Records {
		if rec.Status == state {
			out = append(out, rec)
		}
	}

	return out
}

// Best returns the record with the best objective. The second return value
// is false when no job succeeded.
func (r *Results) Best() (Record, bool) {
	var (
		best  Record
		found bool
	)

	for _, rec := range r.Records {
		if rec.Objective == nil {
			continue
		}

		if !found || r.better(*rec.Objective, *best.Objective) {
			best, found = rec, true
		}
	}

	return best, found
}

func (r *Results) better(a, b float64) bool {
	if r.Minimize {
		return a < b
	}

	return a > b
}

// Columns returns the column names of the table: "p:<name>" for every
// configuration field, the job columns, then "m:<key>" for every metadata
// key. Field and key groups are sorted.
func (r *Results) Columns() []string {
	params, meta := r.keys()

	cols := make([]string, 0, len(params)+len(meta)+6)
	for _, p := range params {
		cols = append(cols, "p:"+p)
	}

	cols = append(cols, "job_id", "objective", "timestamp_submit", "timestamp_gather", "status", "failure")

	for _, m := range meta {
		cols = append(cols, "m:"+m)
	}

	return cols
}

func (r *Results) keys() (params, meta []string) {
	seenP := make(map[string]struct{})
	seenM := make(map[string]struct{})

	for _, rec := range r.Records {
		for k := range rec.Config {
			if _, ok := seenP[k]; !ok {
				seenP[k] = struct{}{}
				params = append(params, k)
			}
		}

		for k := range rec.Metadata {
			if _, ok := seenM[k]; !ok {
				seenM[k] = struct{}{}
				meta = append(meta, k)
			}
		}
	}

	slices.Sort(params)
	slices.Sort(meta)

	return params, meta
}

// WriteCSV writes the table with a header line. Failed rows carry "F" in
// the objective column.
func (r *Results) WriteCSV(w io.Writer) error {
	params, meta := r.keys()

	cw := csv.NewWriter(w)

	if err := cw.Write(r.Columns()); err != nil {
		return err
	}

	for _, rec := range r.Records {
		row := make([]string, 0, len(params)+len(meta)+6)

		for _, p := range params {
			row = append(row, formatValue(rec.Config[p]))
		}

		obj := "F"
		if rec.Objective != nil {
			obj = formatValue(*rec.Objective)
		}

		row = append(row,
			strconv.Itoa(int(rec.JobID)),
			obj,
			formatValue(rec.SubmitTime),
			formatValue(rec.GatherTime),
			rec.Status.String(),
			rec.Failure,
		)

		for _, m := range meta {
			row = append(row, formatValue(rec.Metadata[m]))
		}

		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
