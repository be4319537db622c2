package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/batch"
)

// eligibility is the query and row mapping for one template type.
// The final bound argument of every query is the row limit.
type eligibility struct {
	query string
	args  func(now time.Time, recency time.Duration) []any
	job   func(fields []batch.Field) batch.Job
}

func eligibilityFor(tt batch.TemplateType) (eligibility, error) {
	switch tt {
	case batch.Contratto:
		return eligibility{query: contrattoQuery, args: jobArgs("SIL%"), job: jobFromFields}, nil
	case batch.Digital:
		return eligibility{query: digitalQuery, args: jobArgs("Apollo%"), job: jobFromFields}, nil
	case batch.SOAS:
		return eligibility{query: soasQuery, args: jobArgs("Report%"), job: jobFromFields}, nil
	case batch.CGA:
		return eligibility{query: cgaQuery, args: cgaArgs, job: cgaJob}, nil
	}
	return eligibility{}, apperr.New("fetch eligible", apperr.ErrTemplateType, fmt.Errorf("%q", string(tt)))
}

// Job templates keep the newest row per input file among READY rows with
// an output file, started within the recency window.
const contrattoQuery = `
	SELECT input_file_name, cga, output_file_name
	FROM (
		SELECT j.input_file_name, j.cga, j.output_file_name, j.start_date,
		       ROW_NUMBER() OVER (PARTITION BY j.input_file_name ORDER BY j.start_date DESC) AS rn
		FROM {jobs} j
		WHERE j.archival_status = ?
		AND j.description LIKE ?
		AND j.output_file_name <> ''
		AND j.start_date >= ?
	) eligible
	WHERE rn = 1
	ORDER BY start_date DESC, input_file_name
	LIMIT ?`

const digitalQuery = `
	SELECT input_file_name, output_file_name, ds_mode, ds_date_time, ds_id_cgs, contract_type,
	       tv_order_number, bb_order_number, hw_order_number, offer_type
	FROM (
		SELECT j.input_file_name, j.output_file_name, j.start_date,
		       d.ds_mode, d.ds_date_time, d.ds_id_cgs, d.contract_type,
		       d.tv_order_number, d.bb_order_number, d.hw_order_number, d.offer_type,
		       ROW_NUMBER() OVER (PARTITION BY j.input_file_name ORDER BY j.start_date DESC) AS rn
		FROM {jobs} j
		JOIN {meta} d ON d.job_id = j.id
		WHERE j.archival_status = ?
		AND j.description LIKE ?
		AND j.output_file_name <> ''
		AND j.start_date >= ?
	) eligible
	WHERE rn = 1
	ORDER BY start_date DESC, input_file_name
	LIMIT ?`

const soasQuery = `
	SELECT input_file_name, contract_code_tv, work_order_number, 'SOAS' AS odl_type, output_file_name
	FROM (
		SELECT j.input_file_name, j.output_file_name, j.start_date,
		       d.contract_code_tv, d.work_order_number,
		       ROW_NUMBER() OVER (PARTITION BY j.input_file_name ORDER BY j.start_date DESC) AS rn
		FROM {jobs} j
		JOIN {meta} d ON d.job_id = j.id
		WHERE j.archival_status = ?
		AND j.description LIKE ?
		AND j.output_file_name <> ''
		AND j.start_date >= ?
	) eligible
	WHERE rn = 1
	ORDER BY start_date DESC, input_file_name
	LIMIT ?`

// CGA rows come from the config table: active CGA entries created today,
// paired with their "<name>_version" entry.
const cgaQuery = `
	SELECT t2.config_value AS cga_version, t1.config_value AS file_name, t1.config_name AS config_name
	FROM {config} t1
	LEFT JOIN {config} t2 ON t2.config_name = t1.config_name || '_version'
	WHERE t1.active
	AND t1.config_name LIKE '%CGA%'
	AND t1.config_name NOT LIKE '%version%'
	AND t1.created_date >= ?
	AND t1.created_date < ?
	ORDER BY t1.config_name
	LIMIT ?`

// Day boundaries follow now's location and are bound as UTC instants.
func jobArgs(description string) func(time.Time, time.Duration) []any {
	return func(now time.Time, recency time.Duration) []any {
		y, m, d := now.Date()
		cutoff := time.Date(y, m, d-int(recency/(24*time.Hour)), 0, 0, 0, 0, now.Location())
		return []any{batch.StatusReady, description, cutoff.UTC()}
	}
}

func cgaArgs(now time.Time, _ time.Duration) []any {
	day := startOfDay(now)
	return []any{day.UTC(), day.AddDate(0, 0, 1).UTC()}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func jobFromFields(fields []batch.Field) batch.Job {
	j := batch.Job{Fields: fields}
	for _, f := range fields {
		switch f.Name {
		case batch.ColumnInput:
			j.InputID = f.Value
		case batch.ColumnOutput:
			j.OutputID = f.Value
		}
	}
	return j
}

// cgaJob replaces config_name with the derived output file name:
// the second '_' segment of the config name, a slash, then the file name.
func cgaJob(fields []batch.Field) batch.Job {
	var name, file string
	out := make([]batch.Field, 0, len(fields))
	for _, f := range fields {
		switch f.Name {
		case "config_name":
			name = f.Value
			continue
		case "file_name":
			file = f.Value
		}
		out = append(out, f)
	}

	segment := ""
	if parts := strings.Split(name, "_"); len(parts) > 1 {
		segment = parts[1]
	}
	outputID := segment + "/" + file
	out = append(out, batch.Field{Name: batch.ColumnOutput, Value: outputID})

	return batch.Job{InputID: file, OutputID: outputID, Fields: out}
}

// toFields renders scanned values the way they appear in the manifest
func toFields(cols []string, vals []any) []batch.Field {
	fields := make([]batch.Field, len(cols))
	for i, col := range cols {
		fields[i] = batch.Field{Name: strings.ToLower(col)}
		switch v := vals[i].(type) {
		case nil:
			fields[i].Null = true
		case string:
			fields[i].Value = v
		case []byte:
			fields[i].Value = string(v)
		case time.Time:
			fields[i].Value = formatTimestamp(v)
		case int64:
			fields[i].Value = strconv.FormatInt(v, 10)
		case float64:
			fields[i].Value = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			fields[i].Value = strconv.FormatBool(v)
		default:
			fields[i].Value = fmt.Sprint(v)
		}
	}
	return fields
}

// formatTimestamp renders t the way the downstream archive has always
// received it: fractional seconds as six digits only when non-zero, and a
// "+hh:mm" offset only for zone-aware values. pgx and sqlite return
// timestamp columns in UTC and timestamptz columns in the local zone.
func formatTimestamp(t time.Time) string {
	layout := time.DateTime
	if t.Nanosecond()/1000 != 0 {
		layout += ".000000"
	}
	if t.Location() != time.UTC {
		layout += "-07:00"
	}
	return t.Format(layout)
}
