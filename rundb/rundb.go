// Package rundb persists sweep records.  Each sweep gets a run, identified
// by a YYYYMMDDnnn id, whose records live in an sqlite database under the
// data root.  Raw per-sample readbacks are optionally written alongside as
// FITS lightcurves.
package rundb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pandora-obs/gopandora/scan"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	expid             INTEGER PRIMARY KEY,
	timestamp         TEXT    NOT NULL,
	wavelength        REAL    NOT NULL,
	exptime           REAL    NOT NULL,
	effective_exptime REAL    NOT NULL,
	mode              TEXT    NOT NULL,
	shutter           INTEGER NOT NULL,
	current_input     REAL,
	current_input_err REAL,
	input_samples     INTEGER,
	current_output     REAL,
	current_output_err REAL,
	output_samples     INTEGER,
	fm1         TEXT,
	fm2         TEXT,
	nd_filter   TEXT,
	description TEXT
);`

var runIDPat = regexp.MustCompile(`^(\d{8})(\d{3})\.db$`)

// NextRunID allocates the next free run id for the given day by scanning
// the data directory.  Ids are YYYYMMDD followed by a three digit sequence
// starting at 001.
func NextRunID(dataDir string, now time.Time) (string, error) {
	day := now.Format("20060102")
	entries, err := os.ReadDir(dataDir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	seq := 0
	for _, e := range entries {
		m := runIDPat.FindStringSubmatch(e.Name())
		if m == nil || m[1] != day {
			continue
		}
		var n int
		fmt.Sscanf(m[2], "%d", &n)
		if n > seq {
			seq = n
		}
	}
	return fmt.Sprintf("%s%03d", day, seq+1), nil
}

// Run is one sweep's record store.  It satisfies scan.Recorder.
type Run struct {
	// ID is the run identifier, YYYYMMDDnnn.
	ID string

	// Lightcurves enables per-exposure FITS dumps of the raw samples.
	Lightcurves bool

	root string
	db   *sql.DB

	mu   sync.Mutex
	next int
}

// Open allocates a new run for the current time under root and creates its
// database at <root>/data/<id>.db.
func Open(root string) (*Run, error) {
	return OpenAt(root, time.Now())
}

// OpenAt is Open with an explicit clock, for tests and replays.
func OpenAt(root string, now time.Time) (*Run, error) {
	dataDir := filepath.Join(root, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	id, err := NextRunID(dataDir, now)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, id+".db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Run{ID: id, root: root, db: db, next: 1}, nil
}

// OpenExisting opens a previously written run for reading or continuation.
func OpenExisting(root, id string) (*Run, error) {
	path := filepath.Join(root, "data", id+".db")
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	r := &Run{ID: id, root: root, db: db}
	n, err := r.Count()
	if err != nil {
		db.Close()
		return nil, err
	}
	r.next = n + 1
	return r, nil
}

// Append persists one record, assigning it the next exposure id in the run.
func (r *Run) Append(rec scan.Record) error {
	r.mu.Lock()
	expid := r.next
	r.next++
	r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO records (
		expid, timestamp, wavelength, exptime, effective_exptime, mode, shutter,
		current_input, current_input_err, input_samples,
		current_output, current_output_err, output_samples,
		fm1, fm2, nd_filter, description
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		expid,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Wavelength,
		rec.Exptime,
		rec.EffectiveExptime,
		rec.Mode.String(),
		boolInt(rec.Light),
		rec.Input.Mean, rec.Input.Stdev, rec.Input.Samples,
		rec.Output.Mean, rec.Output.Stdev, rec.Output.Samples,
		rec.FM1, rec.FM2, rec.NDFilter, rec.Description)
	if err != nil {
		return fmt.Errorf("insert record %d: %w", expid, err)
	}
	if r.Lightcurves && (len(rec.InputSamples) > 0 || len(rec.OutputSamples) > 0) {
		if err := r.writeLightcurve(expid, rec); err != nil {
			return fmt.Errorf("lightcurve %d: %w", expid, err)
		}
	}
	return nil
}

// Count reports how many records the run holds.
func (r *Run) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Records returns every persisted record in exposure order.
func (r *Run) Records() ([]scan.Record, error) {
	rows, err := r.db.Query(`SELECT
		timestamp, wavelength, exptime, effective_exptime, mode, shutter,
		current_input, current_input_err, input_samples,
		current_output, current_output_err, output_samples,
		fm1, fm2, nd_filter, description
	FROM records ORDER BY expid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []scan.Record
	for rows.Next() {
		var (
			rec     scan.Record
			ts      string
			mode    string
			shutter int
		)
		err = rows.Scan(&ts, &rec.Wavelength, &rec.Exptime, &rec.EffectiveExptime,
			&mode, &shutter,
			&rec.Input.Mean, &rec.Input.Stdev, &rec.Input.Samples,
			&rec.Output.Mean, &rec.Output.Stdev, &rec.Output.Samples,
			&rec.FM1, &rec.FM2, &rec.NDFilter, &rec.Description)
		if err != nil {
			return nil, err
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		if mode == scan.ModeCharge.String() {
			rec.Mode = scan.ModeCharge
		}
		rec.Light = shutter != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (r *Run) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
