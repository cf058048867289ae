package rundb

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"expid", "timestamp", "wavelength", "exptime", "effective_exptime",
	"mode", "shutter",
	"currentInput", "currentInputErr",
	"currentOutput", "currentOutputErr",
	"FM1", "FM2", "nd_filter", "description",
}

// ExportCSV streams the run's records to w as CSV, in exposure order.
func (r *Run) ExportCSV(w io.Writer) error {
	recs, err := r.Records()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i, rec := range recs {
		row := []string{
			strconv.Itoa(i + 1),
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(rec.Wavelength, 'f', 1, 64),
			strconv.FormatFloat(rec.Exptime, 'g', -1, 64),
			strconv.FormatFloat(rec.EffectiveExptime, 'g', -1, 64),
			rec.Mode.String(),
			strconv.Itoa(boolInt(rec.Light)),
			strconv.FormatFloat(rec.Input.Mean, 'e', 6, 64),
			strconv.FormatFloat(rec.Input.Stdev, 'e', 6, 64),
			strconv.FormatFloat(rec.Output.Mean, 'e', 6, 64),
			strconv.FormatFloat(rec.Output.Stdev, 'e', 6, 64),
			rec.FM1, rec.FM2, rec.NDFilter, rec.Description,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
