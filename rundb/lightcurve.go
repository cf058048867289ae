package rundb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"

	"github.com/pandora-obs/gopandora/scan"
)

// writeLightcurve dumps the raw readbacks of one exposure to
// <root>/lightcurves/<run>/<expid>.fits, one float64 image HDU per channel.
func (r *Run) writeLightcurve(expid int, rec scan.Record) error {
	dir := filepath.Join(r.root, "lightcurves", r.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%06d.fits", expid)))
	if err != nil {
		return err
	}
	defer f.Close()
	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()
	channels := []struct {
		name    string
		samples []float64
	}{
		{"INPUT", rec.InputSamples},
		{"OUTPUT", rec.OutputSamples},
	}
	for _, ch := range channels {
		if len(ch.samples) == 0 {
			continue
		}
		im := fitsio.NewImage(-64, []int{len(ch.samples)})
		err = im.Header().Append(
			fitsio.Card{Name: "EXPID", Value: expid, Comment: "exposure id in run"},
			fitsio.Card{Name: "RUNID", Value: r.ID, Comment: "run identifier"},
			fitsio.Card{Name: "CHANNEL", Value: ch.name, Comment: "electrometer channel"},
			fitsio.Card{Name: "WAVELEN", Value: rec.Wavelength, Comment: "wavelength [nm]"},
			fitsio.Card{Name: "EXPTIME", Value: rec.Exptime, Comment: "nominal exposure [s]"},
			fitsio.Card{Name: "EFFEXPT", Value: rec.EffectiveExptime, Comment: "measured exposure [s]"},
			fitsio.Card{Name: "MEASMODE", Value: rec.Mode.String(), Comment: "measurement function"},
			fitsio.Card{Name: "SHUTTER", Value: boolInt(rec.Light), Comment: "1 if shutter open"},
		)
		if err != nil {
			im.Close()
			return err
		}
		if err = im.Write(ch.samples); err != nil {
			im.Close()
			return err
		}
		if err = fits.Write(im); err != nil {
			im.Close()
			return err
		}
		im.Close()
	}
	return nil
}
