// Package scansrv exposes the bench over HTTP: sweep control, manual device
// access, and run downloads.  One sweep runs at a time; starting a second
// while one is in flight returns 409.
package scansrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/pandora-obs/gopandora/bench"
	"github.com/pandora-obs/gopandora/rundb"
	"github.com/pandora-obs/gopandora/scan"
)

// SweepPayload is the JSON body of POST /sweep.  Times are in seconds.
type SweepPayload struct {
	WaveStart   float64 `json:"waveStart"`
	WaveEnd     float64 `json:"waveEnd"`
	WaveStep    float64 `json:"waveStep"`
	Exptime     float64 `json:"exptime"`
	Darktime    float64 `json:"darktime"`
	Repeats     int     `json:"nrepeats"`
	Mode        string  `json:"mode"`
	Discharge   bool    `json:"discharge"`
	ChargeRange float64 `json:"chargeRange"`
	NDFilter    string  `json:"ndFilter"`
	Description string  `json:"description"`
}

// Request converts the payload to a scan request.
func (p SweepPayload) Request() (scan.ScanRequest, error) {
	req := scan.ScanRequest{
		WaveStart:              p.WaveStart,
		WaveEnd:                p.WaveEnd,
		WaveStep:               p.WaveStep,
		ExposureTime:           time.Duration(p.Exptime * float64(time.Second)),
		DarkTime:               time.Duration(p.Darktime * float64(time.Second)),
		Repeats:                p.Repeats,
		DischargeBeforeAcquire: p.Discharge,
		ChargeRange:            p.ChargeRange,
		NDFilter:               p.NDFilter,
		Description:            p.Description,
	}
	switch strings.ToLower(p.Mode) {
	case "", "current":
		req.Mode = scan.ModeCurrent
	case "charge":
		req.Mode = scan.ModeCharge
	default:
		return req, fmt.Errorf("%w: mode %q not understood", scan.ErrInvalidRequest, p.Mode)
	}
	return req, nil
}

// Status is the JSON body of GET /sweep/status.
type Status struct {
	Busy       bool    `json:"busy"`
	RunID      string  `json:"runID,omitempty"`
	Done       int     `json:"wavelengthsDone"`
	Total      int     `json:"wavelengthsTotal"`
	Wavelength float64 `json:"currentWavelength"`
}

// Report is the JSON body of GET /sweep/result.
type Report struct {
	RunID                string `json:"runID"`
	WavelengthsCompleted int    `json:"wavelengthsCompleted"`
	RecordsEmitted       int    `json:"recordsEmitted"`
	AbortedEarly         bool   `json:"abortedEarly"`
	Error                string `json:"error,omitempty"`
	LastSkip             string `json:"lastSkip,omitempty"`
}

// Server serves the bench.  Zero value is not usable; use New.
type Server struct {
	b        *bench.Bench
	dataRoot string
	curves   bool

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	status Status
	last   *Report
}

// New returns a server over b writing runs beneath dataRoot.
func New(b *bench.Bench, dataRoot string, lightcurves bool) *Server {
	return &Server{b: b, dataRoot: dataRoot, curves: lightcurves}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Post("/sweep", s.startSweep)
	r.Get("/sweep/status", s.sweepStatus)
	r.Post("/sweep/cancel", s.cancelSweep)
	r.Get("/sweep/result", s.sweepResult)
	r.Get("/shutter", s.getShutter)
	r.Post("/shutter", s.setShutter)
	r.Get("/flip/{mount}", s.getFlip)
	r.Post("/flip/{mount}/{state}", s.setFlip)
	r.Get("/wavelength", s.getWavelength)
	r.Post("/wavelength", s.setWavelength)
	r.Get("/records/count", s.recordCount)
	r.Get("/runs/{id}.csv", s.runCSV)
	return r
}

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	var p SweepPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := p.Request()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := rundb.Open(s.dataRoot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	run.Lightcurves = s.curves

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		run.Close()
		http.Error(w, "a sweep is already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.busy = true
	s.cancel = cancel
	s.status = Status{Busy: true, RunID: run.ID, Total: len(req.Grid())}
	s.mu.Unlock()

	go s.sweep(ctx, cancel, run, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"runID": run.ID})
}

func (s *Server) sweep(ctx context.Context, cancel context.CancelFunc, run *rundb.Run, req scan.ScanRequest) {
	defer cancel()
	sw := s.b.Sweeper(run)
	sw.Progress = func(done, total int, wl float64) {
		s.mu.Lock()
		s.status.Done = done
		s.status.Wavelength = wl
		s.mu.Unlock()
	}
	res, err := sw.Run(ctx, req)
	if cerr := run.Close(); err == nil {
		err = cerr
	}
	rep := &Report{
		RunID:                run.ID,
		WavelengthsCompleted: res.WavelengthsCompleted,
		RecordsEmitted:       res.RecordsEmitted,
		AbortedEarly:         res.AbortedEarly,
	}
	if err != nil {
		rep.Error = err.Error()
		log.Printf("scansrv: sweep %s failed: %v", run.ID, err)
	}
	if res.LastErr != nil {
		rep.LastSkip = res.LastErr.Error()
	}
	s.mu.Lock()
	s.busy = false
	s.cancel = nil
	s.status = Status{RunID: run.ID}
	s.last = rep
	s.mu.Unlock()
}

func (s *Server) sweepStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	writeJSON(w, st)
}

func (s *Server) cancelSweep(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no sweep in progress", http.StatusConflict)
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sweepResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rep := s.last
	s.mu.Unlock()
	if rep == nil {
		http.Error(w, "no sweep has run", http.StatusNotFound)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) getShutter(w http.ResponseWriter, r *http.Request) {
	open, err := s.b.Shutter.IsOpen()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"open": open})
}

func (s *Server) setShutter(w http.ResponseWriter, r *http.Request) {
	if s.deviceBusy(w) {
		return
	}
	var body struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.b.Shutter.SetOpen(body.Open); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) mount(w http.ResponseWriter, r *http.Request) bench.FlipMount {
	switch chi.URLParam(r, "mount") {
	case "1":
		return s.b.FM1
	case "2":
		return s.b.FM2
	}
	http.Error(w, "mount must be 1 or 2", http.StatusNotFound)
	return nil
}

func (s *Server) getFlip(w http.ResponseWriter, r *http.Request) {
	fm := s.mount(w, r)
	if fm == nil {
		return
	}
	writeJSON(w, map[string]string{"state": fm.State()})
}

func (s *Server) setFlip(w http.ResponseWriter, r *http.Request) {
	if s.deviceBusy(w) {
		return
	}
	fm := s.mount(w, r)
	if fm == nil {
		return
	}
	var err error
	switch strings.ToLower(chi.URLParam(r, "state")) {
	case "on":
		err = fm.Activate()
	case "off":
		err = fm.Deactivate()
	default:
		http.Error(w, "state must be on or off", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getWavelength(w http.ResponseWriter, r *http.Request) {
	nm, err := s.b.Mono.CurrentPosition()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]float64{"wavelength": nm})
}

func (s *Server) setWavelength(w http.ResponseWriter, r *http.Request) {
	if s.deviceBusy(w) {
		return
	}
	var body struct {
		Wavelength float64 `json:"wavelength"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Wavelength < scan.MinWavelength || body.Wavelength > scan.MaxWavelength {
		http.Error(w, "wavelength out of range", http.StatusBadRequest)
		return
	}
	if err := s.b.Mono.MoveTo(body.Wavelength); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// recordCount reports how many records the most recent run holds, whether
// it is still filling or done.
func (s *Server) recordCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := s.status.RunID
	if id == "" && s.last != nil {
		id = s.last.RunID
	}
	s.mu.Unlock()
	if id == "" {
		http.Error(w, "no run exists", http.StatusNotFound)
		return
	}
	run, err := rundb.OpenExisting(s.dataRoot, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer run.Close()
	n, err := run.Count()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"runID": id, "count": n})
}

func (s *Server) runCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := rundb.OpenExisting(s.dataRoot, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer run.Close()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", id))
	if err := run.ExportCSV(w); err != nil {
		log.Printf("scansrv: export %s: %v", id, err)
	}
}

// deviceBusy rejects manual device actuation while a sweep owns the bench.
func (s *Server) deviceBusy(w http.ResponseWriter) bool {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		http.Error(w, "a sweep is in progress", http.StatusConflict)
	}
	return busy
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
