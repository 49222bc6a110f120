package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

// RangeRequest is the body of a bulk write. Bit banks take 0 or non-zero.
type RangeRequest struct {
	Start  int      `json:"start"`
	Values []uint16 `json:"values"`
}

type RangeResponse struct {
	Bank   string   `json:"bank"`
	Start  int      `json:"start"`
	Values []uint16 `json:"values"`
}

type ValueBody struct {
	Value uint16 `json:"value"`
}

type Overview struct {
	UnitID    uint8                `json:"unitId"`
	Banks     registers.Capacities `json:"banks"`
	Registers registers.Snapshot   `json:"registers"`
}

// Server exposes the register banks over HTTP. Every access goes through the
// shared state locks, like a Modbus request would.
type Server struct {
	shared *state.SharedState
	mux    *http.ServeMux
}

func NewServer(shared *state.SharedState) *Server {
	s := &Server{shared: shared, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /registers", s.getOverview)
	s.mux.HandleFunc("GET /registers/{bank}", s.getRange)
	s.mux.HandleFunc("PATCH /registers/{bank}", s.setRange)

	s.mux.HandleFunc("GET /registers/{bank}/{index}", s.getCell)
	s.mux.HandleFunc("PUT /registers/{bank}/{index}", s.setCell)

	// toggles and presses only make sense on bit banks
	s.mux.HandleFunc("POST /registers/{bank}/{index}/toggle", s.toggle)
	s.mux.HandleFunc("POST /registers/{bank}/{index}/press/{mode}", s.press)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info("control API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// failRegisters maps register errors: range problems are 422, the rest 500.
func failRegisters(w http.ResponseWriter, err error) {
	if errors.Is(err, registers.ErrAddressRange) {
		fail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	logging.Error("control API register access failed", "error", err)
	fail(w, http.StatusInternalServerError, err.Error())
}

func parseBank(w http.ResponseWriter, r *http.Request) (registers.Bank, bool) {
	b, ok := registers.ParseBank(r.PathValue("bank"))
	if !ok {
		fail(w, http.StatusNotFound, "unknown bank")
	}
	return b, ok
}

func parseInt(w http.ResponseWriter, s, name string, def int) (int, bool) {
	if s == "" && def >= 0 {
		return def, true
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		fail(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return i, true
}

/* ------------------------------ handlers -------------------------------- */

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Overview{
		UnitID:    s.shared.UnitID(),
		Banks:     s.shared.Capacities(),
		Registers: s.shared.Snapshot(),
	})
}

func (s *Server) getRange(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	start, ok := parseInt(w, q.Get("start"), "start", 0)
	if !ok {
		return
	}
	count, ok := parseInt(w, q.Get("count"), "count", max(s.shared.Capacities().Of(b)-start, 0))
	if !ok {
		return
	}

	var values []uint16
	err := s.shared.View(func(regs *registers.Context) (err error) {
		values, err = regs.ReadCells(b, start, count)
		return err
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RangeResponse{Bank: b.String(), Start: start, Values: values})
}

func (s *Server) setRange(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	var req RangeRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Start < 0 || len(req.Values) == 0 {
		fail(w, http.StatusBadRequest, "start must be >= 0 and values non-empty")
		return
	}
	err := s.shared.Update(func(regs *registers.Context) error {
		return regs.WriteCells(b, req.Start, req.Values)
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	logging.Debug("control API wrote range", "bank", b.String(), "start", req.Start, "count", len(req.Values))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getCell(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	idx, ok := parseInt(w, r.PathValue("index"), "index", -1)
	if !ok {
		return
	}
	var values []uint16
	err := s.shared.View(func(regs *registers.Context) (err error) {
		values, err = regs.ReadCells(b, idx, 1)
		return err
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValueBody{Value: values[0]})
}

func (s *Server) setCell(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	idx, ok := parseInt(w, r.PathValue("index"), "index", -1)
	if !ok {
		return
	}
	var body ValueBody
	if err := readJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	err := s.shared.Update(func(regs *registers.Context) error {
		return regs.WriteCells(b, idx, []uint16{body.Value})
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------- TOGGLE: bit banks ----------------------

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	if !b.IsBit() {
		fail(w, http.StatusBadRequest, "toggle needs a bit bank")
		return
	}
	idx, ok := parseInt(w, r.PathValue("index"), "index", -1)
	if !ok {
		return
	}
	var value bool
	err := s.shared.Update(func(regs *registers.Context) error {
		current, err := regs.ReadBit(b, idx)
		if err != nil {
			return err
		}
		value = !current
		return regs.WriteBit(b, idx, value)
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "value": value})
}

// ---------------------- PRESS SIMULATION: bit banks ----------------------

var pressDurations = map[string]time.Duration{
	"tap":   500 * time.Millisecond,
	"hold1": time.Second,
	"hold2": 2 * time.Second,
}

// press sets a bit now and clears it again after the mode's hold time.
func (s *Server) press(w http.ResponseWriter, r *http.Request) {
	b, ok := parseBank(w, r)
	if !ok {
		return
	}
	if !b.IsBit() {
		fail(w, http.StatusBadRequest, "press needs a bit bank")
		return
	}
	idx, ok := parseInt(w, r.PathValue("index"), "index", -1)
	if !ok {
		return
	}
	mode := r.PathValue("mode")
	hold, ok := pressDurations[mode]
	if !ok {
		fail(w, http.StatusBadRequest, "mode must be one of: tap, hold1, hold2")
		return
	}

	err := s.shared.Update(func(regs *registers.Context) error {
		return regs.WriteBit(b, idx, true)
	})
	if err != nil {
		failRegisters(w, err)
		return
	}
	time.AfterFunc(hold, func() {
		_ = s.shared.Update(func(regs *registers.Context) error {
			return regs.WriteBit(b, idx, false)
		})
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "scheduled",
		"mode":   mode,
		"index":  idx,
		"ms":     hold.Milliseconds(),
	})
}
