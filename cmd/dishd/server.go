package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/w1xm/dish_interface/control"
	"github.com/w1xm/dish_interface/internal/config"
	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/observability"
	"github.com/w1xm/dish_interface/pid"
	"github.com/w1xm/dish_interface/rotator"
)

type Server struct {
	gw       *control.Gateway
	snapshot func() *control.Snapshot
	interval time.Duration
	metrics  *observability.Collector
	log      logging.Logger

	staticDir  string
	wsInterval time.Duration
}

func NewServer(loop *control.Loop, interval time.Duration, metrics *observability.Collector, log logging.Logger, cfg config.ServerConfig) *Server {
	return &Server{
		gw:         loop.Gateway(),
		snapshot:   loop.Snapshot,
		interval:   interval,
		metrics:    metrics,
		log:        log,
		staticDir:  cfg.StaticDir,
		wsInterval: cfg.WSInterval,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)
	api := r.PathPrefix("/api").Subrouter()
	for _, route := range []struct {
		name string
		code int
	}{
		{"set-target", http.StatusOK},
		{"zero", http.StatusOK},
		{"set-pid", http.StatusOK},
		{"toggle-pid", http.StatusOK},
		{"calibrate", http.StatusAccepted},
		{"stop", http.StatusOK},
	} {
		api.Handle("/"+route.name, s.commandHandler(route.name, route.code)).Methods(http.MethodPost)
	}
	api.HandleFunc("/position", s.PositionHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	r.Handle("/metrics", s.metrics.Handler())
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	return r
}

// flexFloat accepts a JSON number or a string holding one; browser forms
// post their inputs as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	str := string(b)
	if str == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(str); err == nil {
		str = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(v)
	return nil
}

// Command is accepted both as an HTTP request body and as a websocket message.
type Command struct {
	Command   string     `json:"command"`
	Azimuth   *flexFloat `json:"azimuth,omitempty"`
	Elevation *flexFloat `json:"elevation,omitempty"`
	// Type selects the axis for set-pid.
	Type string    `json:"type,omitempty"`
	P    flexFloat `json:"p"`
	I    flexFloat `json:"i"`
	D    flexFloat `json:"d"`
	// Time is the PID sample interval in seconds.
	Time flexFloat `json:"time"`
}

type badRequest struct{ error }

func (s *Server) execute(cmd Command) (interface{}, error) {
	ok := map[string]string{"status": "ok"}
	switch cmd.Command {
	case "set-target":
		switch {
		case cmd.Azimuth != nil && cmd.Elevation != nil:
			return ok, s.gw.SetTargets(float64(*cmd.Azimuth), float64(*cmd.Elevation))
		case cmd.Azimuth != nil:
			return ok, s.gw.SetTarget(rotator.Azimuth, float64(*cmd.Azimuth))
		case cmd.Elevation != nil:
			return ok, s.gw.SetTarget(rotator.Elevation, float64(*cmd.Elevation))
		}
		return nil, &control.ValidationError{Field: "target", Reason: "azimuth or elevation is required"}
	case "zero":
		return ok, s.gw.Zero()
	case "set-pid":
		axis, err := rotator.ParseAxis(cmd.Type)
		if err != nil {
			return nil, &control.ValidationError{Field: "type", Reason: err.Error()}
		}
		t := float64(cmd.Time)
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 || t > 60 {
			return nil, &control.ValidationError{Field: "time", Reason: fmt.Sprintf("sample interval must be in (0, 60] seconds, got %v", t)}
		}
		return ok, s.gw.SetGains(axis, pid.Gains{
			P:              float64(cmd.P),
			I:              float64(cmd.I),
			D:              float64(cmd.D),
			SampleInterval: time.Duration(math.Round(t * float64(time.Second))),
		})
	case "toggle-pid":
		return map[string]bool{"enabled": s.gw.Toggle()}, nil
	case "calibrate":
		return map[string]string{"status": "accepted"}, s.gw.Calibrate()
	case "stop":
		return ok, s.gw.Hold()
	}
	return nil, badRequest{fmt.Errorf("unknown command %q", cmd.Command)}
}

func errorStatus(err error) int {
	var verr *control.ValidationError
	var bad badRequest
	switch {
	case errors.As(err, &verr), errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) commandHandler(name string, code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
			return
		}
		cmd.Command = name
		result, err := s.execute(cmd)
		if err != nil {
			s.log.Info(r.Context(), "command rejected", logging.String("command", name), logging.Err(err))
			writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, code, result)
	})
}

func (s *Server) PositionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusSocketHandler streams snapshots as they change and executes
// commands sent by the client. Command failures are reported as
// {"command": ..., "error": ...} messages.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if _, err := s.execute(msg); err != nil {
				if err := send(map[string]string{"command": msg.Command, "error": err.Error()}); err != nil {
					return
				}
			}
		}
	}()

	t := time.NewTicker(s.wsInterval)
	defer t.Stop()
	var last *control.Snapshot
	for {
		if snap := s.snapshot(); snap != last {
			if err := send(snap); err != nil {
				s.log.Debug(ctx, "websocket write failed", logging.Err(err))
				return
			}
			last = snap
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
