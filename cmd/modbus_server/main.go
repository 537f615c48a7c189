// Command modbus_server exposes a local Modbus RTU line over HTTP so a
// modbus drive can be run from another machine.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/modbus"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "drive serial port name")
	baud       = flag.Int("baud", 19200, "drive baud rate")
	slaveID    = flag.Uint("slave_id", 1, "drive slave ID")
)

type sender interface {
	Send(aduRequest []byte) ([]byte, error)
}

type Server struct {
	handler  sender
	password string
	log      logging.Logger
}

func NewServer(handler sender, password string, log logging.Logger) *Server {
	return &Server{
		handler:  handler,
		password: password,
		log:      log,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/send", s.SendHandler).Methods(http.MethodPost)
	return r
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	if s.password != "" {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := s.handler.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(&modbus.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
	}()
	if err != nil {
		s.log.Warn(r.Context(), "send failed", logging.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func main() {
	flag.Parse()
	log := logging.NewFromEnv(logging.Config{})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serialPort == "" || *slaveID == 0 || *slaveID > 247 {
		log.Error(ctx, "-serial is required and -slave_id must be in [1, 247]")
		os.Exit(2)
	}
	handler := modbus.NewRTUHandler(*serialPort, *baud, byte(*slaveID))
	if err := handler.Connect(); err != nil {
		log.Error(ctx, "opening serial port", logging.String("port", *serialPort), logging.Err(err))
		os.Exit(1)
	}
	defer handler.Close()

	srv := &http.Server{
		Handler:      NewServer(handler, *password, log).Router(),
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info(ctx, "listening", logging.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, "serving", logging.Err(err))
		os.Exit(1)
	}
}
