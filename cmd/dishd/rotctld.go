package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/dish_interface/control"
	"github.com/w1xm/dish_interface/internal/logging"
)

// Hamlib return codes.
const (
	rprtOK       = 0
	rprtInvalid  = -22
	rprtRejected = -9
)

// ServeRotctld accepts Hamlib rotctld connections on ln until ctx is done.
func (s *Server) ServeRotctld(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info(ctx, "shutdown; closing rotctld socket")
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn(ctx, "failed to accept", logging.Err(err))
			continue
		}
		go s.handleRotctld(ctx, conn)
	}
}

func rprtFor(err error) int {
	if errors.Is(err, control.ErrBusy) {
		return rprtRejected
	}
	return rprtInvalid
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	log := s.log.With(logging.String("remote", conn.RemoteAddr().String()))
	log.Info(ctx, "accepted rotctld connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd[2:])
			if len(parts) == 0 {
				continue
			}
			cmd = parts[0]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = string(cmd[0])
		}
		log.Debug(ctx, "rotctld command", logging.String("cmd", cmd), logging.Any("args", args))
		rprt := rprtInvalid
		switch cmd {
		case "q", "quit":
			return
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: Dish
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: 0.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: N
Can get Info: N
`)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			rprt = rprtOK
			if err := s.gw.Hold(); err != nil {
				rprt = rprtFor(err)
			}
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				break
			}
			rprt = rprtOK
			if err := s.gw.SetTargets(az, el); err != nil {
				rprt = rprtFor(err)
			}
		case "p", "get_pos":
			snap := s.snapshot()
			az := snap.Azimuth
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, snap.Elevation)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, snap.Elevation)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn(ctx, "reading rotctld connection", logging.Err(err))
	}
}
