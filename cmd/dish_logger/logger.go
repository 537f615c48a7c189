// Command dish_logger follows the dish status websocket and records every
// snapshot in InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"

	"github.com/w1xm/dish_interface/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logging.NewFromEnv(logging.Config{})

	server := os.Getenv("INFLUX_SERVER")
	if server == "" {
		server = "http://localhost:9999"
	}
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Non-blocking write client
	writeApi := client.WriteApi("w1xm", "dish.raw")
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Warn(ctx, "influx write failed", logging.Err(err))
		}
	}()

	url := os.Getenv("DISH_ADDRESS")
	if url == "" {
		url = "ws://localhost:8080/api/ws"
	}
	for {
		err := logData(ctx, url, func(fields map[string]interface{}, t time.Time) {
			writeApi.WritePoint(influxdb2.NewPoint("dish.status", nil, fields, t))
		})
		writeApi.Flush()
		if ctx.Err() != nil {
			return
		}
		log.Warn(ctx, "status stream ended", logging.String("url", url), logging.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
	}
}

// flattenStatus turns nested JSON into dotted field names.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix == "" {
			return
		}
		fields[prefix[1:]] = status
	}
}

// logData reads snapshots from the websocket at url and hands each one to
// emit until the connection fails or ctx is done.
func logData(ctx context.Context, url string, emit func(fields map[string]interface{}, t time.Time)) error {
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m, ok := status.(map[string]interface{})
		if !ok {
			continue
		}
		// Command replies carry no position.
		if _, ok := m["command"]; ok {
			continue
		}
		t := time.Now()
		if ts, ok := m["time"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil && !parsed.IsZero() {
				t = parsed
			}
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		delete(fields, "time")
		emit(fields, t)
	}
}
