package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestFlattenStatus(t *testing.T) {
	fields := make(map[string]interface{})
	flattenStatus(fields, map[string]interface{}{
		"azimuth": 12.5,
		"enabled": true,
		"gains": map[string]interface{}{
			"p": 2.0,
			"i": []interface{}{0.1, 0.2},
		},
		"driveFault": nil,
	}, "")
	want := map[string]interface{}{
		"azimuth":   12.5,
		"enabled":   true,
		"gains.p":   2.0,
		"gains.i.0": 0.1,
		"gains.i.1": 0.2,
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("flattenStatus (-want +got):\n%s", diff)
	}
}

func TestLogData(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"azimuth":10,"elevation":20,"calibrationState":"idle","time":"2026-01-02T03:04:05Z"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"spin","error":"unknown command"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"azimuth":11,"elevation":21,"calibrationState":"homing(azimuth)","time":"2026-01-02T03:04:06Z"}`))
	}))
	defer srv.Close()

	type point struct {
		Fields map[string]interface{}
		Time   time.Time
	}
	var got []point
	err := logData(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), func(fields map[string]interface{}, t time.Time) {
		got = append(got, point{fields, t})
	})
	if err == nil {
		t.Error("logData returned nil after the server closed")
	}
	want := []point{
		{map[string]interface{}{"azimuth": 10.0, "elevation": 20.0, "calibrationState": "idle"}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{map[string]interface{}{"azimuth": 11.0, "elevation": 21.0, "calibrationState": "homing(azimuth)"}, time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("points (-want +got):\n%s", diff)
	}
}

func TestLogDataStopsOnCancel(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := logData(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), func(map[string]interface{}, time.Time) {})
	if err != context.DeadlineExceeded {
		t.Errorf("logData = %v, want %v", err, context.DeadlineExceeded)
	}
}
