package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/w1xm/dish_interface/calibration"
	"github.com/w1xm/dish_interface/control"
	"github.com/w1xm/dish_interface/internal/config"
	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/observability"
	"github.com/w1xm/dish_interface/pid"
	"github.com/w1xm/dish_interface/rotator/sim"
)

const testInterval = 10 * time.Millisecond

type testEnv struct {
	server *Server
	loop   *control.Loop
	sim    *sim.Sim
	http   *httptest.Server
}

// newTestEnv builds a server over a simulated dish. The control loop only
// ticks when running is set.
func newTestEnv(t *testing.T, running bool) *testEnv {
	t.Helper()
	dish := sim.New(sim.Config{AzReference: 37, ElReference: 0})
	g := pid.Gains{P: 2}
	loop, err := control.NewLoop(control.Config{
		Interval: testInterval,
		Gains:    [2]pid.Gains{g, g},
		Calibration: calibration.Config{
			HomingOutput:  [2]float64{-5, -5},
			HomingTimeout: 1000,
			StableTicks:   3,
			RetryBudget:   2,
		},
	}, dish)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>dish</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewServer(loop, testInterval, metrics, logging.Noop(), config.ServerConfig{
		StaticDir:  static,
		WSInterval: testInterval,
	})
	env := &testEnv{server: s, loop: loop, sim: dish, http: httptest.NewServer(s.Router())}
	t.Cleanup(env.http.Close)
	if running {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{}, 2)
		go func() { dish.Run(ctx); done <- struct{}{} }()
		go func() { loop.Run(ctx); done <- struct{}{} }()
		t.Cleanup(func() {
			cancel()
			<-done
			<-done
		})
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func (e *testEnv) position(t *testing.T) map[string]interface{} {
	t.Helper()
	code, body := e.do(t, http.MethodGet, "/api/position", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/position = %d %s", code, body)
	}
	var pos map[string]interface{}
	if err := json.Unmarshal([]byte(body), &pos); err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t, false)
	for _, test := range []struct {
		method, path, body string
		code               int
		want               string // substring of the response
	}{
		{"POST", "/api/set-target", `{"azimuth": "45", "elevation": 10}`, 200, `{"status":"ok"}`},
		{"POST", "/api/set-target", `{"elevation": " 12.5 "}`, 200, `{"status":"ok"}`},
		{"POST", "/api/set-target", `{"azimuth": "north"}`, 400, "malformed request"},
		{"POST", "/api/set-target", `{"azimuth": "NaN"}`, 400, "invalid azimuth"},
		{"POST", "/api/set-target", `{}`, 400, "azimuth or elevation is required"},
		{"POST", "/api/set-target", `[1, 2]`, 400, "malformed request"},
		{"POST", "/api/set-pid", `{"type": "azimuth", "p": "1.5", "i": 0.1, "d": 0, "time": 0.01}`, 200, `{"status":"ok"}`},
		{"POST", "/api/set-pid", `{"type": "el", "p": 1, "time": "0.02"}`, 400, "invalid time"},
		{"POST", "/api/set-pid", `{"type": "el", "p": 1, "time": 0}`, 400, "invalid time"},
		{"POST", "/api/set-pid", `{"type": "roll", "p": 1, "time": 0.01}`, 400, "invalid type"},
		{"POST", "/api/set-pid", `{"type": "az", "p": -1, "time": 0.01}`, 400, "invalid gains"},
		{"POST", "/api/toggle-pid", ``, 200, `{"enabled":true}`},
		{"POST", "/api/toggle-pid", ``, 200, `{"enabled":false}`},
		{"POST", "/api/stop", ``, 200, `{"status":"ok"}`},
		{"POST", "/api/zero", ``, 200, `{"status":"ok"}`},
		{"POST", "/api/calibrate", ``, 202, `{"status":"accepted"}`},
		{"POST", "/api/calibrate", ``, 409, "calibration in progress"},
		{"POST", "/api/zero", ``, 409, "zero: calibration in progress"},
		{"POST", "/api/set-target", `{"azimuth": 1}`, 409, "calibration in progress"},
		{"POST", "/api/stop", ``, 409, "calibration in progress"},
		{"POST", "/api/toggle-pid", ``, 200, `{"enabled":true}`},
	} {
		code, body := env.do(t, test.method, test.path, test.body)
		if code != test.code || !strings.Contains(body, test.want) {
			t.Errorf("%s %s %s = %d %s, want %d containing %q", test.method, test.path, test.body, code, body, test.code, test.want)
		}
	}
}

func TestPositionAndStatic(t *testing.T) {
	env := newTestEnv(t, false)
	pos := env.position(t)
	for key, want := range map[string]interface{}{
		"azimuth":          0.0,
		"elevation":        0.0,
		"calibrationState": "idle",
		"enabled":          false,
	} {
		if diff := cmp.Diff(want, pos[key]); diff != "" {
			t.Errorf("position[%q] (-want +got):\n%s", key, diff)
		}
	}
	if code, body := env.do(t, http.MethodGet, "/", ""); code != 200 || !strings.Contains(body, "<h1>dish</h1>") {
		t.Errorf("GET / = %d %s", code, body)
	}
	env.do(t, http.MethodPost, "/api/zero", "")
	code, body := env.do(t, http.MethodGet, "/metrics", "")
	if code != 200 || !strings.Contains(body, `dish_http_requests_total{code="200",route="/api/zero"} 1`) {
		t.Errorf("GET /metrics = %d, missing request counter:\n%s", code, body)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTrackTarget(t *testing.T) {
	env := newTestEnv(t, true)
	if code, body := env.do(t, "POST", "/api/toggle-pid", ""); code != 200 {
		t.Fatalf("toggle = %d %s", code, body)
	}
	if code, body := env.do(t, "POST", "/api/set-target", `{"azimuth": "30", "elevation": "20"}`); code != 200 {
		t.Fatalf("set-target = %d %s", code, body)
	}
	waitFor(t, 15*time.Second, "dish to reach (30, 20)", func() bool {
		pos := env.position(t)
		az, el := pos["azimuth"].(float64), pos["elevation"].(float64)
		return math.Abs(az-30) < 0.5 && math.Abs(el-20) < 0.5
	})
}

func TestCalibrate(t *testing.T) {
	env := newTestEnv(t, true)
	// Elevation stays on its lower stop, as at power-on.
	env.sim.SetPosition(40, 0)
	if code, body := env.do(t, "POST", "/api/calibrate", ""); code != 202 {
		t.Fatalf("calibrate = %d %s", code, body)
	}
	started := false
	waitFor(t, 15*time.Second, "calibration to finish", func() bool {
		pos := env.position(t)
		state := pos["calibrationState"].(string)
		if strings.HasPrefix(state, "fault") {
			t.Fatalf("calibration failed: %v", pos)
		}
		if state != "idle" {
			started = true
		}
		return started && state == "idle"
	})
	pos := env.position(t)
	for _, key := range []string{"azimuth", "elevation"} {
		v := pos[key].(float64)
		if v > 180 {
			v -= 360
		}
		if math.Abs(v) > 1 {
			t.Errorf("%s after calibration = %v, want near 0", key, pos[key])
		}
	}
}

func TestStatusSocket(t *testing.T) {
	env := newTestEnv(t, true)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if _, ok := first["calibrationState"]; !ok {
		t.Fatalf("first message is not a snapshot: %v", first)
	}

	if err := conn.WriteJSON(map[string]interface{}{"command": "set-target", "azimuth": "45", "elevation": 10}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]interface{}{"command": "spin"}); err != nil {
		t.Fatal(err)
	}
	var sawTarget, sawError bool
	for !sawTarget || !sawError {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON (target %v, error %v): %v", sawTarget, sawError, err)
		}
		if msg["targetAzimuth"] == 45.0 {
			sawTarget = true
		}
		if msg["command"] == "spin" && strings.Contains(msg["error"].(string), "unknown command") {
			sawError = true
		}
	}
}
