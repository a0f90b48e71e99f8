package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/nanoprep/protocol"
)

func TestConfigLayers(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "nanoprep.yml")
	yml := `Mock: true
Instrument:
  Compliance: 2.0e-6
Cutoffs:
  Diameter: 20
Protocols:
  Holding Voltage:
    hold: 1
`
	if err := os.WriteFile(fn, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NANOPREP_ADDR", ":9999")
	t.Setenv("NANOPREP_INSTRUMENT_TIMEOUT", "2.5")
	c, err := LoadConfig(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Mock || c.Instrument.Compliance != 2e-6 {
		t.Errorf("file values not applied %+v", c)
	}
	if c.Addr != ":9999" || c.InstrumentTimeout() != 2500*time.Millisecond {
		t.Errorf("environment not applied, addr %q timeout %v", c.Addr, c.InstrumentTimeout())
	}
	if c.Sample.Conductivity != 115.3 || c.LogLevel != "info" {
		t.Errorf("defaults lost %+v", c)
	}
	if d, ok := c.RunCutoffs().Diameter.Get(); !ok || math.Abs(d-20e-9) > 1e-18 {
		t.Errorf("expected a 20 nm diameter cutoff, got %v", c.RunCutoffs().Diameter)
	}
	if c.RunCutoffs().Time.Present() {
		t.Error("zero time cutoff should be disabled")
	}
	if c.Protocols["Holding Voltage"]["hold"] == nil {
		t.Errorf("protocol defaults not loaded %v", c.Protocols)
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != Defaults().Addr {
		t.Errorf("expected the default address, got %q", c.Addr)
	}
}

func TestParseUSB(t *testing.T) {
	vid, pid, err := parseUSB("05e6:0x2400")
	if err != nil || vid != 0x05e6 || pid != 0x2400 {
		t.Errorf("got %x %x %v", vid, pid, err)
	}
	if _, _, err := parseUSB("05e6"); err == nil {
		t.Error("expected an error without a product id")
	}
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"hold=2", "report=true"})
	if err != nil || p["hold"] != "2" || p["report"] != "true" {
		t.Errorf("got %v %v", p, err)
	}
	if _, err := parseParams([]string{"hold"}); err == nil {
		t.Error("expected an error for a bare key")
	}
}

func testApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	c := Defaults()
	c.Mock = true
	c.MockDiameter = 5
	c.Output = Output{Dir: filepath.Join(dir, "results"), Database: filepath.Join(dir, "nanoprep.db")}
	app, err := NewApp(context.Background(), c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestRunRecordsEverywhere(t *testing.T) {
	app := testApp(t)
	res, err := app.Runner.Run(context.Background(), protocol.Request{
		Protocol: "Holding Voltage",
		Params:   map[string]any{"hold": 0.05},
	})
	if err != nil || res.Phase != protocol.Completed {
		t.Fatalf("expected completion, got %s (%v)", res.Phase, err)
	}
	b, err := os.ReadFile(app.ResultsFile(res.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "# Protocol: Holding Voltage") {
		t.Errorf("unexpected results file %q", b)
	}
	runs, err := app.DB.Runs(context.Background(), 1)
	if err != nil || len(runs) != 1 || runs[0].Phase != string(protocol.Completed) {
		t.Fatalf("run not archived %+v %v", runs, err)
	}
	smps, err := app.DB.Samples(context.Background(), res.ID)
	if err != nil || len(smps) == 0 {
		t.Errorf("samples not archived, %d %v", len(smps), err)
	}
}

func TestRouterLocksSourcemeterDuringRuns(t *testing.T) {
	app := testApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()
	post := func(path, body string) *http.Response {
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}
	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := get("/sourcemeter/identity"); code != http.StatusOK {
		t.Errorf("expected the idle sourcemeter to answer, got %d", code)
	}
	if resp := post("/runner/run", `{"protocol": "Holding Voltage", "params": {"hold": 60}}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("run did not start, got %d", resp.StatusCode)
	}
	if resp := post("/sourcemeter/voltage", `{"f64": 1}`); resp.StatusCode != http.StatusLocked {
		t.Errorf("expected 423 while running, got %d", resp.StatusCode)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "nanoprep_run_active 1") {
		t.Errorf("expected the active gauge, got %d", code)
	}
	post("/runner/stop", "")
	app.Runner.Wait()
	if code, _ := get("/sourcemeter/identity"); code != http.StatusOK {
		t.Errorf("expected the sourcemeter to unlock, got %d", code)
	}

	code, body := get("/endpoints")
	var graph map[string][]string
	if err := json.Unmarshal([]byte(body), &graph); err != nil || code != http.StatusOK {
		t.Fatalf("bad endpoints %d %v", code, err)
	}
	for _, stem := range []string{"/sourcemeter", "/runner", "/archive"} {
		if len(graph[stem]) == 0 {
			t.Errorf("no endpoints under %s", stem)
		}
	}
	if code, body := get("/archive/runs"); code != http.StatusOK || !strings.Contains(body, `"phase":"aborted"`) {
		t.Errorf("expected the aborted run in the archive, got %d %s", code, body)
	}
}

func TestProtocolsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"protocols", "Holding Voltage"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hold") {
		t.Errorf("expected the hold parameter, got %q", out.String())
	}
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"protocols", "nope"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an unknown protocol error")
	}
}
