package protocolhttp_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/nanoprep/generichttp/protocolhttp"
	"github.com/nasa-jpl/nanoprep/keithley"
	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
)

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func setup(t *testing.T) (*protocol.Runner, chi.Router, string) {
	dir := t.TempDir()
	mock := keithley.NewMock(10e-9)
	runner := &protocol.Runner{
		Instrument: mock,
		Registry:   protocol.Default(),
		Compliance: 1e-6,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Consumers: func(run protocol.Run) (record.Consumer, error) {
			f, err := os.Create(filepath.Join(dir, run.ID+".csv"))
			if err != nil {
				return nil, err
			}
			return record.NewCSVWriter(f, run.Protocol)
		},
	}
	r := chi.NewRouter()
	protocolhttp.NewHTTPRunner(runner, dir).RT().Bind(r)
	return runner, r, dir
}

func TestListAndDescribe(t *testing.T) {
	_, r, _ := setup(t)
	var ds []protocolhttp.Description
	if err := json.NewDecoder(do(r, http.MethodGet, "/protocols", "").Body).Decode(&ds); err != nil {
		t.Fatal(err)
	}
	if len(ds) != 14 {
		t.Errorf("expected 14 protocols, got %d", len(ds))
	}
	w := do(r, http.MethodGet, "/protocol?name="+url.QueryEscape("Condition/Grow"), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"kind":"seconds"`) {
		t.Errorf("unexpected description %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/protocol?name=nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStartStopStatus(t *testing.T) {
	runner, r, _ := setup(t)
	w := do(r, http.MethodPost, "/run", `{"protocol": "Holding Voltage", "params": {"hold": 60}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected the run to start, got %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/run", `{"protocol": "Holding Voltage"}`); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/stop", ""); strings.TrimSpace(w.Body.String()) != `{"bool":true}` {
		t.Errorf("expected stop to find the run, got %s", w.Body.String())
	}
	runner.Wait()
	var st protocol.Status
	if err := json.NewDecoder(do(r, http.MethodGet, "/status", "").Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != protocol.Aborted || st.Protocol != "Holding Voltage" {
		t.Errorf("unexpected status %+v", st)
	}
	w = do(r, http.MethodGet, "/results", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Time (s),Voltage (V)") {
		t.Errorf("expected the results file, got %d %q", w.Code, w.Body.String())
	}
}

func TestStartRejectsBadRequests(t *testing.T) {
	_, r, _ := setup(t)
	if w := do(r, http.MethodPost, "/run", `{"protocol": "Self Destruct"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/run", `{"protocol": "Holding Voltage", "params": {"hold": -1}}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 below the minimum, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/stop", ""); strings.TrimSpace(w.Body.String()) != `{"bool":false}` {
		t.Errorf("expected nothing to stop, got %s", w.Body.String())
	}
}
