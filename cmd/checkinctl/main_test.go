package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"checkin/internal/attendance"
	"checkin/internal/config"
)

func TestMain(m *testing.M) {
	v = config.New()
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scans", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload string `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Payload != "QR-001" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"INVALID_CODE","message":"code is not registered"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(attendance.Outcome{
			Variant:     attendance.VariantCode,
			Participant: attendance.Participant{ID: "u1", Name: "Ana", Team: "Red"},
			Scan:        &attendance.ScanEntry{Code: "QR-001", ScannedAt: time.Now()},
		})
	})
	mux.HandleFunc("/v1/activities/assembly/records", func(w http.ResponseWriter, r *http.Request) {
		rec := attendance.Record{ParticipantID: "u1", Status: attendance.StatusPresent, Method: attendance.MethodQRCode, Points: 10}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []attendance.RosterEntry{{
			Record:  rec,
			Display: attendance.Display{Status: attendance.StatusPresent, Label: "Present", Points: 10},
		}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestScanCommand(t *testing.T) {
	srv := fakeAPI(t)
	out := run(t, "QR-001\n", "scan", "--api-url", srv.URL, "--station-id", "gate")
	if !strings.Contains(out, "Ana") || !strings.Contains(out, "scanned at") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestScanCommandShowsRejection(t *testing.T) {
	srv := fakeAPI(t)
	out := run(t, "QR-999\n", "scan", "--api-url", srv.URL)
	if !strings.Contains(out, "INVALID_CODE") || strings.Contains(out, "(retry)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRecordsTable(t *testing.T) {
	srv := fakeAPI(t)
	out := run(t, "", "records", "assembly", "--api-url", srv.URL)
	for _, want := range []string{"PARTICIPANT", "u1", "Present", "QR_CODE", "1 RECORDS"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestImportDryRun(t *testing.T) {
	path := t.TempDir() + "/roster.yaml"
	if err := os.WriteFile(path, []byte(sampleRoster), 0o600); err != nil {
		t.Fatal(err)
	}
	out := run(t, "", "import", "--file", path, "--dry-run")
	if !strings.Contains(out, "1 activities, 2 participants") {
		t.Fatalf("unexpected output %q", out)
	}
}
