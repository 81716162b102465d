package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "prod", "info").Info("scan accepted", "code", "QR-001")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["msg"] != "scan accepted" || line["code"] != "QR-001" {
		t.Fatalf("unexpected record %v", line)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "dev", "warn")
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected output %q", out)
	}
}
