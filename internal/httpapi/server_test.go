package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/clock"
	"checkin/internal/credential"
	"checkin/internal/realtime"
	"checkin/internal/token"
)

func at(h, m, s int) time.Time {
	return time.Date(2025, 1, 1, h, m, s, 0, time.UTC)
}

type flakyStore struct {
	*attendance.MemoryStore
}

func (flakyStore) ParticipantByCode(context.Context, string) (attendance.Participant, error) {
	return attendance.Participant{}, errors.New("connection refused")
}

type testAPI struct {
	handler http.Handler
	clock   *clock.FakeClock
	signer  *auth.Signer
}

func newTestAPI(t *testing.T, wrap func(*attendance.MemoryStore) attendance.Store) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(at(8, 5, 0))
	mem := attendance.NewMemoryStore()
	if err := mem.UpsertActivity(ctx, attendance.Activity{
		ID:                  "assembly",
		Title:               "Assembly",
		AttendanceOpenTime:  at(8, 0, 0),
		AttendanceCloseTime: at(8, 30, 0),
		AttendanceEnabled:   true,
		AttendanceRequired:  true,
	}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []attendance.Participant{
		{ID: "u1", Code: "QR-001", Name: "Ana"},
		{ID: "u2", Code: "QR-002", Name: "Budi"},
	} {
		if err := mem.UpsertParticipant(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	var store attendance.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	codec := token.NewCodec([]byte("tag-key"))
	svc := attendance.NewService(store, realtime.NewInMemory(8), codec, attendance.Options{Clock: clk, Logger: logger})
	gen := credential.NewGenerator(store, store, credential.NewMemoryCache(clk), codec, credential.Options{Clock: clk, Logger: logger})
	signer := auth.NewSigner("secret", "checkin", time.Hour)
	h := New(Config{
		Service:         svc,
		Generator:       gen,
		Signer:          signer,
		Logger:          logger,
		EnrollmentKey:   "enroll-me",
		UITick:          time.Second,
		RateLimitPerMin: 1000,
		Health:          func(context.Context) map[string]bool { return map[string]bool{"store": true} },
	})
	return &testAPI{handler: h, clock: clk, signer: signer}
}

func (a *testAPI) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := a.signer.Issue(subject, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, kind attendance.Kind) map[string]any {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status %d, want %d: %s", w.Code, status, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != string(kind) {
		t.Fatalf("error %v, want %s", body["error"], kind)
	}
	return body
}

func TestTokenScanOverHTTP(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)
	staff := a.token(t, "station:gate", auth.RoleStaff)

	w := a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	var issued struct {
		Credential       credential.Credential `json:"credential"`
		RemainingSeconds int64                 `json:"remaining_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}
	if issued.RemainingSeconds != 300 || !issued.Credential.ExpiresAt.Equal(at(8, 10, 0)) {
		t.Fatalf("unexpected credential %+v", issued)
	}

	w = a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": issued.Credential.Payload})
	if w.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}
	var out attendance.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Variant != attendance.VariantToken || out.Record == nil || out.Record.ActorID != "station:gate" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	w = a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": issued.Credential.Payload})
	expectError(t, w, http.StatusConflict, attendance.KindAlreadySettled)

	w = a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil)
	expectError(t, w, http.StatusConflict, attendance.KindAlreadySettled)

	w = a.do(t, http.MethodGet, "/v1/activities/assembly/status", u1, nil)
	var view attendance.StatusView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Display.Status != attendance.StatusPresent || view.Display.Points != 10 {
		t.Fatalf("unexpected status %+v", view)
	}
}

func TestWindowAndExpiryRejections(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)
	staff := a.token(t, "station:gate", auth.RoleStaff)

	a.clock.Set(at(7, 59, 0))
	expectError(t, a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil), http.StatusConflict, attendance.KindWindowNotOpen)

	a.clock.Set(at(8, 5, 0))
	w := a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil)
	var issued struct {
		Credential credential.Credential `json:"credential"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &issued)

	a.clock.Set(at(8, 10, 0))
	expectError(t, a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": issued.Credential.Payload}), http.StatusGone, attendance.KindTokenExpired)

	expectError(t, a.do(t, http.MethodPost, "/v1/activities/nope/credential", u1, nil), http.StatusNotFound, attendance.KindInvalidCode)
}

func TestOpaqueCodeOverHTTP(t *testing.T) {
	a := newTestAPI(t, nil)
	staff := a.token(t, "station:gate", auth.RoleStaff)

	if w := a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": "QR-001"}); w.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}
	a.clock.Advance(2 * time.Minute)
	expectError(t, a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": "QR-001"}), http.StatusTooManyRequests, attendance.KindDuplicate)
	expectError(t, a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": "QR-404"}), http.StatusNotFound, attendance.KindInvalidCode)
	expectError(t, a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{}), http.StatusBadRequest, attendance.KindBadRequest)

	w := a.do(t, http.MethodGet, "/v1/codes/QR-001/scans", staff, nil)
	var hist struct {
		Scans []attendance.ScanEntry `json:"scans"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Scans) != 1 || hist.Scans[0].Participant.Name != "Ana" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestTransientFailureIsRetryable(t *testing.T) {
	a := newTestAPI(t, func(m *attendance.MemoryStore) attendance.Store { return flakyStore{m} })
	staff := a.token(t, "station:gate", auth.RoleStaff)

	body := expectError(t, a.do(t, http.MethodPost, "/v1/scans", staff, map[string]string{"payload": "QR-001"}), http.StatusServiceUnavailable, attendance.KindTransientIO)
	if body["retryable"] != true {
		t.Fatalf("transient failure not marked retryable: %v", body)
	}
	if strings.Contains(body["message"].(string), "connection refused") {
		t.Fatalf("internal error leaked: %v", body)
	}
}

func TestRoles(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)
	staff := a.token(t, "station:gate", auth.RoleStaff)
	admin := a.token(t, "admin:1", auth.RoleAdmin)

	cases := []struct {
		name   string
		method string
		path   string
		tok    string
		want   int
	}{
		{"anonymous scan", http.MethodPost, "/v1/scans", "", http.StatusUnauthorized},
		{"participant scan", http.MethodPost, "/v1/scans", u1, http.StatusForbidden},
		{"staff roster", http.MethodGet, "/v1/activities/assembly/records", staff, http.StatusForbidden},
		{"staff credential", http.MethodPost, "/v1/activities/assembly/credential", staff, http.StatusForbidden},
		{"admin roster", http.MethodGet, "/v1/activities/assembly/records", admin, http.StatusOK},
		{"participant phase", http.MethodGet, "/v1/activities/assembly/phase", u1, http.StatusOK},
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := a.do(t, tc.method, tc.path, tc.tok, nil); w.Code != tc.want {
				t.Fatalf("status %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestStationRegistration(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/v1/stations/register", "", map[string]string{"station_id": "gate", "enrollment_key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", w.Code)
	}
	w = a.do(t, http.MethodPost, "/v1/stations/register", "", map[string]string{"station_id": "gate", "enrollment_key": "enroll-me"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var reg struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &reg)
	if w := a.do(t, http.MethodPost, "/v1/scans", reg.AccessToken, map[string]string{"payload": "QR-002"}); w.Code != http.StatusOK {
		t.Fatalf("scan with enrolled token: %d %s", w.Code, w.Body.String())
	}
}

func TestManualMarkAndRoster(t *testing.T) {
	a := newTestAPI(t, nil)
	admin := a.token(t, "admin:1", auth.RoleAdmin)

	w := a.do(t, http.MethodPost, "/v1/activities/assembly/records", admin, map[string]string{"participant_id": "u2", "status": "LATE"})
	if w.Code != http.StatusCreated {
		t.Fatalf("mark: %d %s", w.Code, w.Body.String())
	}
	expectError(t, a.do(t, http.MethodPost, "/v1/activities/assembly/records", admin, map[string]string{"participant_id": "u2", "status": "PRESENT"}), http.StatusConflict, attendance.KindAlreadySettled)
	expectError(t, a.do(t, http.MethodPost, "/v1/activities/assembly/records", admin, map[string]string{"participant_id": "u1", "status": "PENDING_APPROVAL"}), http.StatusBadRequest, attendance.KindBadRequest)

	w = a.do(t, http.MethodGet, "/v1/activities/assembly/records", admin, nil)
	var roster struct {
		Records []attendance.RosterEntry `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Records) != 1 || roster.Records[0].Display.Status != attendance.StatusLate || roster.Records[0].Record.Method != attendance.MethodManual {
		t.Fatalf("unexpected roster %+v", roster)
	}
}

func TestExcuseClaim(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)

	expectError(t, a.do(t, http.MethodPost, "/v1/activities/assembly/excuses", u1, map[string]string{"status": "PRESENT", "notes": "x"}), http.StatusBadRequest, attendance.KindBadRequest)
	w := a.do(t, http.MethodPost, "/v1/activities/assembly/excuses", u1, map[string]string{"status": "SICK", "notes": "fever"})
	if w.Code != http.StatusCreated {
		t.Fatalf("excuse: %d %s", w.Code, w.Body.String())
	}
	var rec attendance.Record
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Status != attendance.StatusPendingApproval {
		t.Fatalf("unexpected record %+v", rec)
	}
	expectError(t, a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil), http.StatusConflict, attendance.KindAlreadySettled)
}

func TestCredentialPNG(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)

	w := a.do(t, http.MethodGet, "/v1/activities/assembly/credential.png", u1, nil)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "NO_ACTIVE_CREDENTIAL") {
		t.Fatalf("png without credential: %d %s", w.Code, w.Body.String())
	}
	if w := a.do(t, http.MethodPost, "/v1/activities/assembly/credential", u1, nil); w.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}

	a.clock.Advance(time.Minute)
	w = a.do(t, http.MethodGet, "/v1/activities/assembly/credential.png?size=128", u1, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("png: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatal("body is not a png")
	}
	if w.Header().Get("X-Credential-Expires-At") != "2025-01-01T08:10:00Z" {
		t.Fatalf("expiry header %q", w.Header().Get("X-Credential-Expires-At"))
	}
}

func TestLiveStream(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := httptest.NewServer(a.handler)
	defer srv.Close()
	u1 := a.token(t, "u1", auth.RoleParticipant)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/activities/assembly/live?access_token="+u1, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("live: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var st credential.State
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &st); err != nil {
			t.Fatalf("decode state %q: %v", line, err)
		}
		if st.Phase != "OPEN" || st.PhaseRemaining != 25*60 || st.Settled != nil {
			t.Fatalf("unexpected state %+v", st)
		}
		return
	}
	t.Fatalf("stream ended without a state: %v", sc.Err())
}

func TestLiveStreamUnknownActivity(t *testing.T) {
	a := newTestAPI(t, nil)
	u1 := a.token(t, "u1", auth.RoleParticipant)

	expectError(t, a.do(t, http.MethodGet, "/v1/activities/nope/live", u1, nil), http.StatusNotFound, attendance.KindInvalidCode)
	expectError(t, a.do(t, http.MethodGet, "/v1/activities/nope/status", u1, nil), http.StatusNotFound, attendance.KindInvalidCode)
}
