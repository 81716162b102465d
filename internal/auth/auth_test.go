package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueParse(t *testing.T) {
	s := NewSigner("secret", "checkin", time.Hour)
	tok, exp, err := s.Issue("u1", RoleParticipant)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 59*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := s.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != RoleParticipant {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := NewSigner("other", "checkin", time.Hour).Parse(tok); err == nil {
		t.Fatal("token verified with the wrong key")
	}
	if _, err := NewSigner("secret", "elsewhere", time.Hour).Parse(tok); err == nil {
		t.Fatal("issuer mismatch accepted")
	}
	if _, _, err := s.Issue("u1", "root"); err == nil {
		t.Fatal("unknown role issued")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := &Signer{Key: []byte("secret"), Issuer: "checkin", TTL: -time.Minute}
	tok, _, err := s.Issue("u1", RoleStaff)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Parse(tok); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewSigner("secret", "checkin", time.Hour)
	r := gin.New()
	r.GET("/staff", Authenticate(s), RequireRole(RoleStaff, RoleAdmin), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})

	staff, _, _ := s.Issue("station-1", RoleStaff)
	participant, _, _ := s.Issue("u1", RoleParticipant)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong role", "Bearer " + participant, "", http.StatusForbidden},
		{"staff", "Bearer " + staff, "", http.StatusOK},
		{"lowercase scheme", "bearer " + staff, "", http.StatusOK},
		{"query fallback", "", "?access_token=" + staff, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/staff"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
