// Package httpapi exposes check-in over HTTP: credential issuance and
// live state for participants, scan validation for stations, and roster
// management for administrators.
package httpapi

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/credential"
	"checkin/internal/httpmiddleware"
)

// Config wires the handler.
type Config struct {
	Service         *attendance.Service
	Generator       *credential.Generator
	Signer          *auth.Signer
	Logger          *slog.Logger
	EnrollmentKey   string
	UITick          time.Duration
	CORSOrigins     []string
	RateLimitPerMin int
	// Health reports dependency reachability by name for /healthz.
	Health func(ctx context.Context) map[string]bool
}

type api struct {
	svc    *attendance.Service
	gen    *credential.Generator
	signer *auth.Signer
	log    *slog.Logger
	cfg    Config
}

// New returns the gin engine serving every route.
func New(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &api{svc: cfg.Service, gen: cfg.Generator, signer: cfg.Signer, log: cfg.Logger, cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewLimiter(cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.health)
	r.POST("/v1/stations/register", a.registerStation)

	v1 := r.Group("/v1", auth.Authenticate(cfg.Signer))
	v1.GET("/activities/:id/phase", a.phase)

	participant := v1.Group("", auth.RequireRole(auth.RoleParticipant))
	participant.POST("/activities/:id/credential", a.issueCredential)
	participant.GET("/activities/:id/credential.png", a.credentialPNG)
	participant.GET("/activities/:id/live", a.live)
	participant.GET("/activities/:id/status", a.status)
	participant.POST("/activities/:id/excuses", a.submitExcuse)

	staff := v1.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleAdmin))
	staff.POST("/scans", a.scan)
	staff.GET("/codes/:code/scans", a.scanHistory)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/activities/:id/records", a.records)
	admin.POST("/activities/:id/records", a.mark)

	return r
}

func (a *api) health(c *gin.Context) {
	checks := map[string]bool{}
	if a.cfg.Health != nil {
		checks = a.cfg.Health(c.Request.Context())
	}
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, ok := range checks {
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (a *api) registerStation(c *gin.Context) {
	var req struct {
		StationID     string `json:"station_id" binding:"required"`
		EnrollmentKey string `json:"enrollment_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if a.cfg.EnrollmentKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ENROLLMENT_DISABLED", "message": "station enrollment is not configured"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.EnrollmentKey), []byte(a.cfg.EnrollmentKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "invalid enrollment key"})
		return
	}
	tok, exp, err := a.signer.Issue("station:"+req.StationID, auth.RoleStaff)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	a.log.Info("station enrolled", "station", req.StationID)
	c.JSON(http.StatusCreated, gin.H{"access_token": tok, "expires_at": exp.Unix()})
}

func (a *api) phase(c *gin.Context) {
	view, err := a.svc.Phase(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) issueCredential(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	cred, err := a.gen.Issue(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"credential":        cred,
		"remaining_seconds": int64(cred.Remaining(a.gen.Now()) / time.Second),
	})
}

func (a *api) credentialPNG(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	cred, err := a.gen.Current(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		handleError(c, a.log, &attendance.Error{Kind: attendance.KindTransientIO, Message: "read credential", Err: err})
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NO_ACTIVE_CREDENTIAL", "message": "no active credential, request one first"})
		return
	}
	size := 256
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}
	png, err := qrcode.Encode(cred.Payload, qrcode.Medium, size)
	if err != nil {
		a.log.Error("render credential", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RENDER_FAILED", "message": "could not render credential"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Credential-Expires-At", cred.ExpiresAt.Format(time.RFC3339))
	c.Data(http.StatusOK, "image/png", png)
}

// live streams the participant's check-in screen state as server-sent
// events until the client goes away.
func (a *api) live(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	ctx := c.Request.Context()
	states, err := a.gen.NewSession(a.svc, claims.Subject, c.Param("id"), a.cfg.UITick).Run(ctx)
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		st, ok := <-states
		if !ok {
			return false
		}
		c.SSEvent("state", st)
		return true
	})
}

func (a *api) status(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	view, err := a.svc.Status(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) submitExcuse(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Notes  string `json:"notes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := a.svc.SubmitExcuse(c.Request.Context(), c.Param("id"), claims.Subject, attendance.Status(req.Status), req.Notes)
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (a *api) scan(c *gin.Context) {
	var req attendance.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	req.ActorID = claims.Subject
	out, err := a.svc.Validate(c.Request.Context(), req)
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) scanHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	scans, err := a.svc.ScanHistory(c.Request.Context(), c.Param("code"), limit)
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (a *api) records(c *gin.Context) {
	recs, err := a.svc.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (a *api) mark(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
		Status        string `json:"status" binding:"required"`
		Notes         string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := a.svc.Mark(c.Request.Context(), attendance.MarkRequest{
		ActivityID:    c.Param("id"),
		ParticipantID: req.ParticipantID,
		Status:        attendance.Status(req.Status),
		ActorID:       claims.Subject,
		Notes:         req.Notes,
	})
	if err != nil {
		handleError(c, a.log, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Credential-Expires-At"},
		MaxAge:        24 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		if len(origins) == 0 {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = origins
		}
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
