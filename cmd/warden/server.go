package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fedimod/warden/models"
	"github.com/fedimod/warden/moderation/audit"
	"github.com/fedimod/warden/moderation/blocklist"
	"github.com/fedimod/warden/moderation/engine"
	"github.com/fedimod/warden/moderation/quota"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"
)

type Server struct {
	db     *gorm.DB
	eng    *engine.Engine
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
}

type Config struct {
	Logger *slog.Logger
	Bind   string
}

func NewServer(db *gorm.DB, eng *engine.Engine, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()

	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		db:     db,
		eng:    eng,
		echo:   e,
		logger: logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	e.POST("/upload/check", srv.HandleCheckUpload)
	e.GET("/quota/:accountID", srv.HandleQuota)

	admin := e.Group("/admin")
	admin.GET("/config", srv.HandleGetConfig)
	admin.PUT("/config", srv.HandleUpdateConfig)
	admin.GET("/instance", srv.HandleInstanceStatus)
	admin.GET("/quota/stats", srv.HandleQuotaStats)
	admin.POST("/quota/refresh", srv.HandleQuotaRefresh)
	admin.GET("/strikes", srv.HandleListStrikes)
	admin.POST("/strikes/:id/resolve", srv.HandleResolveStrike)
	admin.POST("/strikes/:id/dismiss", srv.HandleDismissStrike)
	admin.GET("/violators", srv.HandleTopViolators)
	admin.GET("/summary", srv.HandleSummary)
	admin.GET("/blocklist/stats", srv.HandleBlocklistStats)
	admin.POST("/blocklist/refresh", srv.HandleBlocklistRefresh)
	admin.GET("/blocklist/check", srv.HandleBlocklistCheck)
	admin.POST("/blocklist/local", srv.HandleBlocklistAddLocal)
	admin.DELETE("/blocklist/local/:domain", srv.HandleBlocklistRemoveLocal)
	admin.POST("/accounts/:id/unfreeze", srv.HandleUnfreezeAccount)
	admin.GET("/accounts/:id/report", srv.HandleLawEnforcementReport)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)
		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorHandler maps the moderation error taxonomy onto HTTP answers the web
// layer can relay to users.
func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var frozen *engine.FrozenAccountError
	var blocked *engine.BlockedDomainError
	var violation *engine.ContentViolationError
	var validation *engine.ValidationError
	var exceeded *quota.ExceededError
	var limited *quota.RateLimitedError
	var httpErr *echo.HTTPError

	switch {
	case errors.As(err, &frozen):
		c.JSON(http.StatusForbidden, errorResponse{Kind: "frozen", Message: frozen.Error(), Details: frozen})
	case errors.As(err, &blocked):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Kind: "blocked_domain", Message: blocked.Error(), Details: blocked})
	case errors.As(err, &violation):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Kind: "content_violation", Message: violation.Error(), Details: violation})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{Kind: "validation", Message: validation.Error()})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Kind: "quota_exceeded", Message: exceeded.Error(), Details: exceeded.Result})
	case errors.As(err, &limited):
		c.JSON(http.StatusTooManyRequests, errorResponse{Kind: "rate_limited", Message: limited.Error()})
	case errors.As(err, &httpErr):
		c.JSON(httpErr.Code, errorResponse{Kind: "http", Message: http.StatusText(httpErr.Code)})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Kind: "not_found", Message: "not found"})
	default:
		srv.logger.Error("unhandled request error", "err", err, "path", c.Path())
		c.JSON(http.StatusInternalServerError, errorResponse{Kind: "internal", Message: "internal server error"})
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type checkUploadRequest struct {
	AccountID   uint    `json:"account_id"`
	Kind        string  `json:"kind"`
	ContentType string  `json:"content_type"`
	FileName    string  `json:"file_name"`
	Path        string  `json:"path"`
	Text        string  `json:"text"`
	SizeBytes   int64   `json:"size_bytes"`
	SourceIP    *string `json:"source_ip,omitempty"`
}

type checkUploadResponse struct {
	Allowed   bool   `json:"allowed"`
	Status    string `json:"status"`
	UploadID  uint   `json:"upload_id"`
	Sensitive bool   `json:"sensitive"`
}

func (srv *Server) HandleCheckUpload(c echo.Context) error {
	var req checkUploadRequest
	if err := c.Bind(&req); err != nil {
		return &engine.ValidationError{Reason: "malformed request body"}
	}
	adm, err := srv.eng.Admit(c.Request().Context(), engine.UploadRequest{
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		ContentType: req.ContentType,
		FileName:    req.FileName,
		Path:        req.Path,
		Text:        req.Text,
		SizeBytes:   req.SizeBytes,
		SourceIP:    req.SourceIP,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, checkUploadResponse{
		Allowed:   true,
		Status:    adm.Status,
		UploadID:  adm.Upload.ID,
		Sensitive: adm.Sensitive,
	})
}

func (srv *Server) HandleQuota(c echo.Context) error {
	accountID, err := strconv.ParseUint(c.Param("accountID"), 10, 64)
	if err != nil {
		return &engine.ValidationError{Reason: "invalid account id"}
	}
	var account models.Account
	if err := srv.db.First(&account, accountID).Error; err != nil {
		return err
	}
	result, err := srv.eng.Quota.QuotaFor(c.Request().Context(), &account)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (srv *Server) HandleGetConfig(c echo.Context) error {
	state, err := srv.eng.Ledger.GetInstanceState(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

type configUpdate struct {
	Enabled               *bool   `json:"enabled"`
	PornDetection         *bool   `json:"porn_detection"`
	HateDetection         *bool   `json:"hate_detection"`
	IllegalDetection      *bool   `json:"illegal_detection"`
	AutoDeleteViolations  *bool   `json:"auto_delete_violations"`
	InstanceFreezeEnabled *bool   `json:"instance_freeze_enabled"`
	ClassifierEndpoint    *string `json:"classifier_endpoint"`
	VisionModel           *string `json:"vision_model"`
	TextModel             *string `json:"text_model"`
	AdminAlertEmail       *string `json:"admin_alert_email"`
	AlarmThreshold        *int    `json:"alarm_threshold"`
}

func (srv *Server) HandleUpdateConfig(c echo.Context) error {
	ctx := c.Request().Context()
	var upd configUpdate
	if err := c.Bind(&upd); err != nil {
		return &engine.ValidationError{Reason: "malformed request body"}
	}
	state, err := srv.eng.Ledger.GetInstanceState(ctx)
	if err != nil {
		return err
	}

	if upd.Enabled != nil {
		state.Enabled = *upd.Enabled
	}
	if upd.PornDetection != nil {
		state.PornDetection = *upd.PornDetection
	}
	if upd.HateDetection != nil {
		state.HateDetection = *upd.HateDetection
	}
	if upd.IllegalDetection != nil {
		state.IllegalDetection = *upd.IllegalDetection
	}
	if upd.AutoDeleteViolations != nil {
		state.AutoDeleteViolations = *upd.AutoDeleteViolations
	}
	if upd.InstanceFreezeEnabled != nil {
		state.InstanceFreezeEnabled = *upd.InstanceFreezeEnabled
	}
	if upd.ClassifierEndpoint != nil {
		state.ClassifierEndpoint = *upd.ClassifierEndpoint
	}
	if upd.VisionModel != nil {
		state.VisionModel = *upd.VisionModel
	}
	if upd.TextModel != nil {
		state.TextModel = *upd.TextModel
	}
	if upd.AdminAlertEmail != nil {
		state.AdminAlertEmail = *upd.AdminAlertEmail
	}
	if upd.AlarmThreshold != nil && *upd.AlarmThreshold > 0 {
		state.AlarmThreshold = *upd.AlarmThreshold
	}

	if err := srv.db.WithContext(ctx).Save(state).Error; err != nil {
		return err
	}
	if srv.eng.Audit != nil {
		srv.eng.Audit.AdminOverride(ctx, 0, 0, "moderation config updated")
	}
	// threshold changes may flip the breaker
	if err := srv.eng.Breaker.Reassess(ctx); err != nil {
		srv.logger.Error("breaker reassessment after config update failed", "err", err)
	}
	return c.JSON(http.StatusOK, state)
}

func (srv *Server) HandleInstanceStatus(c echo.Context) error {
	ctx := c.Request().Context()
	state, err := srv.eng.Ledger.GetInstanceState(ctx)
	if err != nil {
		return err
	}
	unresolved, err := srv.eng.Ledger.UnresolvedCount(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"enabled":            state.Enabled,
		"instance_frozen":    state.InstanceFrozen,
		"instance_frozen_at": state.InstanceFrozenAt,
		"alarm_threshold":    state.AlarmThreshold,
		"unresolved_strikes": unresolved,
	})
}

func (srv *Server) HandleQuotaStats(c echo.Context) error {
	stats, err := srv.eng.Quota.SystemStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (srv *Server) HandleQuotaRefresh(c echo.Context) error {
	srv.eng.Quota.Refresh(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"status": "refreshed"})
}

func (srv *Server) HandleListStrikes(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	strikes, err := srv.eng.Ledger.ListUnresolved(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, strikes)
}

type reviewRequest struct {
	ReviewerID uint   `json:"reviewer_id"`
	Notes      string `json:"notes"`
}

func (srv *Server) HandleResolveStrike(c echo.Context) error {
	strikeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return &engine.ValidationError{Reason: "invalid strike id"}
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return &engine.ValidationError{Reason: "malformed request body"}
	}
	strike, err := srv.eng.ResolveStrike(c.Request().Context(), uint(strikeID), req.ReviewerID, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, strike)
}

func (srv *Server) HandleDismissStrike(c echo.Context) error {
	strikeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return &engine.ValidationError{Reason: "invalid strike id"}
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return &engine.ValidationError{Reason: "malformed request body"}
	}
	strike, err := srv.eng.DismissStrike(c.Request().Context(), uint(strikeID), req.ReviewerID, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, strike)
}

func (srv *Server) HandleTopViolators(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	violators, err := srv.eng.Ledger.TopViolators(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, violators)
}

func (srv *Server) HandleSummary(c echo.Context) error {
	days, _ := strconv.Atoi(c.QueryParam("days"))
	summary, err := srv.eng.Ledger.Summarize(c.Request().Context(), days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

func (srv *Server) HandleBlocklistStats(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.eng.Blocklist.Stats())
}

func (srv *Server) HandleBlocklistRefresh(c echo.Context) error {
	if err := srv.eng.Blocklist.Refresh(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, srv.eng.Blocklist.Stats())
}

func (srv *Server) HandleBlocklistCheck(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return &engine.ValidationError{Reason: "missing domain parameter"}
	}
	return c.JSON(http.StatusOK, srv.eng.Blocklist.Check(domain))
}

type localBlockRequest struct {
	Domain   string `json:"domain"`
	Tier     string `json:"tier"`
	Category string `json:"category"`
}

func (srv *Server) HandleBlocklistAddLocal(c echo.Context) error {
	var req localBlockRequest
	if err := c.Bind(&req); err != nil {
		return &engine.ValidationError{Reason: "malformed request body"}
	}
	if req.Domain == "" {
		return &engine.ValidationError{Reason: "missing domain"}
	}
	tier := blocklist.Tier(req.Tier)
	if tier != blocklist.TierHard && tier != blocklist.TierSoft {
		return &engine.ValidationError{Reason: "tier must be hard or soft"}
	}
	srv.eng.Blocklist.AddLocal(req.Domain, tier, req.Category)
	if srv.eng.Audit != nil {
		srv.eng.Audit.AdminOverride(c.Request().Context(), 0, 0, "local blocklist add: "+req.Domain)
	}
	return c.JSON(http.StatusOK, srv.eng.Blocklist.Check(req.Domain))
}

func (srv *Server) HandleBlocklistRemoveLocal(c echo.Context) error {
	domain := c.Param("domain")
	srv.eng.Blocklist.RemoveLocal(domain)
	if srv.eng.Audit != nil {
		srv.eng.Audit.AdminOverride(c.Request().Context(), 0, 0, "local blocklist remove: "+domain)
	}
	return c.JSON(http.StatusOK, srv.eng.Blocklist.Check(domain))
}

func (srv *Server) HandleUnfreezeAccount(c echo.Context) error {
	ctx := c.Request().Context()
	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return &engine.ValidationError{Reason: "invalid account id"}
	}
	if err := srv.eng.Freeze.Unfreeze(ctx, uint(accountID)); err != nil {
		return err
	}
	if srv.eng.Audit != nil {
		srv.eng.Audit.AdminOverride(ctx, 0, uint(accountID), "account unfrozen")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "unfrozen"})
}

func (srv *Server) HandleLawEnforcementReport(c echo.Context) error {
	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return &engine.ValidationError{Reason: "invalid account id"}
	}
	reporter := audit.NewReporter(srv.db, srv.eng.Audit, srv.logger)
	report, err := reporter.BuildReport(c.Request().Context(), uint(accountID), 0, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
