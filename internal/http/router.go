package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/service/auth"
	"github.com/skiffworks/skiff/internal/service/deploy"
	"github.com/skiffworks/skiff/internal/service/domains"
	"github.com/skiffworks/skiff/internal/service/logs"
	"github.com/skiffworks/skiff/internal/service/project"
	"github.com/skiffworks/skiff/internal/service/webhook"
	"github.com/skiffworks/skiff/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	project  project.Service
	deploy   deploy.Service
	logs     logs.Service
	webhook  webhook.Service
	domains  domains.Service
	enqueuer webhook.Enqueuer
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 50
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, projectSvc project.Service, deploySvc deploy.Service, logSvc logs.Service, webhookSvc webhook.Service, domainSvc domains.Service, enqueuer webhook.Enqueuer, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		project:  projectSvc,
		deploy:   deploySvc,
		logs:     logSvc,
		webhook:  webhookSvc,
		domains:  domainSvc,
		enqueuer: enqueuer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/projects", r.audit(r.handlerAuthRate("/projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit(r.handlerAuthRate("/projects/", rateLimitUserWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments", r.audit(r.handlerAuthRate("/deployments", rateLimitUserRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.handlerAuthRate("/deployments/", rateLimitUserRead, rateWindowDefault, r.handleDeploymentByID)))
	r.mux.HandleFunc("/domains", r.audit(r.handlerAuthRate("/domains", rateLimitUserWrite, rateWindowDefault, r.handleDomains)))
	r.mux.HandleFunc("/domains/", r.audit(r.handlerAuthRate("/domains/", rateLimitUserWrite, rateWindowDefault, r.handleDomainSubroutes)))
	r.mux.HandleFunc("/webhooks/", r.audit(r.withRateLimit("/webhooks/", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handlerAuthRate("/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	payload := map[string]any{"status": status}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			payload["status"] = status
			payload["database"] = err.Error()
		} else {
			payload["database"] = "ok"
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":         map[string]any{"id": user.ID, "email": user.Email},
		"access_token": token.AccessToken,
		"expires_in":   int(token.ExpiresIn.Seconds()),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         map[string]any{"id": user.ID, "email": user.Email},
		"access_token": token.AccessToken,
		"expires_in":   int(token.ExpiresIn.Seconds()),
	})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.project.List(req.Context(), info.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(projects))
		for _, p := range projects {
			payload = append(payload, projectPayload(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": payload})
	case http.MethodPost:
		var body struct {
			Name         string `json:"name"`
			RepoURL      string `json:"repo_url"`
			Branch       string `json:"branch"`
			BuildCommand string `json:"build_command"`
			OutputDir    string `json:"output_dir"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		p, secret, err := r.project.Create(req.Context(), info.UserID, project.CreateInput{
			Name:         body.Name,
			RepoURL:      body.RepoURL,
			Branch:       body.Branch,
			BuildCommand: body.BuildCommand,
			OutputDir:    body.OutputDir,
		})
		if err != nil {
			if isValidationError(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeServiceError(w, err)
			return
		}
		payload := projectPayload(*p)
		payload["webhook_secret"] = secret
		writeJSON(w, http.StatusCreated, payload)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleProjectByID(w, req, info.UserID, projectID)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "env":
			r.handleProjectEnv(w, req, info.UserID, projectID)
			return
		case "webhook-secret":
			r.handleWebhookSecretRotate(w, req, info.UserID, projectID)
			return
		}
	}
	r.notFound(w)
}

func (r *Router) handleProjectByID(w http.ResponseWriter, req *http.Request, userID, projectID string) {
	switch req.Method {
	case http.MethodGet:
		p, err := r.project.Get(req.Context(), userID, projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectPayload(*p))
	case http.MethodPatch:
		var body struct {
			Name         *string `json:"name"`
			RepoURL      *string `json:"repo_url"`
			Branch       *string `json:"branch"`
			BuildCommand *string `json:"build_command"`
			OutputDir    *string `json:"output_dir"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		p, err := r.project.Update(req.Context(), userID, projectID, project.UpdateInput{
			Name:         body.Name,
			RepoURL:      body.RepoURL,
			Branch:       body.Branch,
			BuildCommand: body.BuildCommand,
			OutputDir:    body.OutputDir,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectPayload(*p))
	case http.MethodDelete:
		if err := r.project.Delete(req.Context(), userID, projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectEnv(w http.ResponseWriter, req *http.Request, userID, projectID string) {
	switch req.Method {
	case http.MethodGet:
		keys, err := r.project.ListEnvKeys(req.Context(), userID, projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPost:
		var body struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.project.SetEnvVar(req.Context(), userID, projectID, body.Key, body.Value); err != nil {
			if isValidationError(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhookSecretRotate(w http.ResponseWriter, req *http.Request, userID, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	secret, err := r.project.RotateWebhookSecret(req.Context(), userID, projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_secret": secret})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var body struct {
			ProjectID     string `json:"project_id"`
			CommitSHA     string `json:"commit_sha"`
			CommitMessage string `json:"commit_message"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "project_id is required")
			return
		}
		if _, err := r.project.Get(req.Context(), info.UserID, body.ProjectID); err != nil {
			writeServiceError(w, err)
			return
		}
		deployment, err := r.deploy.Create(req.Context(), body.ProjectID, body.CommitSHA, body.CommitMessage)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		r.enqueuer.Enqueue(*deployment)
		writeJSON(w, http.StatusCreated, deploymentPayload(*deployment))
	case http.MethodGet:
		projectID := req.URL.Query().Get("project_id")
		if projectID == "" {
			writeError(w, http.StatusBadRequest, "project_id query parameter required")
			return
		}
		if _, err := r.project.Get(req.Context(), info.UserID, projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		limit := defaultListLimit
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		deployments, err := r.deploy.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(deployments))
		for _, deployment := range deployments {
			payload = append(payload, deploymentPayload(deployment))
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": payload})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	snapshot, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if _, err := r.project.Get(req.Context(), info.UserID, snapshot.Deployment.ProjectID); err != nil {
		writeServiceError(w, err)
		return
	}
	payload := deploymentPayload(snapshot.Deployment)
	payload["build_logs"] = snapshot.BuildLogs
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDomains(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var body struct {
			ProjectID string `json:"project_id"`
			Name      string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if _, err := r.project.Get(req.Context(), info.UserID, body.ProjectID); err != nil {
			writeServiceError(w, err)
			return
		}
		hostname, err := r.domains.Attach(req.Context(), body.ProjectID, body.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, hostnamePayload(*hostname))
	case http.MethodGet:
		projectID := req.URL.Query().Get("project_id")
		if projectID == "" {
			writeError(w, http.StatusBadRequest, "project_id query parameter required")
			return
		}
		if _, err := r.project.Get(req.Context(), info.UserID, projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		hostnames, err := r.domains.List(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(hostnames))
		for _, hostname := range hostnames {
			payload = append(payload, hostnamePayload(hostname))
		}
		writeJSON(w, http.StatusOK, map[string]any{"domains": payload})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDomainSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/domains/")
	parts := strings.Split(trimmed, "/")
	hostnameID := parts[0]
	if hostnameID == "" {
		r.notFound(w)
		return
	}
	hostname, err := r.domains.Get(req.Context(), hostnameID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if _, err := r.project.Get(req.Context(), info.UserID, hostname.ProjectID); err != nil {
		writeServiceError(w, err)
		return
	}
	if len(parts) == 2 && parts[1] == "verify" {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		verified, err := r.domains.Verify(req.Context(), hostnameID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hostnamePayload(*verified))
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, hostnamePayload(*hostname))
	case http.MethodDelete:
		if err := r.domains.Detach(req.Context(), hostnameID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	provider := strings.TrimPrefix(req.URL.Path, "/webhooks/")
	if provider != webhook.ProviderGitHub && provider != webhook.ProviderGitLab {
		r.notFound(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	result, err := r.webhook.HandlePush(req.Context(), provider, body, webhookSignature(req))
	if err != nil {
		// A push for a repository nobody registered is not the sender's
		// problem. Acknowledge it so the provider does not retry.
		if errors.Is(err, webhook.ErrUnknownRepository) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "skipped": 0})
			return
		}
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	if len(result.Triggered) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "skipped": result.Skipped})
		return
	}
	payload := make([]map[string]any, 0, len(result.Triggered))
	for _, deployment := range result.Triggered {
		payload = append(payload, deploymentPayload(deployment))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "deployments": payload})
}

// webhookSignature pulls the HMAC signature from whichever header the
// provider uses.
func webhookSignature(req *http.Request) string {
	for _, header := range []string{"X-Hub-Signature-256", "X-Gitlab-Token", "X-Webhook-Signature"} {
		if value := strings.TrimSpace(req.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	snapshot, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if _, err := r.project.Get(req.Context(), info.UserID, snapshot.Deployment.ProjectID); err != nil {
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(deploymentID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func projectPayload(p domain.Project) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"name":          p.Name,
		"repo_url":      p.RepoURL,
		"branch":        p.Branch,
		"build_command": p.BuildCommand,
		"output_dir":    p.OutputDir,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
	}
}

func deploymentPayload(d domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":             d.ID,
		"project_id":     d.ProjectID,
		"status":         d.Status,
		"commit_sha":     d.CommitSHA,
		"commit_message": d.CommitMessage,
		"deployment_url": d.URL,
		"error_message":  d.Error,
		"created_at":     d.CreatedAt,
		"updated_at":     d.UpdatedAt,
	}
	if d.CompletedAt != nil {
		payload["completed_at"] = *d.CompletedAt
	}
	return payload
}

func hostnamePayload(h domain.Hostname) map[string]any {
	payload := map[string]any{
		"id":           h.ID,
		"project_id":   h.ProjectID,
		"name":         h.Name,
		"verify_token": h.VerifyToken,
		"verified":     h.Verified,
		"created_at":   h.CreatedAt,
	}
	if h.VerifiedAt != nil {
		payload["verified_at"] = *h.VerifiedAt
	}
	return payload
}

// isValidationError reports whether err is plain input validation rather
// than a service failure.
func isValidationError(err error) bool {
	var invalid domain.ValidationError
	return errors.As(err, &invalid)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses paths with identifiers so metrics stay bounded.
func routeLabel(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	return "/" + parts[0]
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
