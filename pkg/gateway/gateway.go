// Package gateway exposes the HTTP surface: inbound webhooks, manual run
// triggering, run history and token usage reporting, and scheduler
// status.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/scheduler"
	"github.com/weavr-dev/weavr/pkg/store"
)

// Config tunes the HTTP server.
type Config struct {
	Port int

	// GitHubWebhookSecret enables signature verification on
	// /webhook/github when set.
	GitHubWebhookSecret string
}

type Gateway struct {
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	store     *store.Store
	registry  *registry.Registry
	cfg       Config

	app *fiber.App
}

func New(
	logger *slog.Logger,
	sched *scheduler.Scheduler,
	st *store.Store,
	reg *registry.Registry,
	cfg Config,
) *Gateway {
	g := &Gateway{
		logger:    logger.With("module", "gateway"),
		scheduler: sched,
		store:     st,
		registry:  reg,
		cfg:       cfg,
	}

	g.app = g.buildApp()

	return g
}

// App returns the fiber application, mainly for tests.
func (g *Gateway) App() *fiber.App {
	return g.app
}

// Start blocks serving HTTP until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.InfoContext(ctx, "Gateway listening", "port", g.cfg.Port)

	return g.app.Listen(":" + strconv.Itoa(g.cfg.Port))
}

// Stop shuts the server down, draining in-flight requests.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.app.ShutdownWithContext(ctx)
}

func (g *Gateway) buildApp() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Weavr")
	})

	// The github route must be registered before the parameterized one.
	app.Post("/webhook/github", g.handleGitHubWebhook)
	app.Post("/webhook/:path", g.handleWebhook)

	w := app.Group("/workflows")
	w.Post("/:name/run", g.handleRunWorkflow)

	app.Get("/scheduler/status", g.handleSchedulerStatus)

	r := app.Group("/runs")
	r.Get("/", g.handleListRuns)
	r.Get("/:id", g.handleGetRun)

	app.Get("/usage/tokens", g.handleTokenUsage)

	return app
}

func (g *Gateway) handleWebhook(c fiber.Ctx) error {
	path := c.Params("path")
	if path == "" {
		return badRequest(c, "Webhook path is required")
	}

	data := parsePayload(c.Body())

	result, err := g.scheduler.TriggerWebhook(c.Context(), path, data)
	if err != nil {
		return internalError(c, err)
	}

	if len(result.Triggered) == 0 {
		return notFound(c, "No workflow listens on this webhook path")
	}

	return c.JSON(result)
}

func (g *Gateway) handleGitHubWebhook(c fiber.Ctx) error {
	body := c.Body()

	if g.cfg.GitHubWebhookSecret != "" {
		signature := c.Get("X-Hub-Signature-256")
		if !verifyGitHubSignature(g.cfg.GitHubWebhookSecret, body, signature) {
			return unauthorized(c, "Invalid webhook signature")
		}
	}

	eventType := c.Get("X-GitHub-Event")
	if eventType == "" {
		return badRequest(c, "X-GitHub-Event header is required")
	}

	data := parsePayload(body)

	result, err := g.scheduler.TriggerGitHubEvent(c.Context(), eventType, data)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(result)
}

func (g *Gateway) handleRunWorkflow(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Workflow name is required")
	}

	var data map[string]any
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &data); err != nil {
			return badRequest(c, "Invalid JSON body")
		}
	}

	runID, err := g.scheduler.TriggerManual(c.Context(), name, data)
	if err != nil {
		if errors.Is(err, models.ErrWorkflowNotFound) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId":    runID,
		"workflow": name,
	})
}

func (g *Gateway) handleSchedulerStatus(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"schedules":      g.scheduler.GetScheduledWorkflows(),
		"activeRuns":     g.scheduler.ActiveRuns(),
		"activeTriggers": g.scheduler.ActiveTriggers(),
		"actions":        g.registry.ActionNames(),
	})
}

func (g *Gateway) handleListRuns(c fiber.Ctx) error {
	filter, err := parseHistoryFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := g.store.GetRunHistory(c.Context(), *filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

func (g *Gateway) handleGetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := g.store.GetRunByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrHistoryNotFound) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(run)
}

func (g *Gateway) handleTokenUsage(c fiber.Ctx) error {
	filter := models.TokenUsageFilter{
		WorkflowName: c.Query("workflow"),
	}

	if daysStr := c.Query("days"); daysStr != "" {
		days, err := strconv.Atoi(daysStr)
		if err != nil {
			return badRequest(c, "Invalid days parameter")
		}

		filter.Days = days
	}

	summary, err := g.store.GetTokenUsage(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(summary)
}

// parseHistoryFilter reads pagination and filtering query parameters.
func parseHistoryFilter(c fiber.Ctx) (*models.HistoryFilter, error) {
	filter := &models.HistoryFilter{
		WorkflowName: c.Query("workflow"),
		Status:       models.RunStatus(c.Query("status")),
	}

	for param, target := range map[string]*int{
		"limit": &filter.Limit,
		"page":  &filter.Page,
		"days":  &filter.Days,
	} {
		value := c.Query(param)
		if value == "" {
			continue
		}

		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}

		*target = parsed
	}

	return filter, nil
}

// parsePayload decodes a JSON object body; anything else is wrapped as a
// raw payload so triggers still receive the bytes.
func parsePayload(body []byte) map[string]any {
	if len(body) == 0 {
		return map[string]any{}
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return map[string]any{"raw": string(body)}
	}

	return data
}

// verifyGitHubSignature checks the X-Hub-Signature-256 header against the
// HMAC-SHA256 of the payload.
func verifyGitHubSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
