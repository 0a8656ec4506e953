package gateway_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/actions"
	"github.com/weavr-dev/weavr/pkg/executor"
	"github.com/weavr-dev/weavr/pkg/gateway"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/scheduler"
	"github.com/weavr-dev/weavr/pkg/store"
	"github.com/weavr-dev/weavr/pkg/workflow"
)

const orderWorkflow = `
name: order-intake
triggers:
  - type: http.webhook
    config:
      path: orders
steps:
  - id: note
    action: transform
    config:
      template: "order received"
`

const deployWorkflow = `
name: deploy-notifier
triggers:
  - type: github.push
    config:
      branch: main
steps:
  - id: note
    action: transform
    config:
      template: "deploy"
`

func setupTestGateway(t *testing.T, cfg gateway.Config) (*fiber.App, *store.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := store.Open(context.Background(), logger, filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	reg := registry.NewRegistry(logger)
	require.NoError(t, actions.RegisterAll(reg))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(orderWorkflow), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.yaml"), []byte(deployWorkflow), 0o600))

	repo := workflow.NewRepository(dir, workflow.NewValidator(reg), logger)
	exec := executor.NewExecutor(logger, reg, executor.NewAssembler(logger, nil), executor.Callbacks{}, nil)

	sched := scheduler.NewScheduler(logger, st, reg, repo, exec, scheduler.Config{WorkflowDir: dir}, scheduler.Callbacks{})
	require.NoError(t, sched.LoadWorkflows(context.Background()))

	g := gateway.New(logger, sched, st, reg, cfg)

	return g.App(), st
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	return decoded
}

func TestWebhookEndpoint(t *testing.T) {
	app, st := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders",
		bytes.NewReader([]byte(`{"order_id": "o-42"}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	require.Len(t, decoded["triggered"], 1)
	require.Len(t, decoded["runIds"], 1)

	runID := decoded["runIds"].([]any)[0].(string)

	queued, err := st.GetQueuedRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "order-intake", queued.WorkflowName)
	assert.Equal(t, "o-42", queued.TriggerData["order_id"])
}

func TestWebhookEndpointNoMatch(t *testing.T) {
	app, _ := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/nothing-here", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookEndpointNonJSONBody(t *testing.T) {
	app, st := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders",
		bytes.NewReader([]byte("plain text payload")))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	runID := decoded["runIds"].([]any)[0].(string)

	queued, err := st.GetQueuedRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "plain text payload", queued.TriggerData["raw"])
}

func TestGitHubWebhookSignature(t *testing.T) {
	const secret = "hook-secret"

	app, _ := setupTestGateway(t, gateway.Config{GitHubWebhookSecret: secret})

	payload := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "weavr-dev/weavr"}}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signature)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	assert.Equal(t, []any{"deploy-notifier"}, decoded["triggered"])

	// Tampered payload fails verification.
	req = httptest.NewRequest(http.MethodPost, "/webhook/github",
		bytes.NewReader([]byte(`{"ref": "refs/heads/other"}`)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signature)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGitHubWebhookRequiresEventHeader(t *testing.T) {
	app, _ := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/github",
		bytes.NewReader([]byte(`{}`)))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunWorkflowEndpoint(t *testing.T) {
	app, st := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodPost, "/workflows/order-intake/run",
		bytes.NewReader([]byte(`{"reason": "manual test"}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	decoded := decodeBody(t, resp)
	require.NotEmpty(t, decoded["runId"])

	queued, err := st.GetQueuedRun(context.Background(), decoded["runId"].(string))
	require.NoError(t, err)
	assert.Equal(t, "manual test", queued.TriggerData["reason"])

	req = httptest.NewRequest(http.MethodPost, "/workflows/no-such-workflow/run", nil)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	app, _ := setupTestGateway(t, gateway.Config{})

	req := httptest.NewRequest(http.MethodGet, "/scheduler/status", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	assert.Len(t, decoded["schedules"], 2)
	assert.Contains(t, decoded["actions"], "transform")
	assert.Equal(t, float64(0), decoded["activeRuns"])
}

func TestRunHistoryEndpoints(t *testing.T) {
	app, st := setupTestGateway(t, gateway.Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.SaveCompletedRun(ctx, &models.CompletedRun{
		ID:           "run-1",
		WorkflowName: "order-intake",
		Status:       models.RunStatusSuccess,
		StartedAt:    now.Add(-time.Second),
		CompletedAt:  now,
		DurationMS:   1000,
		TriggerType:  models.TriggerTypeManual,
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs?workflow=order-intake&status=success", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	assert.Equal(t, float64(1), decoded["count"])

	req = httptest.NewRequest(http.MethodGet, "/runs/run-1", nil)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded = decodeBody(t, resp)
	assert.Equal(t, "run-1", decoded["id"])

	req = httptest.NewRequest(http.MethodGet, "/runs/missing", nil)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/runs?limit=bogus", nil)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenUsageEndpoint(t *testing.T) {
	app, st := setupTestGateway(t, gateway.Config{})
	ctx := context.Background()

	require.NoError(t, st.TrackTokenUsage(ctx, &models.TokenUsage{
		Timestamp:    time.Now().UTC(),
		InputTokens:  120,
		OutputTokens: 40,
		Model:        "gpt-4o-mini",
		WorkflowName: "order-intake",
		RunID:        "run-1",
	}))

	req := httptest.NewRequest(http.MethodGet, "/usage/tokens?workflow=order-intake", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeBody(t, resp)
	assert.Equal(t, float64(120), decoded["inputTokens"])
	assert.Equal(t, float64(40), decoded["outputTokens"])
	assert.Len(t, decoded["entries"], 1)
}
