package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/dispatcher"
	"github.com/zemo/api/internal/handler"
	"github.com/zemo/api/internal/middleware"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/pipeline"
	"github.com/zemo/api/internal/ratelimit"
	"github.com/zemo/api/internal/reporter"
	"github.com/zemo/api/internal/service"
	"github.com/zemo/api/internal/store/memstore"
	ws "github.com/zemo/api/internal/websocket"
	"github.com/zemo/api/internal/worker"
)

const testUserID = "test-user-123"

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *memstore.Store
}

type appOptions struct {
	// startWorkers runs the worker pools so submitted jobs execute.
	startWorkers bool
	submitPerMin int
}

// setupApp builds the same routes as the server on in-memory stores and
// queue. Executors are fakes: search echoes its keyword, scrape always
// fails, the rest return nothing.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := memstore.New()
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	registry := worker.NewRegistry()
	registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		task.Report.Progress(1, 1, "searched")
		return map[string]any{"keyword": task.Params["keyword"]}, nil
	}))
	registry.Register(model.JobTypeScrape, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		return nil, apperr.E(apperr.Validation, "scrape", "no reachable urls")
	}))
	noop := worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) { return nil, nil })
	registry.Register(model.JobTypeAnalyze, noop)
	registry.Register(model.JobTypeGenerate, noop)
	registry.Register(model.JobTypePipeline, pipeline.NewCoordinator(registry, logger))

	limiter := ratelimit.NewMemory()
	rep := reporter.New(s, hub, logger, nil)
	d := dispatcher.New(s, dispatcher.NewMemoryBroker(), registry, limiter, rep,
		dispatcher.Config{BackoffBase: time.Millisecond}, nil, logger)
	if opts.startWorkers {
		if err := d.Start(ctx); err != nil {
			t.Fatalf("failed to start workers: %v", err)
		}
	}
	t.Cleanup(d.Shutdown)

	submitPerMin := opts.submitPerMin
	if submitPerMin == 0 {
		// Use a very high rate limit so tests don't get blocked
		submitPerMin = 10000
	}

	app := fiber.New()
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "executors": registry.Types()})
	})
	handler.Routes{
		Jobs:        handler.NewJobHandler(service.NewJobService(s, d, logger), validator.New(), logger),
		Hub:         hub,
		Auth:        middleware.GatewayAuthMiddleware(true),
		SubmitLimit: middleware.NewRateLimiter(limiter, logger).SubmitLimit(submitPerMin),
	}.Mount(app)

	return &testApp{app: app, store: s}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request carrying gateway identity headers.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"X-User-Id":    testUserID,
		"X-User-Email": "test@example.com",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode returns error.code of an error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

// submitJob submits a job and returns its id.
func submitJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	job := parseJSON(t, resp)["job"].(map[string]interface{})
	return job["id"].(string)
}

// waitForStatus polls a job until it reaches status or the deadline passes.
func waitForStatus(t *testing.T, ta *testApp, id string, status model.JobStatus) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+id, "")
		job := parseJSON(t, resp)
		if job["status"] == string(status) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %v, want %s", id, job["status"], status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
