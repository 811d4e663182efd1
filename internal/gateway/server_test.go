package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/config"
	"hearth/internal/devices"
	"hearth/internal/energy"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/perf"
	"hearth/internal/sampler"
	"hearth/internal/security"
	"hearth/internal/settings"
	"hearth/internal/supervisor"
)

type fakeDeviceService struct {
	mu       sync.Mutex
	err      error
	setCalls []string
	flows    []string
}

func (f *fakeDeviceService) GetDevices(ctx context.Context) (map[string]devices.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]devices.Device{"lamp": {ID: "lamp", Capabilities: []string{"onoff"}}}, nil
}

func (f *fakeDeviceService) GetZones(ctx context.Context) (map[string]devices.Zone, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]devices.Zone{"hall": {ID: "hall", DisplayName: "Hall"}}, nil
}

func (f *fakeDeviceService) SetCapability(ctx context.Context, deviceID, capability string, value any) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, deviceID+"/"+capability)
	return nil
}

func (f *fakeDeviceService) TriggerFlow(ctx context.Context, flowID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = append(f.flows, flowID)
	return nil
}

type gatewayFixture struct {
	server  *Server
	devices *fakeDeviceService
	sup     *supervisor.Supervisor
	errs    *herrors.Service
	bus     *bus.Bus
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:          "development",
		HTTPHost:             "127.0.0.1",
		HTTPPort:             0,
		AllowedOrigins:       []string{"http://dashboard.local"},
		RateLimitPerMinute:   600,
		MaxBodyBytes:         1 << 20,
		DeviceTimeoutSeconds: 3,
	}
}

func newGatewayFixture(t *testing.T, cfg *config.Config, modules ...supervisor.Module) *gatewayFixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	clk := clock.NewManual(time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC))
	b := bus.New(logging.Nop())
	errs := herrors.NewService(clk, nil, b)
	b.SetErrorRecorder(errs)

	sup := supervisor.New(clk, nil, b, errs)
	for _, m := range modules {
		require.NoError(t, sup.Register(m))
	}

	store := settings.NewMemory()
	samples := sampler.New(clk, nil, errs, "energy", time.Minute)
	energySvc := energy.NewService(clk, nil, samples, store, b, 2.5)
	securitySvc := security.NewService(clk, nil, store, b, nil)
	monitor := perf.NewMonitor(clk, nil)
	fake := &fakeDeviceService{}

	server, err := NewServer(Deps{
		Config:     cfg,
		Logger:     logging.Nop(),
		Errors:     errs,
		Monitor:    monitor,
		Supervisor: sup,
		Devices:    fake,
		Energy:     energySvc,
		Security:   securitySvc,
	})
	require.NoError(t, err)

	return &gatewayFixture{server: server, devices: fake, sup: sup, errs: errs, bus: b}
}

func (f *gatewayFixture) do(method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func TestHealthAndReadiness(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code,
		"readiness must lag liveness until the load pass completes")

	f.sup.LoadAll(context.Background())
	w = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetCapabilityValidation(t *testing.T) {
	f := newGatewayFixture(t, nil)

	longID := strings.Repeat("a", 129)
	w := f.do(http.MethodPost, "/api/device/"+longID+"/capability/onoff", `{"value":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid device ID", decode(t, w)["error"])

	okID := strings.Repeat("a", 128)
	w = f.do(http.MethodPost, "/api/device/"+okID+"/capability/onoff", `{"value":true}`)
	assert.Equal(t, http.StatusOK, w.Code, "an id of exactly 128 chars is valid")

	longCap := strings.Repeat("c", 65)
	w = f.do(http.MethodPost, "/api/device/lamp/capability/"+longCap, `{"value":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid capability", decode(t, w)["error"])

	okCap := strings.Repeat("c", 64)
	w = f.do(http.MethodPost, "/api/device/lamp/capability/"+okCap, `{"value":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetCapabilityUnknownDevice(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.devices.err = fmt.Errorf("lookup: %w", devices.ErrDeviceNotFound)

	w := f.do(http.MethodPost, "/api/device/ghost/capability/onoff", `{"value":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSceneValidation(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodPost, "/api/scene/"+strings.Repeat("s", 129), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid scene ID", decode(t, w)["error"])

	w = f.do(http.MethodPost, "/api/scene/movie-night", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"movie-night"}, f.devices.flows)
}

func TestSecurityModeEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodPost, "/api/security/mode", `{"mode":"invalid-mode"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/security/mode", `{"mode":"home"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	payload := decode(t, w)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "home", payload["mode"])

	w = f.do(http.MethodGet, "/api/security", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "home", decode(t, w)["mode"])
}

func TestDashboardFallsBackToDemoData(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.devices.err = errors.New("connection refused")

	w := f.do(http.MethodGet, "/api/dashboard", "")
	assert.Equal(t, http.StatusOK, w.Code, "degraded dashboard still answers 200")
	payload := decode(t, w)
	assert.Equal(t, true, payload["demo"])
	assert.NotEmpty(t, payload["devices"])
}

func TestContentTypeRequiredOnMutations(t *testing.T) {
	f := newGatewayFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/security/mode", strings.NewReader(`{"mode":"home"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestRequestIDEchoedOrMinted(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodGet, "/health", "", func(r *http.Request) {
		r.Header.Set("X-Request-ID", "req-42")
	})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = f.do(http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newGatewayFixture(t, nil)
	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.NotEmpty(t, w.Header().Get("Referrer-Policy"))
}

func TestRateLimitRejectsExcess(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	f := newGatewayFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
}

func TestInternalOnlyGuard(t *testing.T) {
	cfg := testConfig()
	cfg.InternalToken = "sesame"
	f := newGatewayFixture(t, cfg)

	// httptest's default RemoteAddr is 192.0.2.1, a public TEST-NET address.
	w := f.do(http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/api/stats", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sesame")
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/stats", "", func(r *http.Request) {
		r.RemoteAddr = "127.0.0.1:9999"
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/metrics", "", func(r *http.Request) {
		r.RemoteAddr = "10.0.0.7:1234"
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "smarthome_requests_total")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodGet, "/health", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://evil.example")
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/health", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://dashboard.local")
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

type panicModule struct{}

func (panicModule) Name() string { return "flaky" }

func (panicModule) RegisterRoutes(r gin.IRouter) {
	r.GET("/boom", func(c *gin.Context) {
		panic("unexpected")
	})
}

func TestPanicMapsToInternalError(t *testing.T) {
	f := newGatewayFixture(t, nil, panicModule{})

	w := f.do(http.MethodGet, "/api/modules/flaky/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decode(t, w)["error"])

	history := f.errs.History(5)
	require.NotEmpty(t, history, "the panic must be recorded")
	assert.Equal(t, herrors.SeverityCritical, history[0].Severity)
}

func TestModuleRoutesArePrefixed(t *testing.T) {
	f := newGatewayFixture(t, nil, panicModule{})

	w := f.do(http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusNotFound, w.Code,
		"module routes live only under /api/modules/<id>")
}

func TestEnergyEndpoints(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.do(http.MethodGet, "/api/energy", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/energy/analytics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	payload := decode(t, w)
	assert.Equal(t, 2.5, payload["tariffSekPerKwh"])
}
