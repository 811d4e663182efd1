package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/config"
	"hearth/internal/devices"
)

func testAppConfig() *config.Config {
	return &config.Config{
		Environment:          "development",
		HTTPHost:             "127.0.0.1",
		HTTPPort:             0,
		AllowedOrigins:       []string{"*"},
		RateLimitPerMinute:   600,
		MaxBodyBytes:         1 << 20,
		DeviceTimeoutSeconds: 3,
		DefaultTariffSEK:     2.5,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	application, err := New(testAppConfig(), nil, devices.NewDemoManager())
	require.NoError(t, err)
	return application
}

func (a *App) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.Gateway.Handler().ServeHTTP(w, req)
	return w
}

func TestAppLoadsAllModules(t *testing.T) {
	application := newTestApp(t)
	defer application.Shutdown(context.Background())

	result := application.Start(context.Background())
	assert.Equal(t, result.Total, result.Ready)
	assert.Empty(t, result.Failed)

	w := application.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHeatingRoutesThroughGateway(t *testing.T) {
	application := newTestApp(t)
	defer application.Shutdown(context.Background())
	application.Start(context.Background())

	w := application.request(t, http.MethodPost, "/api/modules/heating/zones",
		`{"id":"bath","name":"Bathroom","type":"electric","material":"tile","bathroom":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = application.request(t, http.MethodPost, "/api/modules/heating/zones/bath/target", `{"temp":23.5}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = application.request(t, http.MethodGet, "/api/modules/heating/zones/bath", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 23.5, status["targetTemp"])

	w = application.request(t, http.MethodPost, "/api/modules/heating/zones/bath/target", `{"temp":36}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "36 degrees is outside the settable range")

	w = application.request(t, http.MethodDelete, "/api/modules/heating/zones/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "mutating an unknown zone is a typed refusal")
}

func TestAutomationRoutesThroughGateway(t *testing.T) {
	application := newTestApp(t)
	defer application.Shutdown(context.Background())
	application.Start(context.Background())

	w := application.request(t, http.MethodPost, "/api/modules/automations/",
		`{"name":"evening lights","actions":[{"type":"scene","sceneId":"evening"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.True(t, strings.HasPrefix(id, "auto_"))
	assert.Equal(t, float64(5), created["priority"], "priority defaults to 5")
	assert.Equal(t, "AND", created["conditionLogic"])

	w = application.request(t, http.MethodPost, "/api/modules/automations/"+id+"/trigger", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, true, result["executed"])

	w = application.request(t, http.MethodPost, "/api/modules/automations/",
		`{"name":"broken","conditionLogic":"CUSTOM","customLogicExpr":"1==1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code,
		"a custom expression outside the safe grammar is refused at create time")
}

func TestDeviceControlEndToEnd(t *testing.T) {
	application := newTestApp(t)
	defer application.Shutdown(context.Background())
	application.Start(context.Background())

	w := application.request(t, http.MethodPost,
		"/api/device/demo-light-livingroom/capability/onoff", `{"value":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = application.request(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Devices map[string]devices.Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, false, payload.Devices["demo-light-livingroom"].CapabilityValues["onoff"])
}

func TestShutdownLeavesNoTimers(t *testing.T) {
	application := newTestApp(t)
	application.Start(context.Background())

	// The heating loop, the gauge sampler and the consumption sampler all
	// own timers while running.
	require.NotEmpty(t, application.Clock.ActiveTimers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	application.Shutdown(ctx)

	assert.Empty(t, application.Clock.ActiveTimers(),
		"every module must release its timers on destroy")
}
