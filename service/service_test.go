package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkaryeong/reagent-ology/notify"
	"github.com/kkaryeong/reagent-ology/store"
)

type testEnv struct {
	store  *store.Store
	bus    *notify.Bus
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := notify.NewBus()
	svc := NewService(st, bus)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	return &testEnv{store: st, bus: bus, server: server}
}

func (e *testEnv) seedReagent(t *testing.T, tag string, tare, density float64) *store.Reagent {
	t.Helper()

	r, err := e.store.Upsert(context.Background(), store.UpsertParams{
		Name:          "toluene",
		TagUID:        tag,
		TareG:         tare,
		DensityGPerML: density,
	})
	require.NoError(t, err)

	return r
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	resp, err := http.Post(e.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp, decoded
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp, decoded
}

func TestEnqueueEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedReagent(t, "TAG-A", 0, 0)

	resp, body := env.postJSON(t, "/queue", map[string]string{"tag_uid": "TAG-A"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["job_id"])
}

func TestEnqueueUnknownTagIs404(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/queue", map[string]string{"tag_uid": "TAG-NOPE"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestEnqueueMissingTagIs400(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/queue", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimEmptyQueueYieldsNullJob(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/queue/next?agent=labpc-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Nil(t, body["job"])
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedReagent(t, "TAG-A", 0, 0)

	_, enq := env.postJSON(t, "/queue", map[string]string{"tag_uid": "TAG-A"})
	jobID := enq["job_id"].(string)

	resp, claim := env.postJSON(t, "/queue/next?agent=labpc-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	job := claim["job"].(map[string]any)
	assert.Equal(t, jobID, job["id"])
	assert.Equal(t, "TAG-A", job["tag_uid"])

	resp, done := env.postJSON(t, fmt.Sprintf("/queue/%s/done", jobID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, done["ok"])

	// Done again: idempotent
	resp, _ = env.postJSON(t, fmt.Sprintf("/queue/%s/done", jobID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFinishUnknownJobIs404(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/queue/no-such-job/done", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMeasureEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedReagent(t, "TAG-A", 2.0, 2.0)

	_, _ = env.postJSON(t, "/measure", map[string]any{
		"tag_uid": "TAG-A", "gross_weight_g": 12.0,
	})

	resp, body := env.postJSON(t, "/measure", map[string]any{
		"tag_uid": "TAG-A", "gross_weight_g": 15.0, "source": "scale-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	log := body["log"].(map[string]any)
	assert.InDelta(t, 13.0, log["net_g"].(float64), 1e-9)
	assert.InDelta(t, 3.0, log["delta_g"].(float64), 1e-9)
	assert.InDelta(t, 1.5, log["delta_ml"].(float64), 1e-9)

	reagent := body["reagent"].(map[string]any)
	assert.InDelta(t, 13.0, reagent["current_net_g"].(float64), 1e-9)
}

func TestMeasureValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedReagent(t, "TAG-A", 0, 0)

	resp, _ := env.postJSON(t, "/measure", map[string]any{"gross_weight_g": 5.0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postJSON(t, "/measure", map[string]any{"tag_uid": "TAG-A"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postJSON(t, "/measure", map[string]any{
		"tag_uid": "TAG-NOPE", "gross_weight_g": 5.0,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMeasurePublishesToSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.seedReagent(t, "TAG-A", 0, 0)

	sub := env.bus.Subscribe("TAG-A")
	defer sub.Close()

	resp, _ := env.postJSON(t, "/measure", map[string]any{
		"tag_uid": "TAG-A", "gross_weight_g": 9.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := <-sub.C
	var event map[string]any
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "measurement", event["type"])
	assert.Equal(t, "TAG-A", event["tag_uid"])
}

func TestReagentRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/reagents/upsert", map[string]any{
		"name": "hexane", "tag_uid": "TAG-H", "tare_g": 30.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reagent := body["reagent"].(map[string]any)
	id := int64(reagent["id"].(float64))

	resp, body = env.get(t, "/reagents/by-tag/TAG-H")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hexane", body["reagent"].(map[string]any)["name"])

	resp, body = env.get(t, fmt.Sprintf("/reagents/%d", id))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "TAG-H", body["reagent"].(map[string]any)["tag_uid"])

	resp, _ = env.get(t, "/reagents/by-tag/TAG-NOPE")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/reagents/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/reagents/not-a-number")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReagentLogsRoute(t *testing.T) {
	env := newTestEnv(t)
	r := env.seedReagent(t, "TAG-A", 0, 0)

	for _, gross := range []float64{5.0, 7.0} {
		resp, _ := env.postJSON(t, "/measure", map[string]any{
			"tag_uid": "TAG-A", "gross_weight_g": gross,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := env.get(t, fmt.Sprintf("/reagents/%d/logs?limit=1", r.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, 7.0, logs[0].(map[string]any)["gross_g"])

	resp, _ = env.get(t, "/reagents/999/logs")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestCORSHeaders(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := NewService(st, notify.NewBus(),
		WithCORSOrigins([]string{"http://localhost:5173"}))
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/queue", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	// Unlisted origins get no CORS grant
	req, err = http.NewRequest(http.MethodOptions, server.URL+"/queue", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
