package agent

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/notify"
	"github.com/kkaryeong/reagent-ology/scale"
	"github.com/kkaryeong/reagent-ology/service"
	"github.com/kkaryeong/reagent-ology/store"
)

func newTestServer(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := service.NewService(st, notify.NewBus())
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	return st, server
}

func TestAgentWorksAJobEndToEnd(t *testing.T) {
	st, server := newTestServer(t)
	ctx := context.Background()

	_, err := st.Upsert(ctx, store.UpsertParams{
		Name: "methanol", TagUID: "TAG-A", TareG: 2.0, DensityGPerML: 0.79,
	})
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, "TAG-A")
	require.NoError(t, err)

	a := &Agent{
		Client: NewClient(server.URL),
		Acquirer: &scale.Acquirer{
			Source: &scale.SimulatedSource{
				Lines:    []string{"12.000 g", "12.001 g"},
				Interval: 5 * time.Millisecond,
			},
			Detector: scale.NewDetector(0.002, 0.002, 50*time.Millisecond),
		},
		Name:         "test-agent",
		PollInterval: 10 * time.Millisecond,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && got.Status == store.StatusDone
	}, 5*time.Second, 20*time.Millisecond, "agent should claim, measure and finish the job")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-agent", got.ClaimedBy)
	require.NotNil(t, got.ResultLogID, "finish must carry the usage log reference")

	// The committed measurement uses the stable reading: net = 12.000 - 2.0
	r, err := st.GetByTag(ctx, "TAG-A")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, r.CurrentNetG, 0.01)

	logs, err := st.Logs(ctx, r.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "test-agent", logs[0].Source)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancellation")
	}
}

func TestAgentIdlesOnEmptyQueue(t *testing.T) {
	_, server := newTestServer(t)

	a := &Agent{
		Client:       NewClient(server.URL),
		Name:         "test-agent",
		PollInterval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let it poll a few times with nothing to do
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancellation")
	}
}

func TestAgentSurvivesServerOutage(t *testing.T) {
	// Point at a closed port: every claim fails, the loop keeps polling
	a := &Agent{
		Client:       NewClient("http://127.0.0.1:1"),
		Name:         "test-agent",
		PollInterval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancellation")
	}
}

func TestClientClaimAgainstEmptyQueue(t *testing.T) {
	_, server := newTestServer(t)
	c := NewClient(server.URL)

	job, err := c.ClaimNext(context.Background(), "test-agent")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClientMeasureUnknownTag(t *testing.T) {
	_, server := newTestServer(t)
	c := NewClient(server.URL)

	_, err := c.Measure(context.Background(), "TAG-NOPE", 5.0, "", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestClientFinishUnknownJob(t *testing.T) {
	_, server := newTestServer(t)
	c := NewClient(server.URL)

	err := c.Finish(context.Background(), "no-such-job", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestClientRejectsBadBaseURL(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")

	_, err := c.ClaimNext(context.Background(), "test-agent")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
