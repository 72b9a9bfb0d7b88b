package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/supervisor"
	"github.com/devbus/devbus-go/pkg/timer"
)

func TestBusMetrics(t *testing.T) {
	r := New()
	r.SetDevices(3)
	r.SetClients(2)
	r.Dispatched("define")
	r.Dispatched("define")
	r.Dispatched("update")
	r.Rejected("busy")

	assert.Equal(t, 3.0, testutil.ToFloat64(r.devices))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.clients))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.dispatched.WithLabelValues("define")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatched.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("busy")))
}

func TestTimerMetrics(t *testing.T) {
	r := New()
	e := timer.NewEngine(timer.Config{})
	defer e.Close()
	require.NoError(t, r.AttachTimers(e))
	assert.ErrorIs(t, r.AttachTimers(e), bus.ErrDuplicated)

	fired := make(chan struct{})
	require.NoError(t, e.Set(nil, time.Millisecond, func(context.Context) { close(fired) }, nil))
	<-fired
	require.Eventually(t, func() bool { return e.Stats().Fired == 1 }, time.Second, 5*time.Millisecond)

	n, err := testutil.GatherAndCount(r.Prometheus(), "devbus_timer_fired_total", "devbus_timer_workers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	expected := `
# HELP devbus_timer_fired_total Timer callbacks invoked
# TYPE devbus_timer_fired_total counter
devbus_timer_fired_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(r.Prometheus(), strings.NewReader(expected), "devbus_timer_fired_total"))
}

func TestSupervisorMetrics(t *testing.T) {
	b := bus.New(bus.Config{})
	b.Start()
	defer b.Stop(context.Background())

	catalog := supervisor.NewCatalog()
	require.NoError(t, catalog.Register("noop", func(_ context.Context, _ supervisor.Action, _ supervisor.Env, info *supervisor.Info) error {
		info.Name = "noop"
		return nil
	}))
	s := supervisor.New(supervisor.Config{Bus: b, Catalog: catalog})
	_, err := s.Drivers.Load(context.Background(), "noop", true)
	require.NoError(t, err)

	r := New()
	require.NoError(t, r.AttachSupervisor(s))

	expected := `
# HELP devbus_supervisor_drivers Drivers in the driver table
# TYPE devbus_supervisor_drivers gauge
devbus_supervisor_drivers 1
# HELP devbus_supervisor_servers Remote servers being connected
# TYPE devbus_supervisor_servers gauge
devbus_supervisor_servers 0
`
	assert.NoError(t, testutil.GatherAndCompare(r.Prometheus(), strings.NewReader(expected),
		"devbus_supervisor_drivers", "devbus_supervisor_servers"))
}

func TestHandler(t *testing.T) {
	r := New()
	r.SetDevices(1)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "devbus_bus_devices 1")
	assert.Contains(t, string(body), "go_goroutines")
}
