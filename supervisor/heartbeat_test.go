package supervisor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fitowlab/forgehub/registry"
)

func TestHeartbeatCycle(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	tenants := []registry.TenantKey{
		{UserID: 1, ProjectID: 1},
		{UserID: 2, ProjectID: 2},
		{UserID: 3, ProjectID: 3},
	}
	for i, tenant := range tenants {
		port := 9010 + i
		_, err := env.instances.Upsert(tenant, port, probeURL(port), 100+i, "", "", now)
		require.NoError(t, err)
	}

	// Two healthy, one failing.
	env.prober.set(probeURL(9010), true)
	env.prober.set(probeURL(9011), true)
	env.prober.set(probeURL(9012), false)

	env.sup.HeartbeatOnce(context.Background())

	a, _ := env.instances.Get(tenants[0])
	b, _ := env.instances.Get(tenants[1])
	c, _ := env.instances.Get(tenants[2])
	require.Equal(t, registry.StatusOnline, a.Status)
	require.Equal(t, registry.StatusOnline, b.Status)
	require.Equal(t, registry.StatusOffline, c.Status)
	require.GreaterOrEqual(t, a.LastHeartbeat.Int64, now.UTC().Unix())
	require.GreaterOrEqual(t, b.LastHeartbeat.Int64, now.UTC().Unix())

	// A subsequent all-healthy cycle restores the offline record.
	env.prober.set(probeURL(9012), true)
	env.sup.HeartbeatOnce(context.Background())

	c, _ = env.instances.Get(tenants[2])
	require.Equal(t, registry.StatusOnline, c.Status)
	require.True(t, c.LastHeartbeat.Valid)
}

func TestHeartbeatOfflineWriteIsNotRepeated(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 1, ProjectID: 1}
	_, err := env.instances.Upsert(tenant, 9020, probeURL(9020), 100, "", "", time.Now())
	require.NoError(t, err)

	// Probe fails; first cycle transitions to offline, second cycle must
	// leave the row alone.
	env.sup.HeartbeatOnce(context.Background())
	inst, _ := env.instances.Get(tenant)
	require.Equal(t, registry.StatusOffline, inst.Status)
	hbBefore := inst.LastHeartbeat

	env.sup.HeartbeatOnce(context.Background())
	inst, _ = env.instances.Get(tenant)
	require.Equal(t, registry.StatusOffline, inst.Status)
	require.Equal(t, hbBefore, inst.LastHeartbeat)
}

func TestHeartbeatLoopDisabledForNonPositiveInterval(t *testing.T) {
	env := newTestEnv(t)
	env.sup.cfg.HeartbeatInterval = 0

	done := make(chan struct{})
	go func() {
		env.sup.RunHeartbeat(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected disabled heartbeat loop to return immediately")
	}
}

func TestHeartbeatLoopStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.sup.cfg.HeartbeatInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.sup.RunHeartbeat(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected heartbeat loop to observe cancellation within one interval")
	}
}

func probeURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}
