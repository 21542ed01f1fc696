package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fitowlab/forgehub/config"
	"github.com/fitowlab/forgehub/registry"
)

// fakeLauncher records launches and hands out sequential ports/pids.
type fakeLauncher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLauncher) Launch(ctx context.Context, tenant registry.TenantKey) (*LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	port := 9000 + f.calls
	return &LaunchResult{
		Port:    port,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		PID:     4000 + f.calls,
		BaseDir: "/tmp/workspace",
		LogPath: "/tmp/worker.log",
	}, nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProber answers health probes from a URL->healthy map, or from a
// function when set.
type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	fn      func(baseURL string) bool
}

func (f *fakeProber) Healthy(ctx context.Context, baseURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fn != nil {
		return f.fn(baseURL)
	}
	return f.healthy[baseURL]
}

func (f *fakeProber) set(baseURL string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy == nil {
		f.healthy = make(map[string]bool)
	}
	f.healthy[baseURL] = ok
}

// pidRecorder stands in for StopPID and remembers which pids were stopped.
type pidRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (r *pidRecorder) stop(pid int, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	return nil
}

func (r *pidRecorder) stopped() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pids...)
}

type testEnv struct {
	sup       *Supervisor
	instances *registry.InstanceStore
	genlog    *registry.GenerationLogStore
	launcher  *fakeLauncher
	prober    *fakeProber
	stopper   *pidRecorder
}

func testConfig() *config.Config {
	return &config.Config{
		InternalHost:        "127.0.0.1",
		PortStart:           9001,
		PortEnd:             9099,
		ShutdownGrace:       time.Second,
		HeartbeatInterval:   time.Second,
		HistorySyncInterval: time.Second,
		HistoryPageSize:     50,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := sqlx.MustConnect("sqlite3", t.TempDir()+"/supervisor_test.db")
	t.Cleanup(func() { db.Close() })

	instances, err := registry.NewInstanceStore(db)
	if err != nil {
		t.Fatal(err)
	}
	genlog, err := registry.NewGenerationLogStore(db)
	if err != nil {
		t.Fatal(err)
	}

	launcher := &fakeLauncher{}
	prober := &fakeProber{}
	stopper := &pidRecorder{}

	sup := New(testConfig(), instances, genlog, Options{
		Launcher: launcher,
		Prober:   prober,
		History:  &fakeHistory{},
		StopPID:  stopper.stop,
		Logger:   slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return &testEnv{
		sup:       sup,
		instances: instances,
		genlog:    genlog,
		launcher:  launcher,
		prober:    prober,
		stopper:   stopper,
	}
}

// testWriter routes log output through the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestEnsureLaunchesWhenAbsent(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 1, ProjectID: 10}

	inst, err := env.sup.Ensure(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	if env.launcher.launchCount() != 1 {
		t.Errorf("Expected 1 launch, got %d", env.launcher.launchCount())
	}
	if inst.Status != registry.StatusOnline {
		t.Errorf("Expected online record, got %s", inst.Status)
	}
	if !inst.PID.Valid || inst.PID.Int64 != 4001 {
		t.Errorf("Expected recorded pid 4001, got %+v", inst.PID)
	}

	all, _ := env.instances.List()
	if len(all) != 1 {
		t.Errorf("Expected exactly one record, got %d", len(all))
	}
}

func TestEnsureFastPathSkipsLaunch(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 1, ProjectID: 10}

	first, err := env.sup.Ensure(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	// Instance now answers its health probe.
	env.prober.set(fmt.Sprintf("http://127.0.0.1:%d", first.Port), true)

	second, err := env.sup.Ensure(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Second Ensure returned error: %v", err)
	}
	if env.launcher.launchCount() != 1 {
		t.Errorf("Expected fast path with zero additional launches, got %d total", env.launcher.launchCount())
	}
	if second.Port != first.Port {
		t.Errorf("Expected same instance back, got port %d != %d", second.Port, first.Port)
	}
	if second.LastHeartbeat.Int64 < first.LastHeartbeat.Int64 {
		t.Error("Expected heartbeat refreshed on fast path")
	}
}

func TestEnsureStopsStaleProcessBeforeRelaunch(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 2, ProjectID: 20}

	// Record claims online with a live pid, but the probe fails.
	if _, err := env.instances.Upsert(tenant, 9050, "http://127.0.0.1:9050", 7777, "", "", time.Now()); err != nil {
		t.Fatal(err)
	}

	inst, err := env.sup.Ensure(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}

	stopped := env.stopper.stopped()
	if len(stopped) != 1 || stopped[0] != 7777 {
		t.Errorf("Expected stale pid 7777 stopped before relaunch, got %v", stopped)
	}
	if env.launcher.launchCount() != 1 {
		t.Errorf("Expected relaunch, got %d launches", env.launcher.launchCount())
	}
	if inst.PID.Int64 == 7777 {
		t.Error("Expected record updated with new pid")
	}
}

func TestEnsureConcurrentSingleLaunch(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 3, ProjectID: 30}

	// Once a worker is launched its probe passes, so whichever Ensure wins
	// the race launches and the rest take the fast path.
	env.prober.fn = func(baseURL string) bool {
		return env.launcher.launchCount() > 0
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.sup.Ensure(context.Background(), tenant)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Ensure %d returned error: %v", i, err)
		}
	}
	if env.launcher.launchCount() != 1 {
		t.Errorf("Expected exactly one launch under concurrency, got %d", env.launcher.launchCount())
	}
	all, _ := env.instances.List()
	if len(all) != 1 {
		t.Errorf("Expected exactly one record, got %d", len(all))
	}
}

func TestEnsureResourceExhaustedLeavesRegistryUntouched(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 4, ProjectID: 40}
	env.launcher.err = fmt.Errorf("%w [8200-8201]", ErrNoFreePort)

	_, err := env.sup.Ensure(context.Background(), tenant)
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("Expected ErrNoFreePort, got %v", err)
	}

	all, _ := env.instances.List()
	if len(all) != 0 {
		t.Errorf("Expected no registry mutation on failed launch, got %d records", len(all))
	}
}

func TestStopWithoutRecordIsNoop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Stop(context.Background(), registry.TenantKey{UserID: 9, ProjectID: 9}); err != nil {
		t.Errorf("Expected no-op success, got %v", err)
	}
	if len(env.stopper.stopped()) != 0 {
		t.Error("Expected no pids stopped")
	}
}

func TestStopTerminatesAndClearsPID(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 5, ProjectID: 50}
	if _, err := env.sup.Ensure(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}

	if err := env.sup.Stop(context.Background(), tenant); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	stopped := env.stopper.stopped()
	if len(stopped) != 1 || stopped[0] != 4001 {
		t.Errorf("Expected launched pid stopped, got %v", stopped)
	}

	inst, _ := env.instances.Get(tenant)
	if inst == nil {
		t.Fatal("Expected record retained after Stop")
	}
	if inst.Status != registry.StatusOffline || inst.PID.Valid {
		t.Errorf("Expected offline record with cleared pid, got %+v", inst)
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	env := newTestEnv(t)
	tenant := registry.TenantKey{UserID: 6, ProjectID: 60}
	if _, err := env.sup.Ensure(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}

	if err := env.sup.Remove(context.Background(), tenant); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if len(env.stopper.stopped()) != 1 {
		t.Error("Expected worker stopped before deletion")
	}
	inst, _ := env.instances.Get(tenant)
	if inst != nil {
		t.Errorf("Expected record deleted, got %+v", inst)
	}
}
