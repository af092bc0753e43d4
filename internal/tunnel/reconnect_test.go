package tunnel

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/superinstance/tripartite-council/internal/config"
)

func testReconnectConfig() config.TunnelConfig {
	return config.TunnelConfig{
		InitialBackoffMS: 10,
		MaxBackoffMS:     100,
		BackoffFactor:    2.0,
		MaxReconnects:    5,
	}
}

func TestReconnectManagerBacksOffExponentially(t *testing.T) {
	mgr := newReconnectManager(testReconnectConfig())
	ctx := context.Background()

	start := time.Now()
	if !mgr.waitForRetry(ctx) {
		t.Fatal("expected first retry to be permitted")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected at least 10ms delay, got %v", elapsed)
	}

	start = time.Now()
	if !mgr.waitForRetry(ctx) {
		t.Fatal("expected second retry to be permitted")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("expected at least 20ms delay (doubled), got %v", elapsed)
	}
}

func TestReconnectManagerStopsAtMaxAttempts(t *testing.T) {
	mgr := newReconnectManager(testReconnectConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !mgr.waitForRetry(ctx) {
			t.Fatalf("attempt %d: expected retry permitted", i)
		}
	}
	if mgr.waitForRetry(ctx) {
		t.Error("expected retry to be refused after max attempts")
	}
}

func TestReconnectManagerReset(t *testing.T) {
	mgr := newReconnectManager(testReconnectConfig())
	mgr.attempts = 5
	mgr.currentDelay = 100 * time.Millisecond

	mgr.reset()

	if mgr.attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", mgr.attempts)
	}
	if mgr.currentDelay != 10*time.Millisecond {
		t.Errorf("expected delay reset to initial, got %v", mgr.currentDelay)
	}
}

func TestReconnectManagerRespectsContextCancellation(t *testing.T) {
	mgr := newReconnectManager(config.TunnelConfig{
		InitialBackoffMS: 10_000,
		MaxBackoffMS:     60_000,
		BackoffFactor:    2.0,
		MaxReconnects:    5,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if mgr.waitForRetry(ctx) {
		t.Error("expected cancelled context to abort the wait")
	}
}

func TestReconnectorGoroutineExitsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	tun, err := New(config.TunnelConfig{
		CertFile: "/tmp/does-not-matter-cert.pem",
		KeyFile:  "/tmp/does-not-matter-key.pem",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tun.cfg = testReconnectConfig()

	rc := newReconnector(tun)
	ctx, cancel := context.WithCancel(context.Background())

	go rc.run(ctx)
	cancel()
	rc.wait()
}
