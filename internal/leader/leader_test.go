package leader

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/jensholdgaard/eventrecorder/internal/config"
)

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "eventrecorder-abc123")
	if got := identity(); got != "eventrecorder-abc123" {
		t.Errorf("identity() = %q, want %q", got, "eventrecorder-abc123")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := identity(); got != host {
		t.Errorf("identity() = %q, want %q", got, host)
	}
}

func TestLead_Disabled(t *testing.T) {
	ran := false
	err := Lead(context.Background(), config.LeaderElectionConfig{Enabled: false}, slog.Default(),
		func(context.Context) { ran = true })
	if err != nil {
		t.Fatalf("Lead() error = %v", err)
	}
	if !ran {
		t.Error("work did not run with election disabled")
	}
}

func TestRun_ClientError(t *testing.T) {
	boom := errors.New("no cluster")
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) { return nil, boom }
	t.Cleanup(func() { ClientFactory = orig })

	cfg := config.Default().LeaderElection
	cfg.Enabled = true
	err := Lead(context.Background(), cfg, slog.Default(),
		func(context.Context) { t.Error("work ran without leadership") })
	if !errors.Is(err, boom) {
		t.Fatalf("Lead() error = %v, want %v", err, boom)
	}
}

func useClient(t *testing.T, client kubernetes.Interface) {
	t.Helper()
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) { return client, nil }
	t.Cleanup(func() { ClientFactory = orig })
}

func TestLead_InvalidTimings(t *testing.T) {
	useClient(t, fake.NewSimpleClientset())

	cfg := config.Default().LeaderElection
	cfg.Enabled = true
	cfg.LeaseDuration = 2 * time.Second
	cfg.RenewDeadline = 5 * time.Second

	err := Lead(context.Background(), cfg, slog.Default(),
		func(context.Context) { t.Error("work ran with an invalid election config") })
	if err == nil || !strings.Contains(err.Error(), "configuring leader election") {
		t.Fatalf("Lead() error = %v, want configuration error", err)
	}
}

func TestLead_FakeCluster(t *testing.T) {
	useClient(t, fake.NewSimpleClientset())
	t.Setenv("POD_NAME", "eventrecorder-0")

	cfg := config.Default().LeaderElection
	cfg.Enabled = true
	cfg.LeaseDuration = 2 * time.Second
	cfg.RenewDeadline = time.Second
	cfg.RetryPeriod = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Lead(ctx, cfg, slog.Default(), func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			close(stopped)
		})
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("work did not start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lead() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Lead did not return after cancel")
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not stop after cancel")
	}
}
