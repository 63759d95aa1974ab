package leader_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/leader"
)

// startK3s returns a clientset for a throwaway k3s cluster.
func startK3s(ctx context.Context, t *testing.T) kubernetes.Interface {
	t.Helper()
	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}
	kubeConfig, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}
	return client
}

// TestLead_K3s runs the follower slot under a real Lease: the work runs
// while this replica holds the lease and the lease is released on cancel.
func TestLead_K3s(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := startK3s(ctx, t)
	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return client, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })
	t.Setenv("POD_NAME", "eventrecorder-0")

	cfg := config.Default().LeaderElection
	cfg.Enabled = true
	cfg.LeaseName = "eventrecorder-k3s"
	cfg.LeaseDuration = 5 * time.Second
	cfg.RenewDeadline = 3 * time.Second
	cfg.RetryPeriod = time.Second

	leadCtx, stopLeading := context.WithCancel(ctx)
	started := make(chan struct{})
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- leader.Lead(leadCtx, cfg, slog.Default(), func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			close(stopped)
		})
	}()

	select {
	case <-started:
	case <-time.After(30 * time.Second):
		t.Fatal("work did not start after acquiring the lease")
	}

	leases := client.CoordinationV1().Leases(cfg.LeaseNamespace)
	lease, err := leases.Get(ctx, cfg.LeaseName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("getting lease: %v", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != "eventrecorder-0" {
		t.Fatalf("lease holder = %v, want eventrecorder-0", lease.Spec.HolderIdentity)
	}

	stopLeading()
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
	case <-time.After(10 * time.Second):
		t.Fatal("work did not stop after cancel")
	}

	lease, err = leases.Get(ctx, cfg.LeaseName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("getting lease after release: %v", err)
	}
	if lease.Spec.HolderIdentity != nil && *lease.Spec.HolderIdentity != "" {
		t.Errorf("lease still held by %q after cancel", *lease.Spec.HolderIdentity)
	}
}
