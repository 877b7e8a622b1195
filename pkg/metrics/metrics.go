package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const namespace = "admission_webhook_operator"

// Apply results.
const (
	ResultApplied  = "applied"
	ResultForced   = "forced"
	ResultConflict = "conflict"
	ResultFailed   = "failed"
)

var (
	CertificateGenerations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificate_generations_total",
		Help:      "Number of times a new CA and serving certificate were generated.",
	})

	ApplyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apply_total",
		Help:      "Server-side apply attempts of resource groups, by outcome.",
	}, []string{"group", "result"})

	DeleteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delete_errors_total",
		Help:      "Errors other than not-found while deleting resource groups.",
	}, []string{"group"})

	UnitStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unit_status",
		Help:      "A metric with a constant '1' value labeled by the current unit status.",
	}, []string{"status"})

	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_total",
		Help:      "Reconciliation passes, by trigger.",
	}, []string{"trigger"})
)

// Registry holds the operator metrics plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CertificateGenerations,
		ApplyTotal,
		DeleteErrors,
		UnitStatus,
		ReconcileTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SetUnitStatus makes status the only status reported as 1.
func SetUnitStatus(status string) {
	UnitStatus.Reset()
	UnitStatus.WithLabelValues(status).Set(1)
}

// Serve exposes Registry on addr under /metrics until ctx is done. An addr of
// "0" or "" disables the server.
func Serve(ctx context.Context, addr string) error {
	if addr == "" || addr == "0" {
		klog.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("failed to shut down metrics server: %v", err)
		}
	}()

	klog.Infof("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
