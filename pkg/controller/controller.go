package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/kubeflow/admission-webhook-operator/pkg/apply"
	"github.com/kubeflow/admission-webhook-operator/pkg/certstore"
	"github.com/kubeflow/admission-webhook-operator/pkg/controller/statusmanager"
	"github.com/kubeflow/admission-webhook-operator/pkg/metrics"
	"github.com/kubeflow/admission-webhook-operator/pkg/operator/leader"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"
	"github.com/kubeflow/admission-webhook-operator/pkg/version"
	"github.com/kubeflow/admission-webhook-operator/pkg/workload"
)

// Status messages of non-active passes.
const (
	MsgWaitingForLeadership = "Waiting for leadership"
	MsgWaitingForStorage    = "Waiting for storage"
	MsgPodStartup           = "Pod startup is not complete"
	MsgHealthCheckFailed    = "Workload failed health check"
)

// Options is everything a Controller is built from.
type Options struct {
	AppName     string
	Namespace   string
	ServiceName string
	Port        int

	Elector    leader.Elector
	Store      *certstore.Store
	Reconciler *apply.Reconciler
	// Groups are applied in order and deleted in the same order.
	Groups   []render.ResourceGroup
	Workload *workload.Sync
	Status   *statusmanager.StatusManager

	// Version is the running operator version. Defaults to version.Version.
	Version string
	// ResyncPeriod is the interval of UpdateStatus passes in Run.
	ResyncPeriod time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Controller runs reconciliation passes, one at a time.
type Controller struct {
	appName     string
	namespace   string
	serviceName string
	port        int

	elector    leader.Elector
	store      *certstore.Store
	reconciler *apply.Reconciler
	groups     []render.ResourceGroup
	workload   *workload.Sync
	status     *statusmanager.StatusManager

	version      string
	resyncPeriod time.Duration
	clock        clock.Clock

	// hooks run around the shared reconcile routine, per trigger
	preHooks  map[Trigger]func(ctx context.Context)
	postHooks map[Trigger]func(ctx context.Context, result statusmanager.UnitStatus) statusmanager.UnitStatus
}

// New wires a controller. Nothing is constructed lazily: every collaborator
// must be passed in.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Elector == nil:
		return nil, errors.New("controller needs an elector")
	case opts.Store == nil:
		return nil, errors.New("controller needs a certificate store")
	case opts.Reconciler == nil:
		return nil, errors.New("controller needs a resource reconciler")
	case opts.Workload == nil:
		return nil, errors.New("controller needs a workload")
	case opts.Status == nil:
		return nil, errors.New("controller needs a status manager")
	case len(opts.Groups) == 0:
		return nil, errors.New("controller needs at least one resource group")
	}

	c := &Controller{
		appName:      opts.AppName,
		namespace:    opts.Namespace,
		serviceName:  opts.ServiceName,
		port:         opts.Port,
		elector:      opts.Elector,
		store:        opts.Store,
		reconciler:   opts.Reconciler,
		groups:       opts.Groups,
		workload:     opts.Workload,
		status:       opts.Status,
		version:      opts.Version,
		resyncPeriod: opts.ResyncPeriod,
		clock:        opts.Clock,
	}
	if c.serviceName == "" {
		c.serviceName = c.appName
	}
	if c.version == "" {
		c.version = version.Version
	}
	if c.resyncPeriod <= 0 {
		c.resyncPeriod = 5 * time.Minute
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}

	c.store.OnGenerate = func() {
		metrics.CertificateGenerations.Inc()
	}

	c.preHooks = map[Trigger]func(context.Context){
		WorkloadReady: c.uploadIfPossible,
	}
	c.postHooks = map[Trigger]func(context.Context, statusmanager.UnitStatus) statusmanager.UnitStatus{
		UpdateStatus: c.healthOverlay,
	}
	return c, nil
}

// Status returns the current unit status.
func (c *Controller) Status() statusmanager.UnitStatus {
	return c.status.Get()
}

// Handle runs one full pass for trigger and returns the status it ended in.
// Panics are recovered into an Error status.
func (c *Controller) Handle(ctx context.Context, trigger Trigger) (result statusmanager.UnitStatus) {
	metrics.ReconcileTotal.WithLabelValues(string(trigger)).Inc()
	log.Printf("Handling %s", trigger)

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Recovered from panic while handling %s: %v", trigger, r)
			c.status.SetFromPanic(ctx, r)
			result = c.status.Get()
		}
	}()

	if trigger == Remove {
		result = c.remove(ctx)
	} else {
		if hook := c.preHooks[trigger]; hook != nil {
			hook(ctx)
		}
		result = c.reconcile(ctx, trigger == Upgrade)
		if hook := c.postHooks[trigger]; hook != nil {
			result = hook(ctx, result)
		}
	}

	c.status.Set(ctx, result)
	return result
}

// isLeader answers the leadership question. An election error counts as not
// being the leader.
func (c *Controller) isLeader(ctx context.Context) bool {
	ok, err := c.elector.IsLeader(ctx)
	if err != nil {
		klog.Warningf("Could not determine leadership: %v", err)
		return false
	}
	return ok
}

func (c *Controller) renderData(bundle certstore.Bundle) render.RenderData {
	return render.Context{
		AppName:     c.appName,
		Namespace:   c.namespace,
		ServiceName: c.serviceName,
		Port:        c.port,
		CABundle:    bundle.CA,
	}.RenderData()
}

// reconcile is the routine shared by every trigger but Remove. Conflicting
// field ownership is only taken over when forceConflicts is set.
func (c *Controller) reconcile(ctx context.Context, forceConflicts bool) statusmanager.UnitStatus {
	if !c.isLeader(ctx) {
		return statusmanager.Waiting(MsgWaitingForLeadership)
	}
	c.status.Set(ctx, statusmanager.Maintenance("Reconciling resources"))

	if err := c.store.Load(ctx); err != nil {
		return statusmanager.Errorf("Failed to load certificate state: %v", err)
	}
	if recorded := c.store.RecordedVersion(); recorded != "" && recorded != c.version {
		change := version.CompareVersions(recorded, c.version)
		klog.Infof("State was last reconciled by %s, running %s (%s)", recorded, c.version, change)
		if forceConflicts && change == version.VersionDowngrade {
			klog.Warningf("Upgrade pass is taking field ownership for %s, older than the recorded %s", c.version, recorded)
		}
	}

	if _, err := c.store.Ensure(ctx, c.namespace, c.serviceName); err != nil {
		return statusmanager.Errorf("Failed to generate certificates: %v", err)
	}
	bundle := c.store.Current()

	data := c.renderData(bundle)
	for _, group := range c.groups {
		if err := c.reconciler.Apply(ctx, group, data, forceConflicts); err != nil {
			var conflict *apply.ConflictError
			if errors.As(err, &conflict) {
				return statusmanager.Errorf("Field ownership conflict applying %s: %v", group.Name, err)
			}
			return statusmanager.Errorf("Failed to apply %s resources: %v", group.Name, err)
		}
	}
	if err := c.store.RecordVersion(ctx, c.version); err != nil {
		klog.Warningf("Could not record the reconciled version: %v", err)
	}

	if !c.workload.CanConnect(ctx) {
		return statusmanager.Maintenance(MsgPodStartup)
	}
	if !c.workload.StorageAttached(ctx) {
		return statusmanager.Waiting(MsgWaitingForStorage)
	}
	if err := c.workload.UploadCertificates(ctx, bundle); err != nil {
		var connErr *workload.ConnectivityError
		if errors.As(err, &connErr) {
			return statusmanager.Maintenance(MsgPodStartup)
		}
		return statusmanager.Errorf("Failed to upload certificates: %v", err)
	}
	applied, err := c.workload.SyncRuntimeLayer(ctx)
	if err != nil {
		return statusmanager.Errorf("Failed to configure the workload: %v", err)
	}
	if !applied {
		return statusmanager.Maintenance(MsgPodStartup)
	}

	return statusmanager.Active()
}

// uploadIfPossible pushes the stored bundle as soon as the workload comes up,
// ahead of the pass. Failures are left for the pass to report.
func (c *Controller) uploadIfPossible(ctx context.Context) {
	if !c.isLeader(ctx) || !c.workload.CanConnect(ctx) || !c.workload.StorageAttached(ctx) {
		return
	}
	if err := c.store.Load(ctx); err != nil {
		klog.V(2).Infof("Not uploading certificates early: %v", err)
		return
	}
	if !c.store.IsComplete() {
		return
	}
	if err := c.workload.UploadCertificates(ctx, c.store.Current()); err != nil {
		klog.V(2).Infof("Early certificate upload failed: %v", err)
	}
}

// healthOverlay downgrades an Active result when the workload's health check
// is down. A probe that cannot be read counts as down.
func (c *Controller) healthOverlay(ctx context.Context, result statusmanager.UnitStatus) statusmanager.UnitStatus {
	if result.Kind != statusmanager.ActiveKind {
		return result
	}
	state, err := c.workload.Healthy(ctx)
	if err != nil {
		klog.Warningf("Health check failed: %v", err)
		return statusmanager.Maintenance(MsgHealthCheckFailed)
	}
	if state != workload.CheckUp {
		return statusmanager.Maintenance(MsgHealthCheckFailed)
	}
	return result
}

// remove deletes every group and forgets the certificate state.
func (c *Controller) remove(ctx context.Context) statusmanager.UnitStatus {
	if !c.isLeader(ctx) {
		return statusmanager.Waiting(MsgWaitingForLeadership)
	}
	c.status.Set(ctx, statusmanager.Maintenance("Removing resources"))

	// the CA only feeds the webhook configuration; identities render without it
	if err := c.store.Load(ctx); err != nil {
		klog.Warningf("Removing without the stored certificate state: %v", err)
	}
	data := c.renderData(c.store.Current())

	if err := c.reconciler.Delete(ctx, data, c.groups...); err != nil {
		return statusmanager.Errorf("Failed to remove resources: %v", err)
	}
	if orphans, err := c.reconciler.Orphans(ctx, data, c.groups...); err != nil {
		klog.V(2).Infof("Could not look for leftover resources: %v", err)
	} else if len(orphans) > 0 {
		klog.Warningf("Resources labelled as managed by this operator are left in place: %v", orphans)
	}

	if err := c.store.Purge(ctx); err != nil {
		return statusmanager.Errorf("Failed to remove certificate state: %v", err)
	}
	return statusmanager.Active()
}

// Run handles events one at a time until ctx is done or events is closed,
// with an UpdateStatus pass every resync period in between.
func (c *Controller) Run(ctx context.Context, events <-chan Trigger) error {
	for {
		timer := c.clock.NewTimer(wait.Jitter(c.resyncPeriod, 0.1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case trigger, ok := <-events:
			timer.Stop()
			if !ok {
				return nil
			}
			c.Handle(ctx, trigger)
		case <-timer.C():
			c.Handle(ctx, UpdateStatus)
		}
	}
}
