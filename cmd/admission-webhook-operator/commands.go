package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/kubeflow/admission-webhook-operator/pkg/certstore"
	"github.com/kubeflow/admission-webhook-operator/pkg/client"
	"github.com/kubeflow/admission-webhook-operator/pkg/config"
	"github.com/kubeflow/admission-webhook-operator/pkg/controller"
	"github.com/kubeflow/admission-webhook-operator/pkg/controller/statusmanager"
	"github.com/kubeflow/admission-webhook-operator/pkg/metrics"
	"github.com/kubeflow/admission-webhook-operator/pkg/operator/leader"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"
	"github.com/kubeflow/admission-webhook-operator/pkg/version"
)

// handleOnce runs a single pass and fails the command unless the pass ended
// without an error status.
func handleOnce(cmd *cobra.Command, opts *globalOptions, trigger controller.Trigger) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	cl, err := client.NewClient(opts.kubeconfig)
	if err != nil {
		return err
	}
	ctrl, err := newController(cfg, cl)
	if err != nil {
		return err
	}

	status := ctrl.Handle(cmd.Context(), trigger)
	fmt.Fprintln(cmd.OutOrStdout(), status.String())
	if status.Kind == statusmanager.ErrorKind {
		return errors.Errorf("%s ended in error", trigger)
	}
	return nil
}

func newReconcileCommand(opts *globalOptions) *cobra.Command {
	var triggerName string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := controller.ParseTrigger(triggerName)
			if err != nil {
				return err
			}
			if trigger == controller.Remove {
				return errors.New("use the remove command to remove the webhook")
			}
			return handleOnce(cmd, opts, trigger)
		},
	}
	cmd.Flags().StringVar(&triggerName, "trigger", string(controller.ConfigChanged), "event that caused the pass")
	return cmd
}

func newRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Delete every resource the operator created",
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleOnce(cmd, opts, controller.Remove)
		},
	}
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Install the webhook and keep it healthy until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			cl, err := client.NewClient(opts.kubeconfig)
			if err != nil {
				return err
			}
			ctrl, err := newController(cfg, cl)
			if err != nil {
				return err
			}
			return run(signals.SetupSignalHandler(), cfg, ctrl, newElector(cfg, cl))
		},
	}
}

func run(ctx context.Context, cfg *config.Config, ctrl *controller.Controller, elector leader.Elector) error {
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsBindAddress); err != nil {
			klog.Errorf("Metrics server failed: %v", err)
		}
	}()

	events := make(chan controller.Trigger, 1)
	events <- controller.Install

	// a follower re-runs the pass once it takes over
	go func() {
		ok, err := elector.IsLeader(ctx)
		if err == nil && ok {
			return
		}
		if err := leader.WaitForLeadership(ctx, elector); err != nil {
			return
		}
		select {
		case events <- controller.LeaderElected:
		case <-ctx.Done():
		}
	}()

	klog.Infof("Running admission webhook operator %s", version.Version)
	return ctrl.Run(ctx, events)
}

func newRenderCommand(opts *globalOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the manifests to a file instead of applying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			// the stored bundle keeps the rendered CA stable; without a cluster
			// a throwaway one is generated
			var cl client.Client
			if c, err := client.NewClient(opts.kubeconfig); err != nil {
				klog.Warningf("No cluster connection, rendering with a new certificate: %v", err)
			} else {
				cl = c
			}
			store := certstore.New(newAuthority(cfg), newBackend(cfg, cl))
			if err := store.Load(cmd.Context()); err != nil {
				klog.Warningf("Could not load stored certificates, rendering with a new one: %v", err)
				store = certstore.New(newAuthority(cfg), certstore.NewMemoryBackend())
			}
			if !store.IsComplete() {
				// keep the generated bundle out of the cluster
				store = certstore.New(newAuthority(cfg), certstore.NewMemoryBackend())
				if _, err := store.Ensure(cmd.Context(), cfg.Namespace, cfg.ServiceName); err != nil {
					return err
				}
			}

			data := render.Context{
				AppName:     cfg.AppName,
				Namespace:   cfg.Namespace,
				ServiceName: cfg.ServiceName,
				Port:        cfg.Port,
				CABundle:    store.Current().CA,
			}.RenderData()

			objs := []*uns.Unstructured{}
			for _, group := range resourceGroups(cfg) {
				rendered, err := group.Render(data)
				if err != nil {
					return err
				}
				objs = append(objs, rendered...)
			}

			if outPath == "" || outPath == "-" {
				return writeObjects(cmd.OutOrStdout(), objs)
			}
			fp, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return errors.Wrapf(err, "could not open output file %s", outPath)
			}
			defer fp.Close()
			if err := writeObjects(fp, objs); err != nil {
				return err
			}
			return errors.Wrap(fp.Close(), "close failed")
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "file to put rendered manifests, - or empty for stdout")
	return cmd
}

// writeObjects serializes the list of objects as a single yaml stream
func writeObjects(w io.Writer, objs []*uns.Unstructured) error {
	for _, obj := range objs {
		b, err := yaml.Marshal(obj)
		if err != nil {
			return errors.Wrapf(err, "could not marshal object %s %s %s",
				obj.GroupVersionKind().String(),
				obj.GetNamespace(),
				obj.GetName())
		}

		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return errors.Wrap(err, "write failed")
		}
		if _, err := w.Write(b); err != nil {
			return errors.Wrap(err, "write failed")
		}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the operator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
