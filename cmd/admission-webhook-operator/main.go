package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	utilflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/logs"
	"k8s.io/klog/v2"

	"github.com/kubeflow/admission-webhook-operator/pkg/config"
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.SetNormalizeFunc(utilflag.WordSepNormalizeFunc)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	logs.InitLogs()
	defer logs.FlushLogs()
	initControllerRuntimeLogging()

	command := newOperatorCommand()

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		logs.FlushLogs()
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	kubeconfig string
}

func newOperatorCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "admission-webhook-operator",
		Short: "Kubeflow admission webhook operator",
		Long:  "Deploys the Kubeflow admission webhook: certificates, RBAC, webhook configuration, and the PodDefault CRD",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML or JSON file with operator settings")
	cmd.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", "", "path to a kubeconfig; defaults to $KUBECONFIG or the in-cluster config")
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newRenderCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig layers defaults, the config file, the environment, and the
// flags set on cmd.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath, os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	cfg.Complete()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
