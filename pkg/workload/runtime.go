package workload

import (
	"context"
	"fmt"
)

// CheckStatus is the state of a workload health check.
type CheckStatus string

const (
	CheckUp   CheckStatus = "up"
	CheckDown CheckStatus = "down"
)

// Layer is the process supervision configuration declared for the workload.
type Layer struct {
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Services    map[string]Service `yaml:"services"`
	Checks      map[string]Check   `yaml:"checks"`
}

type Service struct {
	Override       string            `yaml:"override"`
	Summary        string            `yaml:"summary"`
	Command        string            `yaml:"command"`
	Startup        string            `yaml:"startup"`
	OnCheckFailure map[string]string `yaml:"on-check-failure,omitempty"`
}

type Check struct {
	Override  string    `yaml:"override"`
	Level     string    `yaml:"level,omitempty"`
	Period    string    `yaml:"period"`
	Timeout   string    `yaml:"timeout"`
	Threshold int       `yaml:"threshold"`
	TCP       *TCPCheck `yaml:"tcp,omitempty"`
}

type TCPCheck struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port"`
}

// Runtime is the container runtime that supervises the webhook server.
type Runtime interface {
	CanConnect(ctx context.Context) bool
	// StorageAttached reports whether the persistent storage for certificate
	// material is available.
	StorageAttached(ctx context.Context) bool
	Exists(ctx context.Context, path string) (bool, error)
	Push(ctx context.Context, path string, content []byte, makeDirs bool) error
	SetLayer(ctx context.Context, layer Layer) error
	GetCheck(ctx context.Context, name string) (CheckStatus, error)
}

// ConnectivityError means the workload runtime could not be reached. It is
// transient: the next event retries.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot connect to workload runtime for %s", e.Op)
	}
	return fmt.Sprintf("cannot connect to workload runtime for %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
