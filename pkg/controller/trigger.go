package controller

import (
	"fmt"
	"strings"
)

// Trigger is the lifecycle event that starts a pass.
type Trigger string

const (
	Install       Trigger = "install"
	Upgrade       Trigger = "upgrade"
	ConfigChanged Trigger = "config-changed"
	WorkloadReady Trigger = "workload-ready"
	LeaderElected Trigger = "leader-elected"
	UpdateStatus  Trigger = "update-status"
	Remove        Trigger = "remove"
)

// Triggers lists every trigger.
var Triggers = []Trigger{Install, Upgrade, ConfigChanged, WorkloadReady, LeaderElected, UpdateStatus, Remove}

// ParseTrigger accepts trigger names with either dashes or underscores.
func ParseTrigger(s string) (Trigger, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, t := range Triggers {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}
