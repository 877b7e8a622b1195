package main

import (
	"k8s.io/klog/v2"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"
)

func initControllerRuntimeLogging() {
	crlog.SetLogger(klog.NewKlogr().WithName("controller-runtime"))
}
