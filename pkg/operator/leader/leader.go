// Copyright 2018 The Operator-SDK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// maxBackoffInterval defines the maximum amount of time to wait between
// attempts to become the leader.
const maxBackoffInterval = time.Second * 16

// Elector decides whether this unit may mutate the cluster.
type Elector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Static is an Elector with a fixed answer.
type Static bool

func (s Static) IsLeader(context.Context) (bool, error) {
	return bool(s), nil
}

// LockElector holds leadership through a ConfigMap owned by the current pod.
// Only one ConfigMap with the lock name can exist, so the pod that created it
// is the leader. When that pod goes away, the garbage collector deletes the
// ConfigMap and another pod can take over.
type LockElector struct {
	client   crclient.Client
	lockName string
	env      Env
}

var _ Elector = &LockElector{}

func NewLockElector(client crclient.Client, lockName string, env Env) *LockElector {
	return &LockElector{client: client, lockName: lockName, env: env}
}

// IsLeader makes a single attempt to take the lock. Outside a cluster there is
// nothing to elect against and the answer is always yes.
func (l *LockElector) IsLeader(ctx context.Context) (bool, error) {
	ns, err := l.env.OperatorNamespace()
	if err != nil {
		if err == ErrNoNamespace || err == ErrRunLocal {
			klog.V(2).Info("Skipping leader election; not running in a cluster.")
			return true, nil
		}
		return false, err
	}

	owner, err := l.myOwnerRef(ctx, ns)
	if err != nil {
		return false, err
	}

	// check for existing lock from this pod, in case we got restarted
	existing := &corev1.ConfigMap{}
	key := crclient.ObjectKey{Namespace: ns, Name: l.lockName}
	err = l.client.Get(ctx, key, existing)

	switch {
	case err == nil:
		for _, existingOwner := range existing.GetOwnerReferences() {
			if existingOwner.Name == owner.Name {
				klog.V(2).Info("Found existing lock with my name, continuing as the leader.")
				return true, nil
			}
			klog.V(2).Infof("Found existing lock. LockOwner: %v", existingOwner.Name)
		}
		l.evictStaleLeader(ctx, ns, existing)
		return false, nil
	case apierrors.IsNotFound(err):
		klog.Info("No pre-existing lock was found.")
	default:
		klog.Infof("Unknown error trying to get ConfigMap: %v", err)
		return false, err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            l.lockName,
			Namespace:       ns,
			OwnerReferences: []metav1.OwnerReference{*owner},
		},
	}
	klog.V(2).Infof("Leader election: trying to create configmap %s/%s", cm.Namespace, cm.Name)
	err = l.client.Create(ctx, cm)
	switch {
	case err == nil:
		klog.Info("Became the leader.")
		return true, nil
	case apierrors.IsAlreadyExists(err):
		klog.Info("Not the leader.")
		return false, nil
	default:
		klog.Infof("Unknown error creating ConfigMap: %v", err)
		return false, err
	}
}

// evictStaleLeader deletes the lock holder if it was evicted, so the garbage
// collector releases the lock.
func (l *LockElector) evictStaleLeader(ctx context.Context, ns string, lock *corev1.ConfigMap) {
	existingOwners := lock.GetOwnerReferences()
	switch {
	case len(existingOwners) != 1:
		klog.V(1).Infof("Leader lock configmap must have exactly one owner reference. ConfigMap: %v", lock.Name)
		return
	case existingOwners[0].Kind != "Pod":
		klog.V(1).Infof("Leader lock configmap owner reference must be a pod. OwnerReference: %v", existingOwners[0])
		return
	}

	leaderPod := &corev1.Pod{}
	key := crclient.ObjectKey{Namespace: ns, Name: existingOwners[0].Name}
	err := l.client.Get(ctx, key, leaderPod)
	switch {
	case apierrors.IsNotFound(err):
		klog.V(2).Info("Leader pod has been deleted, waiting for garbage collection to remove the lock.")
	case err != nil:
		klog.Infof("Could not get leader pod: %v", err)
	case isPodEvicted(*leaderPod) && leaderPod.GetDeletionTimestamp() == nil:
		klog.Infof("Operator pod with leader lock has been evicted. leader: %v", leaderPod.Name)
		klog.Info("Deleting evicted leader.")
		if err := l.client.Delete(ctx, leaderPod); err != nil {
			klog.Infof("Leader pod could not be deleted: %v", err)
		}
	}
}

// WaitForLeadership polls elector with a jittered exponential backoff until
// it reports leadership or ctx is done.
func WaitForLeadership(ctx context.Context, elector Elector) error {
	backoff := time.Second
	for {
		ok, err := elector.IsLeader(ctx)
		if err != nil {
			klog.Warningf("Leader election failed: %v", err)
		}
		if ok {
			return nil
		}

		select {
		case <-time.After(wait.Jitter(backoff, .2)):
			if backoff < maxBackoffInterval {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// myOwnerRef returns an OwnerReference that corresponds to the pod in which
// this code is currently running.
func (l *LockElector) myOwnerRef(ctx context.Context, ns string) (*metav1.OwnerReference, error) {
	myPod, err := l.env.Pod(ctx, l.client, ns)
	if err != nil {
		return nil, err
	}

	owner := &metav1.OwnerReference{
		APIVersion: "v1",
		Kind:       "Pod",
		Name:       myPod.ObjectMeta.Name,
		UID:        myPod.ObjectMeta.UID,
	}
	return owner, nil
}

func isPodEvicted(pod corev1.Pod) bool {
	podFailed := pod.Status.Phase == corev1.PodFailed
	podEvicted := pod.Status.Reason == "Evicted"
	return podFailed && podEvicted
}
