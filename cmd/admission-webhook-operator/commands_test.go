package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/kubeflow/admission-webhook-operator/pkg/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Setenv("POD_NAMESPACE", "kubeflow")
	cmd := newOperatorCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Version+"\n", out)
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "manifests.yaml")

	_, err := execute(t, "render",
		"--kubeconfig", filepath.Join(dir, "missing-kubeconfig"),
		"--state-backend", "memory",
		"--app-name", "hook",
		"--out", outPath)
	require.NoError(t, err)

	content, err := os.ReadFile(outPath)
	require.NoError(t, err)
	docs := strings.Split(string(content), "---\n")
	kinds := []string{}
	var mwc admissionregistrationv1.MutatingWebhookConfiguration
	for _, doc := range docs {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		meta := struct {
			Kind string `json:"kind"`
		}{}
		require.NoError(t, yaml.Unmarshal([]byte(doc), &meta))
		kinds = append(kinds, meta.Kind)
		if meta.Kind == "MutatingWebhookConfiguration" {
			require.NoError(t, k8syaml.NewYAMLOrJSONDecoder(strings.NewReader(doc), 4096).Decode(&mwc))
		}
	}

	assert.Equal(t, []string{
		"ClusterRole", "ClusterRole", "ClusterRole", "ClusterRoleBinding",
		"Service", "MutatingWebhookConfiguration", "CustomResourceDefinition",
	}, kinds)
	require.Len(t, mwc.Webhooks, 1)
	assert.Equal(t, "hook", mwc.Name)
	assert.Equal(t, "kubeflow", mwc.Webhooks[0].ClientConfig.Service.Namespace)
	assert.Contains(t, string(mwc.Webhooks[0].ClientConfig.CABundle), "BEGIN CERTIFICATE")
}

func TestRenderCommandRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "render", "--state-backend", "memory", "--port", "0")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestReconcileRejectsRemoveTrigger(t *testing.T) {
	_, err := execute(t, "reconcile", "--trigger", "remove")
	assert.ErrorContains(t, err, "remove command")

	_, err = execute(t, "reconcile", "--trigger", "bogus")
	assert.ErrorContains(t, err, "unknown trigger")
}
