// Package bindata holds the manifest templates the operator applies.
package bindata

import (
	"embed"
	"io/fs"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"
)

//go:embed webhook crds
var FS embed.FS

// Groups returns the resource groups in apply order: the non-CRD group first,
// then the CRDs. fsys is FS unless manifests are overridden from disk.
func Groups(fsys fs.FS) []render.ResourceGroup {
	return []render.ResourceGroup{
		{
			Name: names.WebhookGroup,
			FS:   fsys,
			Templates: []string{
				"webhook/auth_manifests.yaml",
				"webhook/webhook_service.yaml",
				"webhook/webhook_configuration.yaml",
			},
		},
		{
			Name: names.CRDGroup,
			FS:   fsys,
			Templates: []string{
				"crds/crds.yaml",
			},
		},
	}
}
