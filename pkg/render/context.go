package render

import (
	"encoding/base64"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"
)

// Context holds the values a reconciliation pass renders manifests with. It is
// rebuilt on every pass from configuration and the current certificate bundle.
type Context struct {
	AppName     string
	Namespace   string
	ServiceName string
	Port        int
	// CABundle is the PEM CA certificate, not yet base64 encoded.
	CABundle string
}

// RenderData returns the template data for c. The CA bundle is exposed
// base64-encoded as CABundle.
func (c Context) RenderData() RenderData {
	d := MakeRenderData()
	d.Data["AppName"] = c.AppName
	d.Data["Namespace"] = c.Namespace
	d.Data["ServiceName"] = c.ServiceName
	d.Data["Port"] = c.Port
	d.Data["CABundle"] = base64.StdEncoding.EncodeToString([]byte(c.CABundle))
	d.Data["WebhookName"] = names.WebhookName
	d.Data["WebhookPath"] = names.WebhookPath
	d.Data["ManagedByLabel"] = names.ManagedByLabel
	d.Data["FieldManager"] = names.FieldManager
	return d
}
