package render

import (
	"bytes"
	"io"
	"io/fs"
	"iter"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/klog/v2"
)

// TemplateError is returned when a template of a group cannot be turned into
// objects: it failed to parse, referenced an undefined key, or rendered into
// something that is not a valid object.
type TemplateError struct {
	Group    string
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return "failed to render " + e.Template + " of group " + e.Group + ": " + e.Err.Error()
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// ResourceGroup is a named, ordered list of manifest templates read from FS.
type ResourceGroup struct {
	Name      string
	FS        fs.FS
	Templates []string
}

// Objects renders the group's templates in order and yields every object they
// produce. Nothing is rendered until the sequence is iterated, and each
// iteration renders afresh. After an error is yielded the sequence stops.
func (g ResourceGroup) Objects(d RenderData) iter.Seq2[*unstructured.Unstructured, error] {
	return func(yield func(*unstructured.Unstructured, error) bool) {
		for _, path := range g.Templates {
			objs, err := RenderTemplate(g.FS, path, d)
			if err != nil {
				yield(nil, &TemplateError{Group: g.Name, Template: path, Err: err})
				return
			}
			for _, obj := range objs {
				if !yield(obj, nil) {
					return
				}
			}
		}
	}
}

// Render collects Objects into a slice. Either all objects are returned or
// none are.
func (g ResourceGroup) Render(d RenderData) ([]*unstructured.Unstructured, error) {
	out := []*unstructured.Unstructured{}
	for obj, err := range g.Objects(d) {
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	klog.V(4).Infof("rendered %d objects for group %s", len(out), g.Name)
	return out, nil
}

// RenderTemplate reads, renders, and parses a single manifest template. A
// template may hold several YAML documents.
func RenderTemplate(fsys fs.FS, path string, d RenderData) ([]*unstructured.Unstructured, error) {
	source, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}

	tmpl := template.New(path).Option("missingkey=error").Funcs(d.funcs())
	if _, err := tmpl.Parse(string(source)); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s as template", path)
	}

	rendered := bytes.Buffer{}
	if err := tmpl.Execute(&rendered, d.Data); err != nil {
		return nil, errors.Wrapf(err, "failed to render manifest %s", path)
	}

	out := []*unstructured.Unstructured{}

	// special case - if the entire file is whitespace, skip
	if len(strings.TrimSpace(rendered.String())) == 0 {
		return out, nil
	}

	decoder := yaml.NewYAMLOrJSONDecoder(&rendered, 4096)
	for {
		u := unstructured.Unstructured{}
		if err := decoder.Decode(&u); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "failed to unmarshal manifest %s", path)
		}
		if u.GetName() == "" {
			return nil, errors.Errorf("manifest %s rendered a %s without metadata.name", path, u.GetKind())
		}
		out = append(out, &u)
	}
	return out, nil
}
