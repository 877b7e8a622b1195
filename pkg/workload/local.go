package workload

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// LocalRuntime is a Runtime for a workload that shares a filesystem with the
// operator, typically a volume mounted into both containers. Workload paths
// are resolved under Root and the layer is written to Root/layers.
type LocalRuntime struct {
	sync.Mutex

	Root string
	// StorageDir must exist for storage to count as attached. Relative paths
	// are taken relative to Root.
	StorageDir string
	// CheckHost is dialed by TCP health checks that do not name a host.
	CheckHost string

	layer *Layer
}

var _ Runtime = &LocalRuntime{}

func NewLocalRuntime(root, storageDir, checkHost string) *LocalRuntime {
	if checkHost == "" {
		checkHost = "127.0.0.1"
	}
	return &LocalRuntime{Root: root, StorageDir: storageDir, CheckHost: checkHost}
}

func (l *LocalRuntime) resolve(path string) string {
	return filepath.Join(l.Root, filepath.Clean("/"+path))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (l *LocalRuntime) CanConnect(context.Context) bool {
	return isDir(l.Root)
}

func (l *LocalRuntime) StorageAttached(context.Context) bool {
	if l.StorageDir == "" {
		return true
	}
	dir := l.StorageDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(l.Root, dir)
	}
	return isDir(dir)
}

func (l *LocalRuntime) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *LocalRuntime) Push(_ context.Context, path string, content []byte, makeDirs bool) error {
	target := l.resolve(path)
	if makeDirs {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
	}
	// write then rename so readers never see a partial file
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// LayerPath is where SetLayer writes the layer.
func (l *LocalRuntime) LayerPath() string {
	return filepath.Join(l.Root, "layers", "001-admission-webhook.yaml")
}

func (l *LocalRuntime) SetLayer(_ context.Context, layer Layer) error {
	out, err := yaml.Marshal(layer)
	if err != nil {
		return errors.Wrap(err, "could not serialize layer")
	}
	if err := os.MkdirAll(filepath.Dir(l.LayerPath()), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(l.LayerPath(), out, 0o644); err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()
	l.layer = &layer
	klog.V(2).Infof("Wrote workload layer to %s", l.LayerPath())
	return nil
}

// loadLayer returns the last layer set, reading it back from disk after a
// restart.
func (l *LocalRuntime) loadLayer() (*Layer, error) {
	l.Lock()
	defer l.Unlock()
	if l.layer != nil {
		return l.layer, nil
	}
	raw, err := os.ReadFile(l.LayerPath())
	if err != nil {
		return nil, err
	}
	layer := &Layer{}
	if err := yaml.Unmarshal(raw, layer); err != nil {
		return nil, errors.Wrapf(err, "could not parse layer %s", l.LayerPath())
	}
	l.layer = layer
	return layer, nil
}

// GetCheck runs the named TCP check once. A check that is not declared, or
// whose port does not accept a connection within the check timeout, is down.
func (l *LocalRuntime) GetCheck(ctx context.Context, name string) (CheckStatus, error) {
	layer, err := l.loadLayer()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return CheckDown, nil
		}
		return CheckDown, err
	}
	check, ok := layer.Checks[name]
	if !ok || check.TCP == nil {
		return CheckDown, nil
	}

	timeout, err := time.ParseDuration(check.Timeout)
	if err != nil {
		timeout = CheckTimeout
	}
	host := check.TCP.Host
	if host == "" {
		host = l.CheckHost
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(check.TCP.Port)))
	if err != nil {
		klog.V(2).Infof("check %s is down: %v", name, err)
		return CheckDown, nil
	}
	conn.Close()
	return CheckUp, nil
}
