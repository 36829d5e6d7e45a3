// Package protect describes which resources the engine protects and renders
// the proxy directives that bind a virtual server to a protected resource.
package protect

import (
	"net/url"
	"strings"

	"github.com/nshruti113/dos-protect/internal/models"
)

const Kind = "DosProtectedResource"

// DosProtectedResource binds a protected object name, monitor and log
// destinations to a resource.
type DosProtectedResource struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Kind       string   `yaml:"kind" json:"kind"`
	Metadata   Metadata `yaml:"metadata" json:"metadata"`
	Spec       Spec     `yaml:"spec" json:"spec"`
}

type Metadata struct {
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

type Spec struct {
	Enable           bool         `yaml:"enable" json:"enable"`
	Name             string       `yaml:"name" json:"name"`
	ApDosMonitor     *Monitor     `yaml:"apDosMonitor,omitempty" json:"apDosMonitor,omitempty"`
	DosAccessLogDest string       `yaml:"dosAccessLogDest" json:"dosAccessLogDest"`
	ApDosPolicy      string       `yaml:"apDosPolicy,omitempty" json:"apDosPolicy,omitempty"`
	DosSecurityLog   *SecurityLog `yaml:"dosSecurityLog,omitempty" json:"dosSecurityLog,omitempty"`
}

// Monitor is the upstream the proxy checks to measure server stress.
type Monitor struct {
	URI      string `yaml:"uri" json:"uri"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"` // http1, http2, grpc
	Timeout  uint64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type SecurityLog struct {
	Enable       bool   `yaml:"enable" json:"enable"`
	ApDosLogConf string `yaml:"apDosLogConf" json:"apDosLogConf"`
	DosLogDest   string `yaml:"dosLogDest" json:"dosLogDest"`
}

// ResourceID is namespace/protected/name, the vs_name of every event.
func (r *DosProtectedResource) ResourceID() models.ResourceID {
	return models.ResourceID{
		Namespace: r.Metadata.Namespace,
		Protected: r.Metadata.Name,
		Name:      r.Spec.Name,
	}
}

// Host is the host part of the monitor URI, used to route requests to the
// resource. Empty when no monitor is configured.
func (r *DosProtectedResource) Host() string {
	if r.Spec.ApDosMonitor == nil || r.Spec.ApDosMonitor.URI == "" {
		return ""
	}
	uri := r.Spec.ApDosMonitor.URI
	if !strings.Contains(uri, "://") {
		uri = "http://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
