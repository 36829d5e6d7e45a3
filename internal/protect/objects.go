package protect

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	PolicyKind  = "APDosPolicy"
	LogConfKind = "APDosLogConf"
)

// ErrMissingReference is returned when a binding names a policy or log
// configuration the registry does not hold.
var ErrMissingReference = errors.New("referenced object not found")

var (
	policyRequiredFields  = [][]string{{"spec"}}
	logConfRequiredFields = [][]string{{"spec", "content"}, {"spec", "filter"}}
)

// Object is a DoS policy or log configuration. Its spec is opaque to the
// engine; only the presence of required fields is checked.
type Object struct {
	APIVersion string         `yaml:"apiVersion" json:"apiVersion"`
	Kind       string         `yaml:"kind" json:"kind"`
	Metadata   Metadata       `yaml:"metadata" json:"metadata"`
	Spec       map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
}

// Key is namespace/name, the form ParseResourceReference returns.
func (o *Object) Key() string {
	return o.Metadata.Namespace + "/" + o.Metadata.Name
}

func requireFields(o *Object, required [][]string) error {
	for _, path := range required {
		var cur map[string]any
		if o.Spec != nil {
			cur = map[string]any{"spec": o.Spec}
		}
		for i, name := range path {
			v := cur[name]
			if v == nil {
				return fmt.Errorf("required field %v not found", path[:i+1])
			}
			cur, _ = v.(map[string]any)
		}
	}
	return nil
}

// ValidatePolicy requires a spec.
func ValidatePolicy(o *Object) error {
	if err := requireFields(o, policyRequiredFields); err != nil {
		return fmt.Errorf("%w: policy %s: %w", ErrInvalid, o.Key(), err)
	}
	return nil
}

// ValidateLogConf requires spec.content and spec.filter.
func ValidateLogConf(o *Object) error {
	if err := requireFields(o, logConfRequiredFields); err != nil {
		return fmt.Errorf("%w: log configuration %s: %w", ErrInvalid, o.Key(), err)
	}
	return nil
}

// ValidateObject checks the name of o and the required fields of its kind.
func ValidateObject(o *Object) error {
	if msgs := validation.IsDNS1123Subdomain(o.Metadata.Name); len(msgs) > 0 {
		return fmt.Errorf("%w: metadata.name %q: %s", ErrInvalid, o.Metadata.Name, msgs[0])
	}
	if msgs := validation.IsDNS1123Label(o.Metadata.Namespace); len(msgs) > 0 {
		return fmt.Errorf("%w: metadata.namespace %q: %s", ErrInvalid, o.Metadata.Namespace, msgs[0])
	}
	switch o.Kind {
	case PolicyKind:
		return ValidatePolicy(o)
	case LogConfKind:
		return ValidateLogConf(o)
	}
	return fmt.Errorf("%w: unsupported kind %q", ErrInvalid, o.Kind)
}

// Registry holds the policies and log configurations bindings refer to.
// Malformed objects are kept so a binding naming one fails with the reason.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Object
	logConfs map[string]Object
}

func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Object),
		logConfs: make(map[string]Object),
	}
}

// Put stores o by kind and reports its validation result.
func (r *Registry) Put(o Object) error {
	var objects map[string]Object
	switch o.Kind {
	case PolicyKind:
		objects = r.policies
	case LogConfKind:
		objects = r.logConfs
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalid, o.Kind)
	}
	err := ValidateObject(&o)
	r.mu.Lock()
	objects[o.Key()] = o
	r.mu.Unlock()
	return err
}

func (r *Registry) Delete(kind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case PolicyKind:
		delete(r.policies, key)
	case LogConfKind:
		delete(r.logConfs, key)
	}
}

// Keys lists the stored objects of kind.
func (r *Registry) Keys(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objects := r.policies
	if kind == LogConfKind {
		objects = r.logConfs
	}
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve checks that every policy and log configuration res refers to
// exists and is well formed.
func (r *Registry) Resolve(res *DosProtectedResource) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := res.Metadata.Namespace
	if ref := res.Spec.ApDosPolicy; ref != "" {
		key := ParseResourceReference(ns, ref)
		o, ok := r.policies[key]
		if !ok {
			return fmt.Errorf("%w: spec.apDosPolicy: %w: %s %s", ErrInvalid, ErrMissingReference, PolicyKind, key)
		}
		if err := ValidatePolicy(&o); err != nil {
			return err
		}
	}
	if sl := res.Spec.DosSecurityLog; sl != nil && sl.ApDosLogConf != "" {
		key := ParseResourceReference(ns, sl.ApDosLogConf)
		o, ok := r.logConfs[key]
		if !ok {
			return fmt.Errorf("%w: spec.dosSecurityLog.apDosLogConf: %w: %s %s", ErrInvalid, ErrMissingReference, LogConfKind, key)
		}
		if err := ValidateLogConf(&o); err != nil {
			return err
		}
	}
	return nil
}
