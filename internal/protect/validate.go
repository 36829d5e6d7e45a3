package protect

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strconv"

	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// MaxNameLength bounds the protected object name.
const MaxNameLength = 63

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid DosProtectedResource")

var monitorProtocols = []string{"grpc", "http1", "http2"}

var (
	escapedString = regexp.MustCompile(`^([^"\\]|\\.)*$`)

	logDestIP        = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}:\d{1,5}$`)
	logDestDNS       = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9-]{1,62}\.)([A-Za-z0-9-]{1,63}\.)*[A-Za-z]{2,6}:\d{1,5}$`)
	logDestLocalhost = regexp.MustCompile(`^localhost:\d{1,5}$`)
)

// Validate checks a binding before a pipeline is created for it.
func Validate(r *DosProtectedResource) error {
	var errs field.ErrorList
	meta := field.NewPath("metadata")
	spec := field.NewPath("spec")

	for _, msg := range validation.IsDNS1123Subdomain(r.Metadata.Name) {
		errs = append(errs, field.Invalid(meta.Child("name"), r.Metadata.Name, msg))
	}
	for _, msg := range validation.IsDNS1123Label(r.Metadata.Namespace) {
		errs = append(errs, field.Invalid(meta.Child("namespace"), r.Metadata.Namespace, msg))
	}

	errs = append(errs, validateName(r.Spec.Name, spec.Child("name"))...)

	if m := r.Spec.ApDosMonitor; m != nil {
		errs = append(errs, validateMonitor(m, spec.Child("apDosMonitor"))...)
	}

	if r.Spec.DosAccessLogDest == "" {
		errs = append(errs, field.Required(spec.Child("dosAccessLogDest"), ""))
	} else if err := ValidateLogDest(r.Spec.DosAccessLogDest); err != nil {
		errs = append(errs, field.Invalid(spec.Child("dosAccessLogDest"), r.Spec.DosAccessLogDest, err.Error()))
	}

	if r.Spec.ApDosPolicy != "" {
		errs = append(errs, validateReference(r.Spec.ApDosPolicy, spec.Child("apDosPolicy"))...)
	}

	if sl := r.Spec.DosSecurityLog; sl != nil {
		path := spec.Child("dosSecurityLog")
		if err := ValidateLogDest(sl.DosLogDest); err != nil {
			errs = append(errs, field.Invalid(path.Child("dosLogDest"), sl.DosLogDest, err.Error()))
		}
		errs = append(errs, validateReference(sl.ApDosLogConf, path.Child("apDosLogConf"))...)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w %s/%s: %w", ErrInvalid, r.Metadata.Namespace, r.Metadata.Name, errs.ToAggregate())
}

func validateName(name string, path *field.Path) field.ErrorList {
	if name == "" {
		return field.ErrorList{field.Required(path, "")}
	}
	if len(name) > MaxNameLength {
		return field.ErrorList{field.TooLong(path, name, MaxNameLength)}
	}
	if !escapedString.MatchString(name) {
		return field.ErrorList{field.Invalid(path, name, `must escape '"' and '\'`)}
	}
	return nil
}

func validateMonitor(m *Monitor, path *field.Path) field.ErrorList {
	var errs field.ErrorList
	if _, err := url.Parse(m.URI); err != nil {
		errs = append(errs, field.Invalid(path.Child("uri"), m.URI, "must be a valid URL"))
	} else if !escapedString.MatchString(m.URI) {
		errs = append(errs, field.Invalid(path.Child("uri"), m.URI, `must escape '"' and '\'`))
	}
	if m.Protocol != "" && !slices.Contains(monitorProtocols, m.Protocol) {
		errs = append(errs, field.NotSupported(path.Child("protocol"), m.Protocol, monitorProtocols))
	}
	return errs
}

// validateReference accepts name or namespace/name.
func validateReference(ref string, path *field.Path) field.ErrorList {
	if ref == "" {
		return field.ErrorList{field.Required(path, "")}
	}
	var errs field.ErrorList
	for _, msg := range validation.IsQualifiedName(ref) {
		errs = append(errs, field.Invalid(path, ref, msg))
	}
	return errs
}

// ValidateLogDest accepts <ip|localhost|dns name>:<port> or stderr.
func ValidateLogDest(dest string) error {
	if dest == "stderr" {
		return nil
	}
	if !logDestIP.MatchString(dest) && !logDestDNS.MatchString(dest) && !logDestLocalhost.MatchString(dest) {
		return fmt.Errorf("invalid log destination %q: must follow format <ip-address | localhost | dns name>:<port> or stderr", dest)
	}
	host, portStr, _ := net.SplitHostPort(dest)
	port, _ := strconv.Atoi(portStr)
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid log destination %q: %d is not a valid port number", dest, port)
	}
	if logDestIP.MatchString(dest) && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid log destination %q: %s is not a valid ip address", dest, host)
	}
	return nil
}
