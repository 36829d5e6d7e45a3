package protect

import (
	"fmt"
	"strings"
)

const (
	PoliciesDir = "/etc/nginx/dos/policies"
	LogConfsDir = "/etc/nginx/dos/logconfs"
)

// ParseResourceReference returns ref as namespace/name, defaulting to ns.
func ParseResourceReference(ns, ref string) string {
	if !strings.Contains(ref, "/") {
		return ns + "/" + ref
	}
	return ref
}

// filePath maps namespace/name to <dir>/<namespace>_<name>.json.
func filePath(dir, ns, ref string) string {
	qualified := ParseResourceReference(ns, ref)
	return fmt.Sprintf("%s/%s.json", dir, strings.Replace(qualified, "/", "_", 1))
}

// PolicyFile is the path of the policy referenced by the binding.
func (r *DosProtectedResource) PolicyFile() string {
	if r.Spec.ApDosPolicy == "" {
		return ""
	}
	return filePath(PoliciesDir, r.Metadata.Namespace, r.Spec.ApDosPolicy)
}

// LogConfFile is the path of the security-log configuration.
func (r *DosProtectedResource) LogConfFile() string {
	if r.Spec.DosSecurityLog == nil || r.Spec.DosSecurityLog.ApDosLogConf == "" {
		return ""
	}
	return filePath(LogConfsDir, r.Metadata.Namespace, r.Spec.DosSecurityLog.ApDosLogConf)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Directives renders the proxy configuration lines for the binding, in the
// order the proxy expects them.
func (r *DosProtectedResource) Directives() []string {
	lines := []string{fmt.Sprintf("app_protect_dos_enable %s;", onOff(r.Spec.Enable))}
	if !r.Spec.Enable {
		return lines
	}

	sl := r.Spec.DosSecurityLog
	lines = append(lines, fmt.Sprintf("app_protect_dos_security_log_enable %s;", onOff(sl != nil && sl.Enable)))
	if host := r.Host(); host != "" {
		lines = append(lines, fmt.Sprintf("app_protect_dos_monitor %q;", host))
	}
	lines = append(lines, fmt.Sprintf("app_protect_dos_name %q;", r.ResourceID().String()))
	if p := r.PolicyFile(); p != "" {
		lines = append(lines, fmt.Sprintf("app_protect_dos_policy_file %s;", p))
	}
	if sl != nil && sl.Enable {
		lines = append(lines,
			"app_protect_dos_security_log_enable on;",
			fmt.Sprintf("app_protect_dos_security_log %s %s;", r.LogConfFile(), securityLogTarget(sl.DosLogDest)))
	}
	return lines
}

func securityLogTarget(dest string) string {
	if dest == "stderr" {
		return dest
	}
	return "syslog:server=" + dest
}
