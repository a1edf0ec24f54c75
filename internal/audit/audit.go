// Package audit records security-relevant actions as structured log events.
// Events go through slog so deployments can route them with the rest of the
// logs while still being able to filter on log_type=audit.
package audit

import (
	"log/slog"
	"strings"
)

// Event types recorded by the server.
const (
	EventContainerSpawn  = "container_spawn"
	EventContainerAttach = "container_attach"
	EventContainerKill   = "container_kill"
	EventStateChange     = "container_state_change"
	EventExecStart       = "exec_start"
	EventExecCancel      = "exec_cancel"
	EventExecComplete    = "exec_complete"
	EventFSRead          = "fs_read"
	EventFSWrite         = "fs_write"
	EventFSDelete        = "fs_delete"
	EventTarExport       = "tar_export"
	EventTarImport       = "tar_import"
	EventPolicyViolation = "policy_violation"
	EventAsRoot          = "as_root_exec"
	EventSystemStartup   = "system_startup"
	EventSystemShutdown  = "system_shutdown"
	EventSystemReconcile = "system_reconcile"
	EventSystemGC        = "system_gc"
)

// sensitiveMarkers flag attribute keys whose values must never reach a log
// line, no matter who passes them.
var sensitiveMarkers = []string{"password", "token", "secret", "key", "auth", "credential", "env"}

const redactedValue = "[REDACTED]"

// Logger emits audit events.
type Logger struct {
	log *slog.Logger
}

// New wraps a slog logger for audit output.
func New(log *slog.Logger) *Logger {
	return &Logger{log: log.With("log_type", "audit")}
}

// Event records one audit event with key/value attributes. Values whose keys
// look sensitive are redacted before they reach the log backend.
func (l *Logger) Event(event string, kv ...any) {
	args := make([]any, 0, len(kv)+2)
	args = append(args, "event", event)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		val := kv[i+1]
		if isSensitiveKey(key) {
			val = redactedValue
		}
		args = append(args, key, val)
	}
	l.log.Info("audit", args...)
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
