// Package security implements the Security Monitor: the stateful
// taint/policy guard consulted on every routed use_tool call, and the
// SessionTrace it maintains.
//
// The signature tables below follow the declarative regexp-table style of
// mcp-scooter/internal/domain/registry/validate.go (namePattern,
// versionPattern, etc.), repurposed from catalog-field validation to
// argument-content classification.
package security

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/relaymcp/gateway/internal/config"
	"github.com/relaymcp/gateway/internal/logging"
)

// Outcome is the result of one access decision.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// TraceEntry is one append-only SessionTrace record.
type TraceEntry struct {
	Timestamp time.Time            `json:"timestamp"`
	Backend   string               `json:"backend"`
	Tool      string               `json:"tool"`
	Level     config.SecurityLevel `json:"level"`
	Outcome   Outcome              `json:"outcome"`
	Reason    string               `json:"reason,omitempty"`
}

// sqlInjectionSignatures matches spec §4.4 item 3's catalogue.
var sqlInjectionSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i)\bor\s*'1'\s*=\s*'1`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update)\b`),
	regexp.MustCompile(`(?i)sleep\(`),
	regexp.MustCompile(`(?i)benchmark\(`),
	regexp.MustCompile(`(?i)waitfor\s+delay`),
}

// sensitiveDataSignatures matches spec §4.4 item 5's catalogue. These
// intentionally reuse the same shapes as internal/logging's redaction
// filter: a blocked call and a redacted log line should agree on what
// counts as sensitive.
var sensitiveDataSignatures = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*[^\s"']{4,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)(postgres|mysql|mongodb)://[^\s]*:[^\s]*@[^\s]+`),
}

func matchesAny(signatures []*regexp.Regexp, s string) bool {
	for _, re := range signatures {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// BackendLevel resolves the SecurityLevel of a backend name for a Check. The
// Monitor has no knowledge of the Registry; the Dispatcher supplies this.
type BackendLevel func(backendName string) (config.SecurityLevel, bool)

// Monitor enforces a SecurityPolicy and accumulates a SessionTrace. Policy
// may be nil, meaning no policy is configured: every call is allowed and the
// trace is still recorded (spec §9 open question).
type Monitor struct {
	policy *config.SecurityPolicy
	log    *logging.Logger

	mu        sync.Mutex
	startedAt time.Time
	lastUsed  time.Time
	tainted   bool
	trace     []TraceEntry
	perBackend map[string]int
}

// New constructs a Monitor. policy may be nil.
func New(policy *config.SecurityPolicy, log *logging.Logger) *Monitor {
	now := time.Now()
	return &Monitor{
		policy:     policy,
		log:        log,
		startedAt:  now,
		lastUsed:   now,
		perBackend: make(map[string]int),
	}
}

// Decision is the result of a Check: whether to allow the call, and why not
// if denied.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check applies spec §4.4's ordered decision chain to a proposed use_tool
// call against backendName/toolName with the given arguments, resolving the
// backend's SecurityLevel via resolveLevel. It always appends a TraceEntry,
// whether the call is allowed or denied.
func (m *Monitor) Check(backendName, toolName string, arguments json.RawMessage, resolveLevel BackendLevel) Decision {
	level, _ := resolveLevel(backendName)
	serialized := string(arguments)

	m.mu.Lock()
	defer m.mu.Unlock()

	priorBackend := m.lastDistinctBackendLocked(backendName)
	m.lastUsed = time.Now()

	decision := m.decideLocked(backendName, level, serialized)
	m.recordLocked(backendName, toolName, level, decision)

	if m.policy != nil && m.policy.LogAllCrossBackendAccess && priorBackend != "" {
		m.log.Info("cross-backend access: %s -> %s (tool=%s, allowed=%v)", priorBackend, backendName, toolName, decision.Allowed)
	}

	return decision
}

// lastDistinctBackendLocked returns the backend name of the single most
// recent trace entry, if it names a different backend than current — spec
// §4.4's "access that follows a prior access to a different backend".
func (m *Monitor) lastDistinctBackendLocked(current string) string {
	if len(m.trace) == 0 {
		return ""
	}
	last := m.trace[len(m.trace)-1].Backend
	if last == current {
		return ""
	}
	return last
}

func (m *Monitor) decideLocked(backendName string, level config.SecurityLevel, serializedArgs string) Decision {
	if m.policy == nil {
		return Decision{Allowed: true}
	}

	if m.policy.SessionTimeout > 0 && time.Since(m.startedAt) > m.policy.SessionTimeout {
		return Decision{Reason: "session expired"}
	}

	if m.tainted && m.policy.BlockAfterSuspiciousActivity {
		return Decision{Reason: "blocked after suspicious activity"}
	}

	if m.policy.SQLInjectionProtection && matchesAny(sqlInjectionSignatures, serializedArgs) {
		m.tainted = true
		return Decision{Reason: "potential SQL injection"}
	}

	if m.policy.PreventSensitiveToPublic && level == config.LevelPublic && m.hasPriorSensitiveAccessLocked() {
		m.tainted = true
		return Decision{Reason: "sensitive→public flow"}
	}

	if m.policy.PreventSensitiveDataLeak && matchesAny(sensitiveDataSignatures, serializedArgs) {
		m.tainted = true
		return Decision{Reason: "sensitive data in arguments"}
	}

	return Decision{Allowed: true}
}

func (m *Monitor) hasPriorSensitiveAccessLocked() bool {
	for _, e := range m.trace {
		if e.Level == config.LevelSensitive && e.Outcome == OutcomeAllow {
			return true
		}
	}
	return false
}

func (m *Monitor) recordLocked(backendName, toolName string, level config.SecurityLevel, d Decision) {
	outcome := OutcomeAllow
	if !d.Allowed {
		outcome = OutcomeDeny
	}
	m.trace = append(m.trace, TraceEntry{
		Timestamp: time.Now(),
		Backend:   backendName,
		Tool:      toolName,
		Level:     level,
		Outcome:   outcome,
		Reason:    d.Reason,
	})
	m.perBackend[backendName]++
}

// Snapshot is the security_status meta-tool's result shape (spec §4.4).
type Snapshot struct {
	SessionAge      float64              `json:"session_age_seconds"`
	Tainted         bool                 `json:"tainted"`
	AccessesByBackend map[string]int     `json:"accesses_by_backend"`
	RecentEntries   []TraceEntry         `json:"recent_entries"`
	Policy          *config.SecurityPolicy `json:"effective_policy"`
}

const maxRecentEntries = 20

// Status returns a point-in-time snapshot for the security_status meta-tool.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	perBackend := make(map[string]int, len(m.perBackend))
	for k, v := range m.perBackend {
		perBackend[k] = v
	}

	start := 0
	if len(m.trace) > maxRecentEntries {
		start = len(m.trace) - maxRecentEntries
	}
	recent := make([]TraceEntry, len(m.trace)-start)
	copy(recent, m.trace[start:])

	return Snapshot{
		SessionAge:        time.Since(m.startedAt).Seconds(),
		Tainted:           m.tainted,
		AccessesByBackend: perBackend,
		RecentEntries:     recent,
		Policy:            m.policy,
	}
}

// MarshalArguments is a convenience for callers holding arbitrary Go values
// (maps, structs) rather than an already-serialized json.RawMessage — the
// Security Monitor only ever inspects the serialized form.
func MarshalArguments(v interface{}) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
