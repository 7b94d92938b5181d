package fusion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
)

// Incident severities, ordered.
const (
	IncidentInfo     = "INFO"
	IncidentLow      = "LOW"
	IncidentMedium   = "MEDIUM"
	IncidentHigh     = "HIGH"
	IncidentCritical = "CRITICAL"
)

// Incident is a correlated attack-chain record. Persisted once written;
// never mutated.
type Incident struct {
	IncidentID string            `json:"incident_id"`
	DeviceID   string            `json:"device_id"`
	Severity   string            `json:"severity"`
	Tactics    []string          `json:"tactics"`
	Techniques []string          `json:"techniques"`
	RuleName   string            `json:"rule_name"`
	Summary    string            `json:"summary"`
	StartTS    time.Time         `json:"start_ts"`
	EndTS      time.Time         `json:"end_ts"`
	EventIDs   []string          `json:"event_ids"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// incidentID derives the deterministic id for a rule firing: the same
// rule, device, and terminal event always produce the same id, so
// re-emission is suppressed by the append-only store.
func incidentID(rule, device, terminalEventID string) string {
	sum := sha256.Sum256([]byte(rule + "|" + device + "|" + terminalEventID))
	return hex.EncodeToString(sum[:])[:32]
}

// Rule is one correlation rule. Evaluate is pure: it inspects the window
// and returns zero or more incidents without mutating anything. Rules
// must pick the earliest qualifying terminal event.
type Rule struct {
	Name     string
	Evaluate func(device string, events []TelemetryEventView) []Incident
}

// defaultRules returns the fixed rule list in evaluation order.
func defaultRules() []Rule {
	return []Rule{
		{Name: "ssh_brute_force", Evaluate: sshBruteForce},
		{Name: "persistence_after_auth", Evaluate: persistenceAfterAuth},
		{Name: "suspicious_sudo", Evaluate: suspiciousSudo},
		{Name: "multi_tactic_attack", Evaluate: multiTacticAttack},
	}
}

// bruteForceThreshold is the number of failed SSH attempts from one
// source address that makes a subsequent success an incident.
const bruteForceThreshold = 3

// sshBruteForce fires when >= 3 SSH failures from one source_ip are
// followed by an SSH success from the same address. The incident attaches
// every failure from that address before the success as supporting
// events, the same set failed_attempts counts.
func sshBruteForce(device string, events []TelemetryEventView) []Incident {
	type ipState struct {
		failures []TelemetryEventView
		terminal *TelemetryEventView
	}
	byIP := make(map[string]*ipState)

	for i := range events {
		v := &events[i]
		if v.EventType != TypeSecurity || v.Security.AuthType != envelope.AuthSSH {
			continue
		}
		ip := v.sourceIP()
		if ip == "" {
			continue
		}
		st := byIP[ip]
		if st == nil {
			st = &ipState{}
			byIP[ip] = st
		}
		switch v.Security.Result {
		case envelope.ResultFailure:
			if st.terminal == nil {
				st.failures = append(st.failures, *v)
			}
		case envelope.ResultSuccess:
			// Earliest success with enough prior failures is the terminal.
			if st.terminal == nil && len(st.failures) >= bruteForceThreshold {
				c := *v
				st.terminal = &c
			}
		}
	}

	var out []Incident
	for ip, st := range byIP {
		if st.terminal == nil {
			continue
		}
		ids := make([]string, 0, len(st.failures)+1)
		for _, f := range st.failures {
			ids = append(ids, f.EventID)
		}
		ids = append(ids, st.terminal.EventID)

		out = append(out, Incident{
			IncidentID: incidentID("ssh_brute_force", device, st.terminal.EventID),
			DeviceID:   device,
			Severity:   IncidentHigh,
			Tactics:    []string{"Initial Access"},
			Techniques: []string{"T1110", "T1021.004"},
			RuleName:   "ssh_brute_force",
			Summary: fmt.Sprintf("%d failed SSH logins from %s followed by a success as %q",
				len(st.failures), ip, st.terminal.Security.User),
			StartTS:  st.failures[0].Timestamp,
			EndTS:    st.terminal.Timestamp,
			EventIDs: ids,
			Metadata: map[string]string{
				"source_ip":          ip,
				"target_user":        st.terminal.Security.User,
				"failed_attempts":    fmt.Sprintf("%d", len(st.failures)),
				"time_to_compromise": fmt.Sprintf("%d", int(st.terminal.Timestamp.Sub(st.failures[0].Timestamp).Seconds())),
			},
		})
	}
	sortIncidents(out)
	return out
}

// persistenceWindow is how soon after a successful auth a persistence
// artifact creation is considered linked.
const persistenceWindow = 10 * time.Minute

var persistenceObjects = map[string]string{
	envelope.ObjectLaunchAgent:  "T1543.001",
	envelope.ObjectLaunchDaemon: "T1543.004",
	envelope.ObjectCron:         "T1053.003",
	envelope.ObjectSSHKeys:      "T1098.004",
}

// persistenceAfterAuth fires when a persistence artifact is created
// within persistenceWindow of a successful SSH or sudo authentication.
func persistenceAfterAuth(device string, events []TelemetryEventView) []Incident {
	var out []Incident
	for i := range events {
		created := &events[i]
		if created.EventType != TypeAudit ||
			created.Audit.Action != envelope.ActionCreated {
			continue
		}
		technique, isPersistence := persistenceObjects[created.Audit.ObjectType]
		if !isPersistence {
			continue
		}

		// Earliest qualifying auth success preceding the creation.
		var auth *TelemetryEventView
		for j := range events {
			v := &events[j]
			if v.EventType != TypeSecurity || v.Security.Result != envelope.ResultSuccess {
				continue
			}
			if v.Security.AuthType != envelope.AuthSSH && v.Security.AuthType != envelope.AuthSudo {
				continue
			}
			if v.Timestamp.After(created.Timestamp) {
				continue
			}
			if created.Timestamp.Sub(v.Timestamp) > persistenceWindow {
				continue
			}
			if auth == nil || v.Timestamp.Before(auth.Timestamp) {
				auth = v
			}
		}
		if auth == nil {
			continue
		}

		severity := IncidentHigh
		if strings.HasPrefix(created.Audit.Path, "/Users/") {
			severity = IncidentCritical
		}
		out = append(out, Incident{
			IncidentID: incidentID("persistence_after_auth", device, created.EventID),
			DeviceID:   device,
			Severity:   severity,
			Tactics:    []string{"Persistence"},
			Techniques: []string{technique},
			RuleName:   "persistence_after_auth",
			Summary: fmt.Sprintf("%s created at %s within %s of a successful %s auth by %q",
				created.Audit.ObjectType, created.Audit.Path,
				created.Timestamp.Sub(auth.Timestamp).Round(time.Second),
				auth.Security.AuthType, auth.Security.User),
			StartTS:  auth.Timestamp,
			EndTS:    created.Timestamp,
			EventIDs: []string{auth.EventID, created.EventID},
			Metadata: map[string]string{
				"path":          created.Audit.Path,
				"object_type":   created.Audit.ObjectType,
				"auth_user":     auth.Security.User,
				"delta_seconds": fmt.Sprintf("%d", int(created.Timestamp.Sub(auth.Timestamp).Seconds())),
			},
		})
	}
	sortIncidents(out)
	return out
}

// sudoPattern is one entry of the fixed suspicious-command set. Class A
// patterns are system-compromising and score CRITICAL; class B patterns
// are persistence-adjacent and score HIGH.
type sudoPattern struct {
	name     string
	match    func(cmd string) bool
	critical bool
}

var sudoPatterns = []sudoPattern{
	{"sudoers_edit", matchContains("/etc/sudoers"), true},
	{"kext_load", func(cmd string) bool {
		return strings.Contains(cmd, "kextload") || strings.Contains(cmd, "kmutil load")
	}, true},
	{"destructive_fs", func(cmd string) bool {
		return strings.HasPrefix(cmd, "rm -rf /") && (cmd == "rm -rf /" || strings.HasPrefix(cmd, "rm -rf /*")) ||
			strings.Contains(cmd, "mkfs") ||
			strings.Contains(cmd, "dd of=/dev/")
	}, true},
	{"launch_item_write", func(cmd string) bool {
		return strings.Contains(cmd, "/LaunchAgents/") || strings.Contains(cmd, "/LaunchDaemons/")
	}, false},
	{"setuid_shell", matchContains("chmod 4755"), false},
	{"cron_write", matchContains("/etc/cron"), false},
}

func matchContains(sub string) func(string) bool {
	return func(cmd string) bool { return strings.Contains(cmd, sub) }
}

// suspiciousSudo fires once per sudo event whose command matches the
// pattern set.
func suspiciousSudo(device string, events []TelemetryEventView) []Incident {
	var out []Incident
	for i := range events {
		v := &events[i]
		if v.EventType != TypeSecurity || v.Security.AuthType != envelope.AuthSudo {
			continue
		}
		cmd := v.attr("sudo_command")
		if cmd == "" {
			continue
		}
		for _, p := range sudoPatterns {
			if !p.match(cmd) {
				continue
			}
			severity := IncidentHigh
			if p.critical {
				severity = IncidentCritical
			}
			out = append(out, Incident{
				IncidentID: incidentID("suspicious_sudo", device, v.EventID),
				DeviceID:   device,
				Severity:   severity,
				Tactics:    []string{"Privilege Escalation"},
				Techniques: []string{"T1548.003"},
				RuleName:   "suspicious_sudo",
				Summary:    fmt.Sprintf("suspicious sudo by %q matched %s: %s", v.Security.User, p.name, cmd),
				StartTS:    v.Timestamp,
				EndTS:      v.Timestamp,
				EventIDs:   []string{v.EventID},
				Metadata: map[string]string{
					"pattern": p.name,
					"command": cmd,
				},
			})
			break
		}
	}
	sortIncidents(out)
	return out
}

// multiTacticWindow is the sub-window within which execution, C2, and
// persistence signals must co-occur.
const multiTacticWindow = 15 * time.Minute

var suspiciousExecPrefixes = []string{"/tmp/", "/private/tmp/", "/var/tmp/"}

// whitelistedPorts are destination ports considered ordinary egress.
var whitelistedPorts = map[uint32]struct{}{22: {}, 53: {}, 80: {}, 123: {}, 443: {}}

func suspiciousProcess(v *TelemetryEventView) bool {
	if v.EventType != TypeProcess {
		return false
	}
	path := v.Process.ExecutablePath
	for _, p := range suspiciousExecPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return strings.Contains(path, "/Downloads/")
}

func suspiciousFlow(v *TelemetryEventView) bool {
	if v.EventType != TypeFlow {
		return false
	}
	_, whitelisted := whitelistedPorts[v.Flow.DstPort]
	return !whitelisted
}

func persistenceCreation(v *TelemetryEventView) bool {
	if v.EventType != TypeAudit || v.Audit.Action != envelope.ActionCreated {
		return false
	}
	_, ok := persistenceObjects[v.Audit.ObjectType]
	return ok
}

// multiTacticAttack fires when a suspicious process start, a flow to a
// non-whitelisted destination, and a persistence artifact creation all
// land within one 15-minute sub-window. The terminal is the earliest
// event that completes such a triple.
func multiTacticAttack(device string, events []TelemetryEventView) []Incident {
	// events are ordered by timestamp; walk each event as the candidate
	// terminal and look back 15 minutes for the other two classes.
	for i := range events {
		term := &events[i]
		lo := term.Timestamp.Add(-multiTacticWindow)

		var proc, flow, pers *TelemetryEventView
		for j := 0; j <= i; j++ {
			v := &events[j]
			if v.Timestamp.Before(lo) {
				continue
			}
			switch {
			case proc == nil && suspiciousProcess(v):
				proc = v
			case flow == nil && suspiciousFlow(v):
				flow = v
			case pers == nil && persistenceCreation(v):
				pers = v
			}
		}
		if proc == nil || flow == nil || pers == nil {
			continue
		}

		start := proc.Timestamp
		for _, v := range []*TelemetryEventView{flow, pers} {
			if v.Timestamp.Before(start) {
				start = v.Timestamp
			}
		}
		return []Incident{{
			IncidentID: incidentID("multi_tactic_attack", device, term.EventID),
			DeviceID:   device,
			Severity:   IncidentCritical,
			Tactics:    []string{"Execution", "Command and Control", "Persistence"},
			Techniques: []string{"T1059", "T1071", "T1543.001"},
			RuleName:   "multi_tactic_attack",
			Summary: fmt.Sprintf("execution (%s), C2 flow (%s:%d), and persistence (%s) within %s",
				proc.Process.ExecutablePath, flow.Flow.DstIP, flow.Flow.DstPort,
				pers.Audit.Path, multiTacticWindow),
			StartTS:  start,
			EndTS:    term.Timestamp,
			EventIDs: []string{proc.EventID, flow.EventID, pers.EventID},
			Metadata: map[string]string{
				"process_path":     proc.Process.ExecutablePath,
				"dst":              fmt.Sprintf("%s:%d", flow.Flow.DstIP, flow.Flow.DstPort),
				"persistence_kind": pers.Audit.ObjectType,
			},
		}}
	}
	return nil
}

// sortIncidents orders by terminal timestamp then id, so rule output is
// deterministic regardless of map iteration order.
func sortIncidents(incs []Incident) {
	sort.Slice(incs, func(i, j int) bool {
		if !incs[i].EndTS.Equal(incs[j].EndTS) {
			return incs[i].EndTS.Before(incs[j].EndTS)
		}
		return incs[i].IncidentID < incs[j].IncidentID
	})
}
