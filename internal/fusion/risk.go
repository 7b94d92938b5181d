package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
)

// DeviceRiskSnapshot is the current risk posture of one device.
// Latest-wins upsert in the store.
type DeviceRiskSnapshot struct {
	DeviceID         string    `json:"device_id"`
	Score            int       `json:"score"` // clamped to [0, 100]
	Level            string    `json:"level"` // LOW, MEDIUM, HIGH, CRITICAL
	ReasonTags       []string  `json:"reason_tags"`
	SupportingEvents []string  `json:"supporting_events"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Risk contribution weights.
const (
	riskBase           = 10
	riskPerSSHFailure  = 5
	riskSSHFailureCap  = 20
	riskNewSourceIP    = 15
	riskNewSSHKey      = 30
	riskNewLaunchAgent = 25
	riskSuspiciousSudo = 30
	riskIncidentHigh   = 20
	riskIncidentCrit   = 40

	riskDecayStep     = 10
	riskDecayInterval = 10 * time.Minute
)

// riskLevel maps a clamped score to its level band.
func riskLevel(score int) string {
	switch {
	case score <= 30:
		return "LOW"
	case score <= 60:
		return "MEDIUM"
	case score <= 80:
		return "HIGH"
	}
	return "CRITICAL"
}

// computeRisk rebuilds the device's risk snapshot from the current window
// and the incidents still active inside it. It is a pure recomputation:
// contributions disappear as their events age out of the window, and idle
// time since the last contributing event applies a stepped decay.
//
// The caller passes the device state after this tick's incidents have
// been appended to activeIncidents. knownIPs must reflect the state
// before this window's successes (computeRisk records the new ones).
func computeRisk(d *deviceState, now time.Time) DeviceRiskSnapshot {
	score := 0
	var tags []string
	var supporting []string
	var lastContrib time.Time

	contribute := func(delta int, tag string, at time.Time, eventID string) {
		score += delta
		tags = append(tags, tag)
		if eventID != "" {
			supporting = append(supporting, eventID)
		}
		if at.After(lastContrib) {
			lastContrib = at
		}
	}

	if len(d.events) > 0 {
		contribute(riskBase, "active_telemetry", d.events[len(d.events)-1].Timestamp, "")
	}

	sshFailures := 0
	for i := range d.events {
		v := &d.events[i]
		switch {
		case v.EventType == TypeSecurity && v.Security.AuthType == envelope.AuthSSH &&
			v.Security.Result == envelope.ResultFailure:
			if sshFailures*riskPerSSHFailure < riskSSHFailureCap {
				contribute(riskPerSSHFailure, "", v.Timestamp, v.EventID)
			}
			sshFailures++

		case v.EventType == TypeSecurity && v.Security.AuthType == envelope.AuthSSH &&
			v.Security.Result == envelope.ResultSuccess:
			ip := v.sourceIP()
			if ip != "" {
				if _, known := d.knownIPs[ip]; !known {
					d.knownIPs[ip] = struct{}{}
					contribute(riskNewSourceIP, "new_source_ip_"+ip, v.Timestamp, v.EventID)
				}
			}

		case v.EventType == TypeAudit && v.Audit.Action == envelope.ActionCreated &&
			v.Audit.ObjectType == envelope.ObjectSSHKeys:
			contribute(riskNewSSHKey, "new_ssh_key", v.Timestamp, v.EventID)

		case v.EventType == TypeAudit && v.Audit.Action == envelope.ActionCreated &&
			v.Audit.ObjectType == envelope.ObjectLaunchAgent &&
			strings.HasPrefix(v.Audit.Path, "/Users/"):
			contribute(riskNewLaunchAgent, "new_user_launch_agent", v.Timestamp, v.EventID)
		}
	}
	if sshFailures > 0 {
		tags = append(tags, fmt.Sprintf("ssh_brute_force_attempts_%d", sshFailures))
	}

	for _, inc := range d.activeIncidents {
		if inc.RuleName == "suspicious_sudo" {
			contribute(riskSuspiciousSudo, "suspicious_sudo", inc.EndTS, "")
		}
		switch inc.Severity {
		case IncidentHigh:
			contribute(riskIncidentHigh, "incident_high_"+inc.RuleName, inc.EndTS, "")
		case IncidentCritical:
			contribute(riskIncidentCrit, "incident_critical_"+inc.RuleName, inc.EndTS, "")
		}
	}

	if !lastContrib.IsZero() {
		d.lastContribAt = lastContrib
	}
	if !d.lastContribAt.IsZero() {
		if idle := now.Sub(d.lastContribAt); idle >= riskDecayInterval {
			steps := int(idle / riskDecayInterval)
			score -= steps * riskDecayStep
			tags = append(tags, fmt.Sprintf("idle_decay_%d", steps))
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	tags = cleanTags(tags)
	sort.Strings(supporting)
	return DeviceRiskSnapshot{
		DeviceID:         d.id,
		Score:            score,
		Level:            riskLevel(score),
		ReasonTags:       tags,
		SupportingEvents: supporting,
		UpdatedAt:        now,
	}
}

// cleanTags drops empty placeholders and duplicates while keeping order.
func cleanTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
