// Package trust implements dynamic trust scoring. Each heartbeat produces
// a score in [0,1] from role, device health, behavior, and security
// telemetry; threshold bands and sudden-drop detection drive automatic
// suspension and revocation.
package trust

import "time"

// Metrics is the telemetry a heartbeat carries.
type Metrics struct {
	CPUPercent     float64        `json:"cpu_percent"`
	MemoryPercent  float64        `json:"memory_percent"`
	DiskPercent    float64        `json:"disk_percent"`
	SecurityEvents SecurityEvents `json:"security_events"`
	NetworkStats   NetworkStats   `json:"network_stats"`
}

// SecurityEvents is the agent's parsed security telemetry.
type SecurityEvents struct {
	Summary SecuritySummary `json:"summary"`
}

// SecuritySummary aggregates the agent's security findings.
type SecuritySummary struct {
	RiskLevel   string   `json:"risk_level"` // low, medium, high, critical
	RiskFactors []string `json:"risk_factors"`
}

// NetworkStats is the agent's connection telemetry.
type NetworkStats struct {
	Connections ConnectionStats `json:"connections"`
}

// ConnectionStats counts the node's network connections by state.
type ConnectionStats struct {
	Total    int `json:"total"`
	TimeWait int `json:"time_wait"`
}

// Factors is the typed breakdown of one score computation.
type Factors struct {
	RoleScore         float64  `json:"role_score"`
	DeviceHealthScore float64  `json:"device_health_score"`
	BehaviorScore     float64  `json:"behavior_score"`
	SecurityScore     float64  `json:"security_score"`
	TotalScore        float64  `json:"total_score"`
	RiskLevel         string   `json:"risk_level"`
	RiskFactors       []string `json:"risk_factors"`
}

// Actions the engine can take after scoring.
const (
	ActionNone      = "none"
	ActionWarning   = "warning"
	ActionRateLimit = "rate_limit"
	ActionSuspend   = "suspend"
	ActionRevoke    = "revoke"
)

// Component weights.
const (
	weightRole         = 0.4
	weightDeviceHealth = 0.3
	weightBehavior     = 0.2
	weightSecurity     = 0.1
)

// Score thresholds.
const (
	thresholdFullAccess = 0.8
	thresholdNormal     = 0.6
	thresholdLimited    = 0.4
	thresholdSuspend    = 0.2

	// cliffDrop is the sudden-loss threshold: a drop beyond this forces
	// suspension (or revocation when the new score is already critical).
	cliffDrop = 0.3
)

// roleBaseScores is the inherent trust level per role.
var roleBaseScores = map[string]float64{
	"hub":     1.0,
	"ops":     0.9,
	"monitor": 0.85,
	"app":     0.8,
	"db":      0.75,
	"gateway": 0.7,
}

const defaultRoleScore = 0.5

// securityFactorPenalties maps agent-reported risk factors to score
// penalties.
var securityFactorPenalties = map[string]float64{
	"ssh_brute_force":          0.4,
	"ssh_failed_logins":        0.15,
	"port_scan":                0.3,
	"high_blocked_connections": 0.2,
	"wireguard_failures":       0.25,
	"suspicious_processes":     0.5,
	"high_cpu_usage":           0.1,
}

// CalculateScore computes the weighted trust score for a node. It is a
// pure function of (role, lastSeen, metrics, now).
func CalculateScore(role string, lastSeen *time.Time, m Metrics, now time.Time) (float64, Factors) {
	f := Factors{
		RoleScore:         roleScore(role),
		DeviceHealthScore: deviceHealthScore(m),
		BehaviorScore:     behaviorScore(lastSeen, m, now),
		SecurityScore:     securityScore(m),
		RiskLevel:         riskLevel(m),
		RiskFactors:       m.SecurityEvents.Summary.RiskFactors,
	}

	score := f.RoleScore*weightRole +
		f.DeviceHealthScore*weightDeviceHealth +
		f.BehaviorScore*weightBehavior +
		f.SecurityScore*weightSecurity

	score = clamp01(score)
	f.TotalScore = score
	return score, f
}

// roleScore looks up the inherent trust level for a role.
func roleScore(role string) float64 {
	if s, ok := roleBaseScores[role]; ok {
		return s
	}
	return defaultRoleScore
}

// deviceHealthScore penalizes resource saturation — a saturated node may
// be compromised.
func deviceHealthScore(m Metrics) float64 {
	score := 1.0

	switch {
	case m.CPUPercent > 95:
		score -= 0.4
	case m.CPUPercent > 85:
		score -= 0.2
	case m.CPUPercent > 70:
		score -= 0.1
	}

	switch {
	case m.MemoryPercent > 95:
		score -= 0.3
	case m.MemoryPercent > 85:
		score -= 0.15
	case m.MemoryPercent > 75:
		score -= 0.05
	}

	switch {
	case m.DiskPercent > 95:
		score -= 0.3
	case m.DiskPercent > 90:
		score -= 0.15
	}

	return clampFloor(score)
}

// behaviorScore penalizes reporting gaps and anomalous connection counts.
func behaviorScore(lastSeen *time.Time, m Metrics, now time.Time) float64 {
	score := 1.0

	if lastSeen != nil {
		gap := now.Sub(*lastSeen)
		if gap > 5*time.Minute {
			score -= 0.2
		} else if gap > 3*time.Minute {
			score -= 0.1
		}
	}

	conns := m.NetworkStats.Connections
	if conns.Total > 500 {
		score -= 0.3
	} else if conns.Total > 200 {
		score -= 0.1
	}

	if conns.TimeWait > 100 {
		score -= 0.2
	} else if conns.TimeWait > 50 {
		score -= 0.1
	}

	return clampFloor(score)
}

// securityScore heavily penalizes reported incidents.
func securityScore(m Metrics) float64 {
	score := 1.0
	summary := m.SecurityEvents.Summary

	switch summary.RiskLevel {
	case "critical":
		score -= 0.8
	case "high":
		score -= 0.5
	case "medium":
		score -= 0.3
	}

	for _, factor := range summary.RiskFactors {
		if penalty, ok := securityFactorPenalties[factor]; ok {
			score -= penalty
		}
	}

	return clampFloor(score)
}

// riskLevel echoes the agent-reported risk level, defaulting to low.
func riskLevel(m Metrics) string {
	if rl := m.SecurityEvents.Summary.RiskLevel; rl != "" {
		return rl
	}
	return "low"
}

// DetermineAction maps (previous score, new score) to an action. A drop
// beyond cliffDrop escalates to suspend — or revoke when the new score is
// below the suspend threshold — regardless of the band the score lands in.
func DetermineAction(previous, score float64) string {
	if previous-score > cliffDrop {
		if score < thresholdSuspend {
			return ActionRevoke
		}
		return ActionSuspend
	}

	switch {
	case score < thresholdSuspend:
		return ActionRevoke
	case score < thresholdLimited:
		return ActionSuspend
	case score < thresholdNormal:
		return ActionRateLimit
	case score < thresholdFullAccess:
		return ActionWarning
	default:
		return ActionNone
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampFloor(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
