package trust

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// healthyMetrics reports a node under no load with no security findings.
func healthyMetrics() Metrics {
	return Metrics{
		CPUPercent:    50,
		MemoryPercent: 50,
		DiskPercent:   50,
		SecurityEvents: SecurityEvents{
			Summary: SecuritySummary{RiskLevel: "low"},
		},
		NetworkStats: NetworkStats{
			Connections: ConnectionStats{Total: 10, TimeWait: 0},
		},
	}
}

func TestCalculateScoreHealthyAppNode(t *testing.T) {
	now := time.Now()
	lastSeen := now.Add(-30 * time.Second)

	score, f := CalculateScore("app", &lastSeen, healthyMetrics(), now)

	// 0.4*0.8 + 0.3*1.0 + 0.2*1.0 + 0.1*1.0 = 0.92
	if !almostEqual(score, 0.92) {
		t.Errorf("score = %v, want 0.92", score)
	}
	if !almostEqual(f.RoleScore, 0.8) {
		t.Errorf("RoleScore = %v, want 0.8", f.RoleScore)
	}
	if !almostEqual(f.DeviceHealthScore, 1.0) {
		t.Errorf("DeviceHealthScore = %v, want 1.0", f.DeviceHealthScore)
	}
	if !almostEqual(f.BehaviorScore, 1.0) {
		t.Errorf("BehaviorScore = %v, want 1.0", f.BehaviorScore)
	}
	if !almostEqual(f.SecurityScore, 1.0) {
		t.Errorf("SecurityScore = %v, want 1.0", f.SecurityScore)
	}

	if action := DetermineAction(1.0, score); action != ActionNone {
		t.Errorf("action = %q, want %q", action, ActionNone)
	}
}

func TestCalculateScoreCriticalSecurityEvents(t *testing.T) {
	now := time.Now()
	lastSeen := now.Add(-30 * time.Second)

	m := healthyMetrics()
	m.SecurityEvents.Summary = SecuritySummary{
		RiskLevel:   "critical",
		RiskFactors: []string{"ssh_brute_force", "port_scan"},
	}

	score, f := CalculateScore("app", &lastSeen, m, now)

	// security = max(0, 1 − 0.8 − 0.4 − 0.3) = 0
	if !almostEqual(f.SecurityScore, 0) {
		t.Errorf("SecurityScore = %v, want 0", f.SecurityScore)
	}
	// 0.32 + 0.3 + 0.2 + 0 = 0.82
	if !almostEqual(score, 0.82) {
		t.Errorf("score = %v, want 0.82", score)
	}

	// prev=0.92, drop=0.10 (< 0.3) and band >= 0.8 ⇒ warning.
	if action := DetermineAction(0.92, score); action != ActionWarning {
		t.Errorf("action = %q, want %q", action, ActionWarning)
	}
}

func TestDetermineActionCliff(t *testing.T) {
	// drop=0.35 > 0.3 forces suspend even though 0.55 is in the
	// rate_limit band.
	if action := DetermineAction(0.9, 0.55); action != ActionSuspend {
		t.Errorf("action = %q, want %q", action, ActionSuspend)
	}

	// A cliff landing below the suspend threshold revokes.
	if action := DetermineAction(0.6, 0.1); action != ActionRevoke {
		t.Errorf("action = %q, want %q", action, ActionRevoke)
	}
}

func TestDetermineActionBands(t *testing.T) {
	tests := []struct {
		prev, score float64
		want        string
	}{
		{0.9, 0.85, ActionNone},
		{0.8, 0.79, ActionWarning},
		{0.62, 0.59, ActionRateLimit},
		{0.45, 0.39, ActionSuspend},
		{0.25, 0.19, ActionRevoke},
		{0.85, 0.8, ActionNone},    // exactly at the full-access threshold
		{0.62, 0.6, ActionWarning}, // exactly at the normal threshold
		{0.45, 0.4, ActionRateLimit},
	}
	for _, tt := range tests {
		if got := DetermineAction(tt.prev, tt.score); got != tt.want {
			t.Errorf("DetermineAction(%v, %v) = %q, want %q", tt.prev, tt.score, got, tt.want)
		}
	}
}

func TestDeviceHealthPenalties(t *testing.T) {
	tests := []struct {
		name string
		m    Metrics
		want float64
	}{
		{"all idle", Metrics{}, 1.0},
		{"cpu elevated", Metrics{CPUPercent: 75}, 0.9},
		{"cpu high", Metrics{CPUPercent: 90}, 0.8},
		{"cpu critical", Metrics{CPUPercent: 99}, 0.6},
		{"memory elevated", Metrics{MemoryPercent: 80}, 0.95},
		{"memory high", Metrics{MemoryPercent: 90}, 0.85},
		{"memory critical", Metrics{MemoryPercent: 99}, 0.7},
		{"disk high", Metrics{DiskPercent: 92}, 0.85},
		{"disk critical", Metrics{DiskPercent: 97}, 0.7},
		{"everything critical", Metrics{CPUPercent: 99, MemoryPercent: 99, DiskPercent: 99}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceHealthScore(tt.m); !almostEqual(got, tt.want) {
				t.Errorf("deviceHealthScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBehaviorPenalties(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	stale := now.Add(-4 * time.Minute)
	gone := now.Add(-10 * time.Minute)

	tests := []struct {
		name     string
		lastSeen *time.Time
		conns    ConnectionStats
		want     float64
	}{
		{"recent quiet", &recent, ConnectionStats{Total: 10}, 1.0},
		{"stale heartbeat", &stale, ConnectionStats{Total: 10}, 0.9},
		{"long gone", &gone, ConnectionStats{Total: 10}, 0.8},
		{"never seen", nil, ConnectionStats{Total: 10}, 1.0},
		{"busy", &recent, ConnectionStats{Total: 300}, 0.9},
		{"very busy", &recent, ConnectionStats{Total: 600}, 0.7},
		{"time_wait elevated", &recent, ConnectionStats{Total: 10, TimeWait: 60}, 0.9},
		{"time_wait high", &recent, ConnectionStats{Total: 10, TimeWait: 150}, 0.8},
		{"everything wrong", &gone, ConnectionStats{Total: 600, TimeWait: 150}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Metrics{NetworkStats: NetworkStats{Connections: tt.conns}}
			if got := behaviorScore(tt.lastSeen, m, now); !almostEqual(got, tt.want) {
				t.Errorf("behaviorScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecurityScoreClampsAtZero(t *testing.T) {
	m := Metrics{
		SecurityEvents: SecurityEvents{
			Summary: SecuritySummary{
				RiskLevel: "critical",
				RiskFactors: []string{
					"ssh_brute_force", "port_scan", "suspicious_processes",
					"wireguard_failures", "high_blocked_connections",
				},
			},
		},
	}
	if got := securityScore(m); got != 0 {
		t.Errorf("securityScore = %v, want 0", got)
	}
}

func TestSecurityScoreIgnoresUnknownFactors(t *testing.T) {
	m := Metrics{
		SecurityEvents: SecurityEvents{
			Summary: SecuritySummary{
				RiskLevel:   "low",
				RiskFactors: []string{"crystal_ball_cloudy"},
			},
		},
	}
	if got := securityScore(m); !almostEqual(got, 1.0) {
		t.Errorf("securityScore = %v, want 1.0", got)
	}
}

func TestRoleScores(t *testing.T) {
	tests := []struct {
		role string
		want float64
	}{
		{"hub", 1.0},
		{"ops", 0.9},
		{"monitor", 0.85},
		{"app", 0.8},
		{"db", 0.75},
		{"gateway", 0.7},
		{"mystery", 0.5},
	}
	for _, tt := range tests {
		if got := roleScore(tt.role); !almostEqual(got, tt.want) {
			t.Errorf("roleScore(%q) = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestScoreAlwaysInRange(t *testing.T) {
	now := time.Now()
	gone := now.Add(-time.Hour)

	worst := Metrics{
		CPUPercent:    100,
		MemoryPercent: 100,
		DiskPercent:   100,
		SecurityEvents: SecurityEvents{
			Summary: SecuritySummary{
				RiskLevel:   "critical",
				RiskFactors: []string{"ssh_brute_force", "suspicious_processes", "port_scan"},
			},
		},
		NetworkStats: NetworkStats{Connections: ConnectionStats{Total: 10000, TimeWait: 10000}},
	}

	score, _ := CalculateScore("mystery", &gone, worst, now)
	if score < 0 || score > 1 {
		t.Errorf("score = %v, outside [0,1]", score)
	}

	best, _ := CalculateScore("hub", nil, healthyMetrics(), now)
	if best < 0 || best > 1 {
		t.Errorf("score = %v, outside [0,1]", best)
	}
}

func TestCalculateScoreIsPure(t *testing.T) {
	now := time.Now()
	lastSeen := now.Add(-time.Minute)
	m := healthyMetrics()

	s1, _ := CalculateScore("db", &lastSeen, m, now)
	s2, _ := CalculateScore("db", &lastSeen, m, now)
	if s1 != s2 {
		t.Errorf("same inputs gave %v then %v", s1, s2)
	}
}

func TestSummarizeTrend(t *testing.T) {
	ts := time.Now()
	mk := func(scores ...float64) []TrendPoint {
		points := make([]TrendPoint, len(scores))
		for i, s := range scores {
			points[i] = TrendPoint{Score: s, Timestamp: ts.Add(-time.Duration(i) * time.Hour)}
		}
		return points
	}

	// Newest first: recent half clearly above older half.
	improving := summarizeTrend(mk(0.9, 0.9, 0.5, 0.5))
	if improving.Trend != "improving" {
		t.Errorf("trend = %q, want improving", improving.Trend)
	}

	declining := summarizeTrend(mk(0.4, 0.4, 0.9, 0.9))
	if declining.Trend != "declining" {
		t.Errorf("trend = %q, want declining", declining.Trend)
	}

	stable := summarizeTrend(mk(0.8, 0.82, 0.79, 0.81))
	if stable.Trend != "stable" {
		t.Errorf("trend = %q, want stable", stable.Trend)
	}
	if stable.DataPoints != 4 {
		t.Errorf("DataPoints = %d, want 4", stable.DataPoints)
	}
	if !almostEqual(stable.Min, 0.79) || !almostEqual(stable.Max, 0.82) {
		t.Errorf("min/max = %v/%v", stable.Min, stable.Max)
	}

	empty := summarizeTrend(nil)
	if empty.Trend != "stable" || len(empty.Data) != 0 {
		t.Errorf("empty trend = %+v", empty)
	}
}
