package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/meshguard/internal/store"
)

// Store provides database operations for the append-only trust history.
type Store struct{}

// NewStore creates a trust Store.
func NewStore() *Store {
	return &Store{}
}

// HistoryRecord is one row of the trust history.
type HistoryRecord struct {
	ID                int64           `json:"id"`
	NodeID            int64           `json:"node_id"`
	Hostname          string          `json:"hostname"`
	TrustScore        float64         `json:"trust_score"`
	PreviousScore     float64         `json:"previous_score"`
	RiskLevel         string          `json:"risk_level"`
	RiskFactors       []string        `json:"risk_factors,omitempty"`
	DeviceHealthScore float64         `json:"device_health_score"`
	SecurityScore     float64         `json:"security_score"`
	BehaviorScore     float64         `json:"behavior_score"`
	RoleScore         float64         `json:"role_score"`
	MetricsSnapshot   json.RawMessage `json:"metrics_snapshot,omitempty"`
	ActionTaken       string          `json:"action_taken"`
	CreatedAt         time.Time       `json:"created_at"`
}

// AppendHistory records one score computation. The table is append-only.
func (s *Store) AppendHistory(ctx context.Context, db store.DBTX, rec HistoryRecord) error {
	factors, err := json.Marshal(rec.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshalling risk factors: %w", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO trust_history
			(node_id, hostname, trust_score, previous_score, risk_level, risk_factors,
			 device_health_score, security_score, behavior_score, role_score,
			 metrics_snapshot, action_taken)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.NodeID, rec.Hostname, rec.TrustScore, rec.PreviousScore,
		rec.RiskLevel, factors,
		rec.DeviceHealthScore, rec.SecurityScore, rec.BehaviorScore, rec.RoleScore,
		rec.MetricsSnapshot, rec.ActionTaken,
	)
	if err != nil {
		return fmt.Errorf("appending trust history: %w", err)
	}
	return nil
}

// TrendPoint is one history sample in a trend response.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	RiskLevel string    `json:"risk_level"`
}

// Trend summarizes a node's trust trajectory over a window.
type Trend struct {
	Trend      string       `json:"trend"` // improving, stable, declining
	Average    float64      `json:"average"`
	Min        float64      `json:"min"`
	Max        float64      `json:"max"`
	DataPoints int          `json:"data_points"`
	Data       []TrendPoint `json:"data"`
}

// maxTrendSamples bounds the data array returned to clients.
const maxTrendSamples = 50

// TrendForNode compares the mean of the more-recent half of the window to
// the older half; more than 0.1 apart classifies as improving/declining.
func (s *Store) TrendForNode(ctx context.Context, db store.DBTX, nodeID int64, hours int) (Trend, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	rows, err := db.Query(ctx,
		`SELECT trust_score, risk_level, created_at FROM trust_history
		 WHERE node_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		nodeID, since,
	)
	if err != nil {
		return Trend{}, fmt.Errorf("querying trust history: %w", err)
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Score, &p.RiskLevel, &p.Timestamp); err != nil {
			return Trend{}, fmt.Errorf("scanning trust history row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return Trend{}, err
	}

	return summarizeTrend(points), nil
}

// summarizeTrend computes the trend classification from history points
// ordered newest first.
func summarizeTrend(points []TrendPoint) Trend {
	if len(points) == 0 {
		return Trend{Trend: "stable", Data: []TrendPoint{}}
	}

	var sum float64
	min, max := points[0].Score, points[0].Score
	for _, p := range points {
		sum += p.Score
		if p.Score < min {
			min = p.Score
		}
		if p.Score > max {
			max = p.Score
		}
	}

	trend := "stable"
	if len(points) >= 2 {
		half := len(points) / 2
		var recentSum, olderSum float64
		for _, p := range points[:half] {
			recentSum += p.Score
		}
		for _, p := range points[half:] {
			olderSum += p.Score
		}
		recent := recentSum / float64(half)
		older := olderSum / float64(len(points)-half)

		if recent > older+0.1 {
			trend = "improving"
		} else if recent < older-0.1 {
			trend = "declining"
		}
	}

	data := points
	if len(data) > maxTrendSamples {
		data = data[:maxTrendSamples]
	}

	return Trend{
		Trend:      trend,
		Average:    sum / float64(len(points)),
		Min:        min,
		Max:        max,
		DataPoints: len(points),
		Data:       data,
	}
}
