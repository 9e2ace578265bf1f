package audit

import (
	"fmt"
	"sort"
)

// ShapeStats aggregates outcomes for one command shape.
type ShapeStats struct {
	Shape         string   `json:"shape"`
	Count         int      `json:"count"`
	SuccessRate   float64  `json:"success_rate"`
	AvgDurationMS float64  `json:"avg_duration_ms"`
	TopErrors     []string `json:"top_errors,omitempty"`
}

// Stats is the derived learning view. It is recomputed on every query and
// never persisted separately, so it can never drift from the audit log.
type Stats struct {
	Shapes      []ShapeStats `json:"shapes"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

// Thresholds for the rule-based improvement suggestions.
const (
	suggestMinCount    = 5
	suggestMaxRate     = 0.5
	suggestSlowMS      = 60_000
	topErrorsPerShape  = 3
	maxSuggestionCount = 20
)

// Stats recomputes per-shape aggregates from the live table.
func (s *Store) Stats() (*Stats, error) {
	rows, err := s.db.Query(
		`SELECT command_shape,
		        COUNT(*),
		        AVG(success),
		        AVG(duration_ms)
		 FROM audit_records
		 GROUP BY command_shape
		 ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query shape stats: %w", err)
	}
	defer rows.Close()

	out := &Stats{}
	for rows.Next() {
		var ss ShapeStats
		if err := rows.Scan(&ss.Shape, &ss.Count, &ss.SuccessRate, &ss.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan shape stats: %w", err)
		}
		out.Shapes = append(out.Shapes, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out.Shapes {
		top, err := s.topErrors(out.Shapes[i].Shape)
		if err != nil {
			return nil, err
		}
		out.Shapes[i].TopErrors = top
	}

	out.Suggestions = suggest(out.Shapes)
	return out, nil
}

func (s *Store) topErrors(shape string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT error_sig, COUNT(*)
		 FROM audit_records
		 WHERE command_shape = ? AND error_sig != ''
		 GROUP BY error_sig
		 ORDER BY COUNT(*) DESC, error_sig
		 LIMIT ?`, shape, topErrorsPerShape)
	if err != nil {
		return nil, fmt.Errorf("query top errors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sig string
		var n int
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, fmt.Errorf("scan top errors: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// suggest applies simple threshold rules over the aggregates. The output is
// advisory text for operators, not machine policy.
func suggest(shapes []ShapeStats) []string {
	var out []string
	sorted := make([]ShapeStats, len(shapes))
	copy(sorted, shapes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SuccessRate < sorted[j].SuccessRate })

	for _, ss := range sorted {
		if len(out) >= maxSuggestionCount {
			break
		}
		if ss.Count >= suggestMinCount && ss.SuccessRate < suggestMaxRate {
			msg := fmt.Sprintf("%q fails %.0f%% of the time over %d runs", ss.Shape, (1-ss.SuccessRate)*100, ss.Count)
			if len(ss.TopErrors) > 0 {
				msg += fmt.Sprintf("; most common error: %s", ss.TopErrors[0])
			}
			out = append(out, msg)
		}
		if ss.Count >= suggestMinCount && ss.AvgDurationMS > suggestSlowMS {
			out = append(out, fmt.Sprintf("%q averages %.0fs per run; consider a longer timeout or a faster variant", ss.Shape, ss.AvgDurationMS/1000))
		}
	}
	return out
}
