package runstore

import "github.com/ch-au/negosim/internal/domain"

// ListDimensionResults returns the per-dimension outcome rows of a run
func (s *Store) ListDimensionResults(runID string) ([]domain.DimensionResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, product_id, dimension_id, name, target, achieved_value,
			achieved, distance_abs, distance_pct, weighted_score
		FROM dimension_results WHERE run_id = ? ORDER BY product_id, dimension_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.DimensionResult
	for rows.Next() {
		var d domain.DimensionResult
		err := rows.Scan(&d.RunID, &d.ProductID, &d.DimensionID, &d.Name, &d.Target,
			&d.AchievedValue, &d.Achieved, &d.DistanceAbs, &d.DistancePct, &d.WeightedScore)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// ListProductResults returns the per-product outcome rows of a run
func (s *Store) ListProductResults(runID string) ([]domain.ProductResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, product_id, name, deal_value, dimension_count, achieved_count
		FROM product_results WHERE run_id = ? ORDER BY product_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ProductResult
	for rows.Next() {
		var p domain.ProductResult
		err := rows.Scan(&p.RunID, &p.ProductID, &p.Name, &p.DealValue, &p.DimensionCount, &p.AchievedCount)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
