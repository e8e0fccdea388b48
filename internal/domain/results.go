package domain

// DimensionResult is the per-dimension outcome row written once for a
// completed run: achieved value against target plus distance metrics
type DimensionResult struct {
	RunID         string
	ProductID     string
	DimensionID   string
	Name          string
	Target        float64
	AchievedValue float64
	Achieved      bool
	DistanceAbs   float64
	DistancePct   float64
	WeightedScore float64
}

// ProductResult aggregates the dimension results of one product for a run
type ProductResult struct {
	RunID          string
	ProductID      string
	Name           string
	DealValue      float64
	DimensionCount int
	AchievedCount  int
}
