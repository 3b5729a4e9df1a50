package domain

// QualityBand classifies a strike's triangulation quality for display.
type QualityBand string

const (
	QualityGood    QualityBand = "good"
	QualityMedium  QualityBand = "medium"
	QualityPoor    QualityBand = "poor"
	QualityUnknown QualityBand = "unknown"
)

// QualityThresholds holds the band boundaries over the maximal-circular-gap
// metric. The defaults (150/300) come from the reference renderer but are
// empirically chosen, so they stay configurable.
type QualityThresholds struct {
	GoodMax   int
	MediumMax int
}

// DefaultQualityThresholds returns the reference band boundaries.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{GoodMax: 150, MediumMax: 300}
}

// ClassifyQuality maps a maximal-circular-gap value to its band. Lower gap
// means better quality; a missing value is unknown.
func ClassifyQuality(q *int, th QualityThresholds) QualityBand {
	switch {
	case q == nil:
		return QualityUnknown
	case *q < th.GoodMax:
		return QualityGood
	case *q < th.MediumMax:
		return QualityMedium
	default:
		return QualityPoor
	}
}
