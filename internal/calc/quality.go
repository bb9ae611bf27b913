package calc

import "fmt"

// Quality classifies how far a computed value can be trusted.
type Quality int16

const (
	QualityGood      Quality = 0
	QualityUncertain Quality = 1
	QualityBad       Quality = 2
	QualityError     Quality = 3
)

// String returns the quality name as published in results.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	case QualityError:
		return "Error"
	default:
		return fmt.Sprintf("quality(%d)", int16(q))
	}
}

// Valid reports whether q is one of the four defined codes.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityError:
		return true
	default:
		return false
	}
}

// Qualities lists every quality code in ascending order.
func Qualities() []Quality {
	return []Quality{QualityGood, QualityUncertain, QualityBad, QualityError}
}
