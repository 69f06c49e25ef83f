package traffic

// Condition is a coarse traffic severity label.
type Condition string

const (
	Light    Condition = "light"
	Moderate Condition = "moderate"
	Heavy    Condition = "heavy"
	Severe   Condition = "severe"
)

// Classify maps a route delay and the traffic impact (current minus
// free-flow duration) to a Condition.
//
// All boundaries are strict: delay=15/impact=0 is moderate, not heavy.
func Classify(delayMinutes, impactMinutes int) Condition {
	switch {
	case delayMinutes > 30 || impactMinutes > 20:
		return Severe
	case delayMinutes > 15 || impactMinutes > 10:
		return Heavy
	case delayMinutes > 5 || impactMinutes > 5:
		return Moderate
	default:
		return Light
	}
}
