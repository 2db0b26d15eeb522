package profile

type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

func (s Severity) IsValid() bool {
	switch s {
	case Critical, High, Medium, Low, Info:
		return true
	}
	return false
}

// Score orders severities; unknown values score 0.
func (s Severity) Score() int {
	switch s {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

type Confidence string

const (
	Certain   Confidence = "certain"
	Firm      Confidence = "firm"
	Tentative Confidence = "tentative"
)

func (c Confidence) IsValid() bool {
	switch c {
	case Certain, Firm, Tentative:
		return true
	}
	return false
}
