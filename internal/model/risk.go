package model

// RiskBand is the coarse banding the risk service assigns to a workflow.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// Valid reports whether b is a recognised risk band.
func (b RiskBand) Valid() bool {
	switch b {
	case BandLow, BandMedium, BandHigh, BandCritical:
		return true
	}
	return false
}

// ReasonCode maps a band to its decision reason code.
func (b RiskBand) ReasonCode() string {
	switch b {
	case BandLow:
		return ReasonRiskBandLow
	case BandMedium:
		return ReasonRiskBandMedium
	case BandHigh:
		return ReasonRiskBandHigh
	case BandCritical:
		return ReasonRiskBandCritical
	}
	return ""
}

// RiskAssessment is the known shape inside a risk summary. The stored
// risk_summary stays opaque raw JSON; this struct is how the pipeline reads
// the fields it needs for outcome mapping.
type RiskAssessment struct {
	SessionID   string             `json:"session_id,omitempty"`
	RiskScore   float64            `json:"risk_score"`
	RiskBand    RiskBand           `json:"risk_band"`
	Confidence  float64            `json:"confidence"`
	RiskFactors map[string]float64 `json:"risk_factors,omitempty"`
	Flags       []string           `json:"flags,omitempty"`
	ModelIDs    []string           `json:"model_ids,omitempty"`
	Explanation string             `json:"explanation,omitempty"`
}
