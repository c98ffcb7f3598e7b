package policy

import (
	"strings"
	"testing"

	"github.com/arbiterhq/arbiter/internal/model"
)

const validPacks = `
default_jurisdiction: AU
tenants:
  tenant_gcc: GCC
packs:
  - jurisdiction: AU
    pack_id: au_standard
    pack_version: "1.0.0"
    required_signals: [liveness_score, document_quality, match_score]
    outcome_bands:
      low: approve
      medium: approve
      high: review
      critical: decline
    aml_review_threshold: 0.6
  - jurisdiction: GCC
    pack_id: gcc_aml_strict
    pack_version: "2.1.0"
    required_signals: [liveness_score, document_quality, match_score]
    outcome_bands:
      low: approve
      medium: review
      high: review
      critical: decline
    aml_review_threshold: 0.4
`

func mustParse(t *testing.T, raw string) *Registry {
	t.Helper()
	r, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return r
}

func TestParseValid(t *testing.T) {
	r := mustParse(t, validPacks)
	if got := r.Jurisdictions(); len(got) != 2 || got[0] != "AU" || got[1] != "GCC" {
		t.Errorf("jurisdictions = %v", got)
	}
}

func TestEmbeddedDefaultsLoad(t *testing.T) {
	r, err := Load("")
	if err != nil {
		t.Fatalf("embedded packs must always parse: %v", err)
	}
	if len(r.Jurisdictions()) == 0 {
		t.Fatal("embedded packs define no jurisdictions")
	}
	// Every shipped pack must be resolvable for an unmapped tenant.
	if p := r.PackForTenant("tenant_never_seen"); p == nil || p.PackID == "" {
		t.Fatal("default pack resolution failed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/packs.yaml"); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "no packs",
			mutate:  func(string) string { return "default_jurisdiction: AU\npacks: []\n" },
			wantErr: "no packs",
		},
		{
			name:    "missing pack version",
			mutate:  func(s string) string { return strings.Replace(s, `pack_version: "1.0.0"`, "", 1) },
			wantErr: "missing jurisdiction, pack_id, or pack_version",
		},
		{
			name:    "missing band",
			mutate:  func(s string) string { return strings.Replace(s, "      critical: decline\n    aml_review_threshold: 0.6\n", "", 1) },
			wantErr: "missing outcome for band critical",
		},
		{
			name:    "unknown outcome",
			mutate:  func(s string) string { return strings.Replace(s, "critical: decline", "critical: escalate", 1) },
			wantErr: "unknown outcome",
		},
		{
			name:    "no required signals",
			mutate:  func(s string) string { return strings.Replace(s, "required_signals: [liveness_score, document_quality, match_score]", "required_signals: []", 1) },
			wantErr: "no required_signals",
		},
		{
			name:    "duplicate jurisdiction",
			mutate:  func(s string) string { return strings.Replace(s, "jurisdiction: GCC", "jurisdiction: AU", 1) },
			wantErr: "duplicate pack",
		},
		{
			name:    "no default jurisdiction",
			mutate:  func(s string) string { return strings.Replace(s, "default_jurisdiction: AU\n", "", 1) },
			wantErr: "default_jurisdiction is required",
		},
		{
			name:    "default without pack",
			mutate:  func(s string) string { return strings.Replace(s, "default_jurisdiction: AU", "default_jurisdiction: EU", 1) },
			wantErr: "has no pack",
		},
		{
			name:    "tenant mapped to unknown jurisdiction",
			mutate:  func(s string) string { return strings.Replace(s, "tenant_gcc: GCC", "tenant_gcc: MARS", 1) },
			wantErr: "unknown jurisdiction",
		},
		{
			name:    "invalid yaml",
			mutate:  func(string) string { return "packs: [{" },
			wantErr: "parse packs",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate(validPacks)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestPackForTenant(t *testing.T) {
	r := mustParse(t, validPacks)

	if p := r.PackForTenant("tenant_gcc"); p.PackID != "gcc_aml_strict" {
		t.Errorf("mapped tenant got pack %s", p.PackID)
	}
	if p := r.PackForTenant("tenant_unmapped"); p.PackID != "au_standard" {
		t.Errorf("unmapped tenant got pack %s, want the default", p.PackID)
	}

	// The returned pack is a copy; callers must not corrupt the registry.
	p := r.PackForTenant("tenant_gcc")
	p.PackID = "mutated"
	if r.PackForTenant("tenant_gcc").PackID != "gcc_aml_strict" {
		t.Error("registry pack mutated through the returned pointer")
	}
}

func TestSetDefault(t *testing.T) {
	r := mustParse(t, validPacks)
	if err := r.SetDefault("GCC"); err != nil {
		t.Fatal(err)
	}
	if p := r.PackForTenant("tenant_unmapped"); p.Jurisdiction != "GCC" {
		t.Errorf("default not applied, got %s", p.Jurisdiction)
	}
	if err := r.SetDefault("EU"); err == nil {
		t.Fatal("unknown default accepted")
	}
}

func TestRequiredSatisfied(t *testing.T) {
	p := mustParse(t, validPacks).PackForTenant("tenant_unmapped")

	partial := model.Signals{
		model.SignalLivenessScore:   0.95,
		model.SignalDocumentQuality: 0.88,
	}
	if p.RequiredSatisfied(partial) {
		t.Error("two of three signals reported as satisfied")
	}
	partial[model.SignalMatchScore] = 0.97
	if !p.RequiredSatisfied(partial) {
		t.Error("full signal set reported as unsatisfied")
	}
}

func TestOutcomeForBands(t *testing.T) {
	au := mustParse(t, validPacks).PackForTenant("tenant_unmapped")

	cases := []struct {
		band        model.RiskBand
		wantOutcome model.Outcome
		wantReason  string
	}{
		{model.BandLow, model.OutcomeApprove, model.ReasonRiskBandLow},
		{model.BandMedium, model.OutcomeApprove, model.ReasonRiskBandMedium},
		{model.BandHigh, model.OutcomeReview, model.ReasonRiskBandHigh},
		{model.BandCritical, model.OutcomeDecline, model.ReasonRiskBandCritical},
	}
	for _, tc := range cases {
		outcome, reasons := au.OutcomeFor(model.RiskAssessment{RiskBand: tc.band})
		if outcome != tc.wantOutcome {
			t.Errorf("band %s: outcome = %s, want %s", tc.band, outcome, tc.wantOutcome)
		}
		if len(reasons) != 1 || reasons[0] != tc.wantReason {
			t.Errorf("band %s: reasons = %v, want [%s]", tc.band, reasons, tc.wantReason)
		}
	}
}

func TestOutcomeForAMLEscalation(t *testing.T) {
	au := mustParse(t, validPacks).PackForTenant("tenant_unmapped")

	// At threshold: escalate.
	outcome, reasons := au.OutcomeFor(model.RiskAssessment{
		RiskBand:    model.BandMedium,
		RiskFactors: map[string]float64{"aml": 0.6},
	})
	if outcome != model.OutcomeReview {
		t.Errorf("outcome = %s, want review at the AML threshold", outcome)
	}
	if len(reasons) != 2 || reasons[0] != model.ReasonRiskBandMedium || reasons[1] != model.ReasonAMLReviewRequired {
		t.Errorf("reasons = %v", reasons)
	}

	// Below threshold: band mapping stands.
	outcome, reasons = au.OutcomeFor(model.RiskAssessment{
		RiskBand:    model.BandMedium,
		RiskFactors: map[string]float64{"aml": 0.59},
	})
	if outcome != model.OutcomeApprove || len(reasons) != 1 {
		t.Errorf("below threshold: outcome = %s, reasons = %v", outcome, reasons)
	}

	// The rule only applies to the medium band.
	outcome, _ = au.OutcomeFor(model.RiskAssessment{
		RiskBand:    model.BandLow,
		RiskFactors: map[string]float64{"aml": 0.99},
	})
	if outcome != model.OutcomeApprove {
		t.Errorf("low band escalated to %s by AML factor", outcome)
	}
}

func TestOutcomeForDisabledAMLRule(t *testing.T) {
	disabled := strings.Replace(validPacks, "aml_review_threshold: 0.6", "aml_review_threshold: 0", 1)
	au := mustParse(t, disabled).PackForTenant("tenant_unmapped")

	outcome, reasons := au.OutcomeFor(model.RiskAssessment{
		RiskBand:    model.BandMedium,
		RiskFactors: map[string]float64{"aml": 0.99},
	})
	if outcome != model.OutcomeApprove || len(reasons) != 1 {
		t.Errorf("zero threshold must disable the rule: %s %v", outcome, reasons)
	}
}

func TestOutcomeForUnknownBand(t *testing.T) {
	au := mustParse(t, validPacks).PackForTenant("tenant_unmapped")

	outcome, reasons := au.OutcomeFor(model.RiskAssessment{
		RiskBand: model.RiskBand("experimental"),
		Flags:    []string{"velocity_spike"},
	})
	if outcome != model.OutcomeReview {
		t.Errorf("unknown band outcome = %s, want fail-safe review", outcome)
	}
	if len(reasons) != 2 || reasons[0] != model.ReasonRiskBandHigh || reasons[1] != "velocity_spike" {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestOutcomeForAppendsFlags(t *testing.T) {
	au := mustParse(t, validPacks).PackForTenant("tenant_unmapped")

	_, reasons := au.OutcomeFor(model.RiskAssessment{
		RiskBand: model.BandHigh,
		Flags:    []string{"device_reuse", "geo_mismatch"},
	})
	want := []string{model.ReasonRiskBandHigh, "device_reuse", "geo_mismatch"}
	if len(reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", reasons, want)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons = %v, want %v", reasons, want)
		}
	}
}

func TestRef(t *testing.T) {
	p := Pack{Jurisdiction: "AU", PackID: "au_standard", PackVersion: "1.0.0"}
	ref := p.Ref()
	if ref.Jurisdiction != "AU" || ref.PackID != "au_standard" || ref.PackVersion != "1.0.0" {
		t.Errorf("ref = %+v", ref)
	}
}
