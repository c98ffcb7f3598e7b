// Package policy holds the per-jurisdiction decision policy packs: which
// signals a workflow must collect before risk evaluation, and how risk bands
// map to outcomes. Packs are data; the state machine and the decision
// authority stay jurisdiction-agnostic.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/model"
)

//go:embed packs.yaml
var defaultPacks []byte

// Pack is one jurisdiction's policy: the required signal set and the
// band-to-outcome mapping.
type Pack struct {
	Jurisdiction    string                           `yaml:"jurisdiction"`
	PackID          string                           `yaml:"pack_id"`
	PackVersion     string                           `yaml:"pack_version"`
	RequiredSignals []string                         `yaml:"required_signals"`
	OutcomeBands    map[model.RiskBand]model.Outcome `yaml:"outcome_bands"`

	// AMLReviewThreshold escalates a medium-band approve to review when the
	// AML risk factor meets or exceeds it. Zero disables the rule.
	AMLReviewThreshold float64 `yaml:"aml_review_threshold"`
}

// Ref returns the pack's identity for embedding into decisions.
func (p Pack) Ref() model.PolicyRef {
	return model.PolicyRef{
		Jurisdiction: p.Jurisdiction,
		PackID:       p.PackID,
		PackVersion:  p.PackVersion,
	}
}

// RequiredSatisfied reports whether every required signal has been observed.
func (p Pack) RequiredSatisfied(signals model.Signals) bool {
	return signals.Has(p.RequiredSignals...)
}

// OutcomeFor maps a risk assessment to an outcome plus ordered reason codes:
// band code first, then policy escalations, then the service's flags.
func (p Pack) OutcomeFor(a model.RiskAssessment) (model.Outcome, []string) {
	outcome, ok := p.OutcomeBands[a.RiskBand]
	if !ok {
		// Unknown band from the risk service: fail safe to review.
		return model.OutcomeReview, append([]string{model.ReasonRiskBandHigh}, a.Flags...)
	}

	reasons := []string{a.RiskBand.ReasonCode()}
	if a.RiskBand == model.BandMedium && p.AMLReviewThreshold > 0 {
		if aml, ok := a.RiskFactors["aml"]; ok && aml >= p.AMLReviewThreshold {
			outcome = model.OutcomeReview
			reasons = append(reasons, model.ReasonAMLReviewRequired)
		}
	}
	return outcome, append(reasons, a.Flags...)
}

// Registry resolves tenants to packs.
type Registry struct {
	packs               map[string]Pack
	tenants             map[string]string
	defaultJurisdiction string
}

type packsFile struct {
	DefaultJurisdiction string            `yaml:"default_jurisdiction"`
	Tenants             map[string]string `yaml:"tenants"`
	Packs               []Pack            `yaml:"packs"`
}

// Load builds a registry from the YAML file at path, or from the embedded
// defaults when path is empty.
func Load(path string) (*Registry, error) {
	raw := defaultPacks
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", path, err)
		}
		raw = b
	}
	return Parse(raw)
}

// Parse builds and validates a registry from raw YAML.
func Parse(raw []byte) (*Registry, error) {
	var f packsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("policy: parse packs: %w", err)
	}
	if len(f.Packs) == 0 {
		return nil, fmt.Errorf("policy: no packs defined")
	}

	r := &Registry{
		packs:               make(map[string]Pack, len(f.Packs)),
		tenants:             f.Tenants,
		defaultJurisdiction: f.DefaultJurisdiction,
	}
	for _, p := range f.Packs {
		if p.Jurisdiction == "" || p.PackID == "" || p.PackVersion == "" {
			return nil, fmt.Errorf("policy: pack missing jurisdiction, pack_id, or pack_version")
		}
		if _, dup := r.packs[p.Jurisdiction]; dup {
			return nil, fmt.Errorf("policy: duplicate pack for jurisdiction %s", p.Jurisdiction)
		}
		if len(p.RequiredSignals) == 0 {
			return nil, fmt.Errorf("policy: pack %s has no required_signals", p.Jurisdiction)
		}
		for _, band := range []model.RiskBand{model.BandLow, model.BandMedium, model.BandHigh, model.BandCritical} {
			outcome, ok := p.OutcomeBands[band]
			if !ok {
				return nil, fmt.Errorf("policy: pack %s missing outcome for band %s", p.Jurisdiction, band)
			}
			if !outcome.Valid() {
				return nil, fmt.Errorf("policy: pack %s maps band %s to unknown outcome %q", p.Jurisdiction, band, outcome)
			}
		}
		r.packs[p.Jurisdiction] = p
	}
	if r.defaultJurisdiction == "" {
		return nil, fmt.Errorf("policy: default_jurisdiction is required")
	}
	if _, ok := r.packs[r.defaultJurisdiction]; !ok {
		return nil, fmt.Errorf("policy: default_jurisdiction %s has no pack", r.defaultJurisdiction)
	}
	for tenant, jur := range r.tenants {
		if _, ok := r.packs[jur]; !ok {
			return nil, fmt.Errorf("policy: tenant %s mapped to unknown jurisdiction %s", tenant, jur)
		}
	}
	return r, nil
}

// PackForTenant resolves the pack for a tenant, falling back to the default
// jurisdiction for unmapped tenants. Parse guarantees both lookups resolve.
func (r *Registry) PackForTenant(tenantID string) *Pack {
	if jur, ok := r.tenants[tenantID]; ok {
		p := r.packs[jur]
		return &p
	}
	p := r.packs[r.defaultJurisdiction]
	return &p
}

// SetDefault overrides the file's default jurisdiction, typically from
// configuration. The jurisdiction must have a registered pack.
func (r *Registry) SetDefault(jurisdiction string) error {
	if _, ok := r.packs[jurisdiction]; !ok {
		return fmt.Errorf("policy: default jurisdiction %s has no pack", jurisdiction)
	}
	r.defaultJurisdiction = jurisdiction
	return nil
}

// Jurisdictions lists the registered jurisdictions in sorted order.
func (r *Registry) Jurisdictions() []string {
	out := make([]string, 0, len(r.packs))
	for j := range r.packs {
		out = append(out, j)
	}
	sort.Strings(out)
	return out
}
