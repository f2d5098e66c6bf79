// Package manifest validates plugin manifests at the registration boundary.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// Validator performs structural and policy validation of raw manifests.
// All checks run; a rejection reports every issue found, not just the first.
type Validator struct {
	cfg      *config.SecurityConfig
	validate *validator.Validate
	trail    *audit.Trail
}

func NewValidator(cfg *config.SecurityConfig, trail *audit.Trail) *Validator {
	return &Validator{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		trail:    trail,
	}
}

// Validate decodes and validates a raw manifest. On success it returns the
// manifest with its derived risk tier set. On failure it returns
// *models.ValidationError listing all issues and writes one audit entry.
func (v *Validator) Validate(raw []byte, submittedBy string) (*models.Manifest, error) {
	var issues []string

	maxBytes := int(v.cfg.MaxPluginSizeMB * 1024 * 1024)
	if maxBytes > 0 && len(raw) > maxBytes {
		issues = append(issues, fmt.Sprintf("manifest size %d bytes exceeds limit of %.0f MB", len(raw), v.cfg.MaxPluginSizeMB))
		return nil, v.reject(submittedBy, "", issues)
	}

	var m models.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		issues = append(issues, "malformed JSON: "+err.Error())
		return nil, v.reject(submittedBy, "", issues)
	}

	if err := v.validate.Struct(&m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, fieldIssue(fe))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	if m.Version != "" && !semverRe.MatchString(m.Version) {
		issues = append(issues, fmt.Sprintf("version %q is not a semantic version", m.Version))
	}

	for _, cap := range m.Permissions {
		if !models.AllowedCapabilities[cap] {
			issues = append(issues, fmt.Sprintf("capability %q is not in the allowed set", cap))
		}
	}

	if v.cfg.RequireManifestSignature {
		switch {
		case m.Signature == "":
			issues = append(issues, "manifest signature is required")
		case m.Signature != m.Fingerprint():
			issues = append(issues, "manifest signature does not match content")
		}
	}

	if len(issues) > 0 {
		return nil, v.reject(submittedBy, m.Name, issues)
	}

	m.RiskTier = v.DeriveRiskTier(m.Permissions)
	return &m, nil
}

func (v *Validator) reject(submittedBy, name string, issues []string) error {
	detail := map[string]string{"issues": fmt.Sprintf("%d", len(issues))}
	if name != "" {
		detail["manifest_name"] = name
	}
	v.trail.Record(submittedBy, models.AuditManifestRejected, name, detail)
	log.Warn().Str("manifest", name).Strs("issues", issues).Msg("manifest rejected")
	return &models.ValidationError{Issues: issues}
}

// DeriveRiskTier maps the declared capability set to a risk tier using the
// configured per-capability weights. Deterministic for a given config.
func (v *Validator) DeriveRiskTier(caps []models.Capability) models.RiskTier {
	var score float64
	for _, c := range caps {
		score += v.cfg.CapabilityWeights[c]
	}
	switch {
	case score >= v.cfg.HighRiskTier:
		return models.RiskTierHigh
	case score >= v.cfg.MediumRiskTier:
		return models.RiskTierMedium
	default:
		return models.RiskTierLow
	}
}

func fieldIssue(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field %q is required", fe.Field())
	case "max":
		return fmt.Sprintf("field %q exceeds maximum length %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("field %q failed %q validation", fe.Field(), fe.Tag())
	}
}
