// Package refdata loads the read-only reference data the agents consume:
// clinic slot offers, the insurance plan text, and the policy file that
// tunes triage keywords, advice, and coverage bullets.
//
// All reads are failure-tolerant: a missing or unreadable file yields an
// empty value, never an error to the agent hot path.
package refdata

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/careloop-ai/careloop/internal/model"
)

// File names inside the data directory.
const (
	offersFile    = "clinic_slots.yaml"
	insuranceFile = "insurance.txt"
	policyFile    = "policy.yaml"
)

// Provider serves the current reference data. Offers are cached and
// refreshed by Load (called at startup and by the watcher); the insurance
// text is read on demand.
type Provider struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	offers []model.ClinicSlotOffer
}

// NewProvider creates a Provider rooted at dir and performs the initial
// load. A missing offers file is not an error: the provider starts empty.
func NewProvider(dir string, logger *slog.Logger) *Provider {
	p := &Provider{dir: dir, logger: logger}
	if err := p.Load(); err != nil {
		logger.Warn("refdata: initial load failed, starting empty", "dir", dir, "error", err)
	}
	return p
}

// Load re-reads the clinic offers file and swaps the cached set.
func (p *Provider) Load() error {
	path := filepath.Join(p.dir, offersFile)
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.setOffers(nil)
			return nil
		}
		return fmt.Errorf("refdata: read %s: %w", path, err)
	}

	var offers []model.ClinicSlotOffer
	if err := yaml.Unmarshal(body, &offers); err != nil {
		return fmt.Errorf("refdata: parse %s: %w", path, err)
	}
	p.setOffers(offers)
	p.logger.Info("refdata: clinic offers loaded", "clinics", len(offers))
	return nil
}

func (p *Provider) setOffers(offers []model.ClinicSlotOffer) {
	p.mu.Lock()
	p.offers = offers
	p.mu.Unlock()
}

// Offers returns the current clinic slot offers.
func (p *Provider) Offers() []model.ClinicSlotOffer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.ClinicSlotOffer, len(p.offers))
	copy(out, p.offers)
	return out
}

// InsuranceText returns the insurance reference text. A read failure is
// tolerated and returns empty text.
func (p *Provider) InsuranceText() string {
	body, err := os.ReadFile(filepath.Join(p.dir, insuranceFile))
	if err != nil {
		return ""
	}
	return string(body)
}

// Policy tunes the rule-based agents. Zero values fall back to the
// built-in defaults field by field.
type Policy struct {
	Triage   TriagePolicy   `yaml:"triage"`
	Coverage CoveragePolicy `yaml:"coverage"`
}

// TriagePolicy configures the wellness classifier.
type TriagePolicy struct {
	UrgentKeywords   []string            `yaml:"urgent_keywords"`
	MildKeywords     []string            `yaml:"mild_keywords"`
	Advice           map[string][]string `yaml:"advice"`
	NextCheckInHours map[string]int      `yaml:"next_check_in_hours"`
}

// CoveragePolicy configures the coverage summariser.
type CoveragePolicy struct {
	Bullets          []string `yaml:"bullets"`
	DeductibleRegexp string   `yaml:"deductible_regexp"`
	DeductibleBullet string   `yaml:"deductible_bullet"`
}

// DefaultPolicy returns the built-in agent policy.
func DefaultPolicy() Policy {
	return Policy{
		Triage: TriagePolicy{
			UrgentKeywords: []string{"chest pain", "trouble breathing", "shortness of breath", "fainting", "severe"},
			MildKeywords:   []string{"mild", "sore throat", "runny nose", "cough", "fatigue", "headache", "fever"},
			Advice: map[string][]string{
				string(model.TriageHigh): {
					"Your symptoms could be urgent. Consider urgent care or ER sooner.",
					"Avoid strenuous activity; have someone accompany you if possible.",
					"If severe chest pain or breathing trouble, call emergency services.",
				},
				string(model.TriageLow): {
					"Likely mild. Rest, hydrate, and consider OTC symptom relief as appropriate.",
					"Monitor temperature and symptoms for 24-48 hours.",
					"Seek care sooner if symptoms worsen or you develop red-flag signs.",
				},
				string(model.TriageMedium): {
					"Consider a primary care or urgent care visit in the next 24-48 hours.",
					"Note any changes (worsening fever, chest symptoms, confusion) and seek care sooner if present.",
					"Prepare a list of recent meds and allergies before your visit.",
				},
			},
			NextCheckInHours: map[string]int{
				string(model.TriageHigh):   1,
				string(model.TriageMedium): 6,
				string(model.TriageLow):    24,
			},
		},
		Coverage: CoveragePolicy{
			Bullets: []string{
				"What you'll pay: PCP $30 copay; Urgent Care $75; ER $300 + 20% after deductible.",
				"Where you can go: In-network clinics (like Greenway, Uptown UC) keep costs lower.",
				"What to bring: Photo ID, insurance card, list of meds, and recent test results.",
			},
			DeductibleRegexp: `(?i)deductible:\s*\$?2,?000`,
			DeductibleBullet: "What you'll pay: PCP $30, Urgent Care $75; ER $300 + 20% after a $2,000 deductible (then 20%).",
		},
	}
}

// LoadPolicy reads policy.yaml from dir and overlays it on the defaults.
// A missing file yields the defaults unchanged.
func LoadPolicy(dir string, logger *slog.Logger) Policy {
	policy := DefaultPolicy()

	path := filepath.Join(dir, policyFile)
	body, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("refdata: policy read failed, using defaults", "path", path, "error", err)
		}
		return policy
	}

	var loaded Policy
	if err := yaml.Unmarshal(body, &loaded); err != nil {
		logger.Warn("refdata: policy parse failed, using defaults", "path", path, "error", err)
		return policy
	}

	if len(loaded.Triage.UrgentKeywords) > 0 {
		policy.Triage.UrgentKeywords = loaded.Triage.UrgentKeywords
	}
	if len(loaded.Triage.MildKeywords) > 0 {
		policy.Triage.MildKeywords = loaded.Triage.MildKeywords
	}
	for level, advice := range loaded.Triage.Advice {
		policy.Triage.Advice[level] = advice
	}
	for level, hours := range loaded.Triage.NextCheckInHours {
		policy.Triage.NextCheckInHours[level] = hours
	}
	if len(loaded.Coverage.Bullets) > 0 {
		policy.Coverage.Bullets = loaded.Coverage.Bullets
	}
	if loaded.Coverage.DeductibleRegexp != "" {
		policy.Coverage.DeductibleRegexp = loaded.Coverage.DeductibleRegexp
	}
	if loaded.Coverage.DeductibleBullet != "" {
		policy.Coverage.DeductibleBullet = loaded.Coverage.DeductibleBullet
	}
	return policy
}
