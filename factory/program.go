/*
Package factory provides JSON/YAML to Go program conversion.

PURPOSE:
  Converts program definitions into *cycle.Program values with their
  recurrence and collaborators resolved. Programs can be configured without
  code changes: posted as JSON to the API or listed in a YAML file loaded
  at startup.

JSON SCHEMA:
  {
    "id": "cash-transfer",
    "name": "Cash Transfer",
    "auto_approve_entitlements": true,
    "auto_create_cycles": false,
    "recurrence": {
      "rrule_type": "monthly",
      "cycle_duration": 1,
      "month_by": "day",
      "byday": "1",
      "weekday": "MON"
    },
    "entitlement": {"type": "cash", "amount": "50.00", "currency": "USD"},
    "payment": {"batch_size": 500},
    "eligibility": [{"type": "program_enrollment"}]
  }

YAML FILE:
  programs:
    - id: cash-transfer
      name: Cash Transfer
      recurrence: {rrule_type: daily, cycle_duration: 30}
      entitlement: {type: cash, amount: "50", currency: USD}

SEE ALSO:
  - registry.go: Program lookup for the cycle manager
  - cycle/recurrence.go: Recurrence validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/eligibility"
	"github.com/warp/cycle-engine/entitlement"
	"github.com/warp/cycle-engine/payment"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ProgramJSON is the serialized representation of a program.
type ProgramJSON struct {
	ID                      string            `json:"id" yaml:"id"`
	Name                    string            `json:"name" yaml:"name"`
	AutoApproveEntitlements bool              `json:"auto_approve_entitlements,omitempty" yaml:"auto_approve_entitlements,omitempty"`
	AutoCreateCycles        bool              `json:"auto_create_cycles,omitempty" yaml:"auto_create_cycles,omitempty"`
	Recurrence              RecurrenceJSON    `json:"recurrence" yaml:"recurrence"`
	Entitlement             EntitlementJSON   `json:"entitlement" yaml:"entitlement"`
	Payment                 *PaymentJSON      `json:"payment,omitempty" yaml:"payment,omitempty"`
	Eligibility             []EligibilityJSON `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
}

// RecurrenceJSON represents the recurrence rule.
type RecurrenceJSON struct {
	RuleType      string   `json:"rrule_type" yaml:"rrule_type"` // daily, weekly, monthly, yearly
	CycleDuration int      `json:"cycle_duration" yaml:"cycle_duration"`
	Weekdays      []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty"` // MON..SUN
	MonthBy       string   `json:"month_by,omitempty" yaml:"month_by,omitempty"` // date, day
	Day           int      `json:"day,omitempty" yaml:"day,omitempty"`
	ByDay         ByDay    `json:"byday,omitempty" yaml:"byday,omitempty"` // 1..4, -1
	Weekday       string   `json:"weekday,omitempty" yaml:"weekday,omitempty"`
}

// ByDay is the weekday occurrence. It accepts numbers or strings.
type ByDay string

func (b *ByDay) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	*b = ByDay(strings.Trim(string(data), `"`))
	return nil
}

// EntitlementJSON selects and configures the entitlement manager.
type EntitlementJSON struct {
	Type         string `json:"type" yaml:"type"` // cash, in_kind
	Amount       string `json:"amount,omitempty" yaml:"amount,omitempty"`
	TransferFee  string `json:"transfer_fee,omitempty" yaml:"transfer_fee,omitempty"`
	Currency     string `json:"currency,omitempty" yaml:"currency,omitempty"`
	Item         string `json:"item,omitempty" yaml:"item,omitempty"`
	Quantity     int    `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty" yaml:"validity_days,omitempty"`
}

// PaymentJSON configures the payment manager.
type PaymentJSON struct {
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// EligibilityJSON configures one eligibility manager of the chain.
type EligibilityJSON struct {
	Type     string   `json:"type" yaml:"type"` // program_enrollment, exclusion
	Partners []string `json:"partners,omitempty" yaml:"partners,omitempty"`
}

// programsFile is the layout of PROGRAMS_FILE.
type programsFile struct {
	Programs []ProgramJSON `yaml:"programs"`
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts program definitions to cycle programs.
type ProgramFactory struct {
	// Now is handed to the collaborators it builds.
	Now func() time.Time
}

// NewProgramFactory creates a new program factory.
func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{Now: time.Now}
}

// ParseProgram parses a JSON document into a program.
func (f *ProgramFactory) ParseProgram(data []byte) (*cycle.Program, ProgramJSON, error) {
	var pj ProgramJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, pj, fmt.Errorf("failed to parse program JSON: %w", err)
	}
	p, err := f.FromJSON(pj)
	return p, pj, err
}

// LoadFile reads program definitions from a YAML file.
func (f *ProgramFactory) LoadFile(path string) ([]ProgramJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read programs file: %w", err)
	}
	var file programsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse programs file %s: %w", path, err)
	}
	return file.Programs, nil
}

// FromJSON validates pj and builds the program with its collaborators.
func (f *ProgramFactory) FromJSON(pj ProgramJSON) (*cycle.Program, error) {
	if strings.TrimSpace(pj.ID) == "" {
		return nil, fmt.Errorf("program id is required")
	}
	if strings.TrimSpace(pj.Name) == "" {
		return nil, fmt.Errorf("program %s: name is required", pj.ID)
	}

	rec, err := parseRecurrence(pj.Recurrence)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	program := &cycle.Program{
		ID:                      cycle.ProgramID(pj.ID),
		Name:                    pj.Name,
		Recurrence:              rec,
		AutoApproveEntitlements: pj.AutoApproveEntitlements,
		AutoCreateCycles:        pj.AutoCreateCycles,
	}

	program.Entitlements, err = f.entitlementManager(pj.Entitlement)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", pj.ID, err)
	}

	pm := payment.NewManager()
	pm.Now = f.now()
	if pj.Payment != nil && pj.Payment.BatchSize > 0 {
		pm.BatchSize = pj.Payment.BatchSize
	}
	program.Payments = pm

	for _, ej := range pj.Eligibility {
		em, err := eligibilityManager(ej)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", pj.ID, err)
		}
		program.Eligibility = append(program.Eligibility, em)
	}

	return program, nil
}

func (f *ProgramFactory) now() func() time.Time {
	if f.Now == nil {
		return time.Now
	}
	return f.Now
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRecurrence(rj RecurrenceJSON) (cycle.Recurrence, error) {
	rec := cycle.Recurrence{
		RuleType:     cycle.RuleType(strings.ToLower(rj.RuleType)),
		Duration:     rj.CycleDuration,
		MonthBy:      cycle.MonthBy(strings.ToLower(rj.MonthBy)),
		MonthDay:     rj.Day,
		MonthWeekday: cycle.Weekday(strings.ToUpper(rj.Weekday)),
	}
	for _, w := range rj.Weekdays {
		rec.Weekdays = append(rec.Weekdays, cycle.Weekday(strings.ToUpper(w)))
	}
	if rj.ByDay != "" {
		n, err := parseOccurrence(string(rj.ByDay))
		if err != nil {
			return rec, err
		}
		rec.MonthOccurrence = n
	}
	return rec, nil
}

var occurrenceNames = map[string]cycle.Occurrence{
	"first":  cycle.OccurrenceFirst,
	"second": cycle.OccurrenceSecond,
	"third":  cycle.OccurrenceThird,
	"fourth": cycle.OccurrenceFourth,
	"last":   cycle.OccurrenceLast,
}

func parseOccurrence(s string) (cycle.Occurrence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if o, ok := occurrenceNames[s]; ok {
		return o, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &cycle.ConfigurationError{Field: "byday", Reason: fmt.Sprintf("unknown occurrence %q", s)}
	}
	return cycle.Occurrence(n), nil
}

func (f *ProgramFactory) entitlementManager(ej EntitlementJSON) (cycle.EntitlementManager, error) {
	switch strings.ToLower(ej.Type) {
	case "", "cash":
		amount, err := parseMoney("amount", ej.Amount)
		if err != nil {
			return nil, err
		}
		fee, err := parseMoney("transfer_fee", ej.TransferFee)
		if err != nil {
			return nil, err
		}
		m := entitlement.NewCash(amount, ej.Currency)
		m.TransferFee = fee
		m.ValidityDays = ej.ValidityDays
		m.Now = f.now()
		return m, nil

	case "in_kind":
		if ej.Item == "" {
			return nil, fmt.Errorf("in_kind entitlement needs an item")
		}
		qty := ej.Quantity
		if qty <= 0 {
			qty = 1
		}
		m := entitlement.NewInKind(ej.Item, qty)
		m.ValidityDays = ej.ValidityDays
		m.Now = f.now()
		return m, nil

	default:
		return nil, fmt.Errorf("unknown entitlement type: %s", ej.Type)
	}
}

func parseMoney(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func eligibilityManager(ej EligibilityJSON) (cycle.EligibilityManager, error) {
	switch strings.ToLower(ej.Type) {
	case "program_enrollment":
		return eligibility.ProgramEnrollment{}, nil
	case "exclusion":
		partners := make([]cycle.PartnerID, len(ej.Partners))
		for i, p := range ej.Partners {
			partners[i] = cycle.PartnerID(p)
		}
		return eligibility.Exclusion{Partners: partners}, nil
	default:
		return nil, fmt.Errorf("unknown eligibility type: %s", ej.Type)
	}
}
