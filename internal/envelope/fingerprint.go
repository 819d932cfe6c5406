package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// material is the canonical subset of an envelope that changes the decision.
// Tracking ids, prior decision refs, and policy lists are deliberately absent:
// two travelers asking the same question under the same constraints must
// collapse to the same fingerprint.
type material struct {
	Task          TaskKind `json:"task"`
	Topic         string   `json:"topic"`
	Question      string   `json:"question"`
	Scope         string   `json:"scope"`
	Destinations  []string `json:"destinations"`
	ReqConstr     []string `json:"request_constraints"`
	TravelerType  string   `json:"traveler_type"`
	BudgetBand    string   `json:"budget_band"`
	Pace          string   `json:"pace"`
	RiskTolerance string   `json:"risk_tolerance"`
	DateStart     string   `json:"date_start"`
	DateEnd       string   `json:"date_end"`
	MonthHint     string   `json:"month_hint"`
	Flexible      bool     `json:"flexible"`
	GroupSize     int      `json:"group_size"`
	FactConstr    []string `json:"fact_constraints"`
	FactTradeoffs []string `json:"fact_tradeoffs"`
	FactNotes     []string `json:"fact_notes"`
}

// Fingerprint returns a deterministic sha256 hex digest of the envelope's
// material subset. Stable across field reordering and slice ordering.
func (e Envelope) Fingerprint() string {
	m := material{
		Task:          e.Task,
		Topic:         e.Topic(),
		Question:      normalizeText(e.Request.Question),
		Scope:         e.Request.Scope,
		Destinations:  normalizeSet(e.Request.Destinations),
		ReqConstr:     normalizeSet(e.Request.Constraints),
		TravelerType:  e.Context.TravelerType,
		BudgetBand:    e.Context.BudgetBand,
		Pace:          e.Context.Pace,
		RiskTolerance: e.Context.RiskTolerance,
		DateStart:     e.Context.Dates.Start,
		DateEnd:       e.Context.Dates.End,
		MonthHint:     e.Context.Dates.MonthHint,
		Flexible:      e.Context.Dates.Flexible,
		GroupSize:     e.Context.GroupSize,
		FactConstr:    normalizeSet(e.Facts.Constraints),
		FactTradeoffs: normalizeSet(e.Facts.Tradeoffs),
		FactNotes:     normalizeSet(e.Facts.Notes),
	}

	// encoding/json emits struct fields in declaration order, so the
	// encoding itself is canonical once the slices are sorted.
	data, err := json.Marshal(m)
	if err != nil {
		// material contains only strings, bools, and ints; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeText collapses whitespace and case so that trivial rephrasings of
// the same question do not split the cache.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// normalizeSet lowercases, trims, dedups, and sorts a string set.
func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n := normalizeText(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
