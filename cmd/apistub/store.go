package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type record map[string]any

// resources served by the stub; the console catalog reads from these.
var resources = []string{
	"companies", "payroll-runs", "periods",
	"banks", "health-insurers", "pension-funds",
	"accounting-accounts", "cost-centers", "establishments",
	"workers", "contracts", "concepts", "deductions", "deductions-by-period",
}

type store struct {
	mu sync.Mutex

	tables map[string]map[int64]record
	nextID int64
}

func newStore() *store {
	s := &store{tables: map[string]map[int64]record{}, nextID: 1}
	for _, r := range resources {
		s.tables[r] = map[int64]record{}
	}
	return s
}

func (s *store) known(resource string) bool {
	_, ok := s.tables[resource]
	return ok
}

func (s *store) insert(resource string, rec record) record {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	out := record{}
	for k, v := range rec {
		out[k] = v
	}
	out["id"] = id
	s.tables[resource][id] = out
	return out
}

func (s *store) get(resource string, id int64) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tables[resource][id]
	return rec, ok
}

func (s *store) update(resource string, id int64, patch record) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tables[resource][id]
	if !ok {
		return nil, false
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return rec, true
}

func (s *store) delete(resource string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[resource][id]; !ok {
		return false
	}
	delete(s.tables[resource], id)
	return true
}

// list returns rows whose fields equal every filter value, in id order.
func (s *store) list(resource string, filters map[string]string) []record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.tables[resource]))
	for id := range s.tables[resource] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]record, 0, len(ids))
	for _, id := range ids {
		rec := s.tables[resource][id]
		if matchesFilters(rec, filters) {
			out = append(out, rec)
		}
	}
	return out
}

func matchesFilters(rec record, filters map[string]string) bool {
	for k, want := range filters {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if fieldString(v) != want {
			return false
		}
	}
	return true
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func fieldInt(v any) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(fieldString(v)), 10, 64)
	return n
}

func fieldFloat(v any) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(fieldString(v)), 64)
	return f
}

type summaryRow struct {
	Concept string  `json:"concept"`
	Kind    string  `json:"kind"`
	Total   float64 `json:"total"`
}

type summaryTotals struct {
	Earnings   float64 `json:"earnings"`
	Deductions float64 `json:"deductions"`
	Net        float64 `json:"net"`
}

type payrollSummary struct {
	Rows   []summaryRow  `json:"rows"`
	Totals summaryTotals `json:"totals"`
}

// summary totals base salaries of the company's contracts as earnings and the
// period's deductions by concept.
func (s *store) summary(filters map[string]string) payrollSummary {
	company := map[string]string{"company_id": filters["company_id"]}
	out := payrollSummary{Rows: []summaryRow{}}

	var base float64
	for _, c := range s.list("contracts", company) {
		base += fieldFloat(c["base_salary"])
	}
	if base > 0 {
		out.Rows = append(out.Rows, summaryRow{Concept: "Base salary", Kind: "earning", Total: base})
		out.Totals.Earnings = base
	}

	byConcept := map[string]float64{}
	var order []string
	for _, d := range s.list("deductions-by-period", filters) {
		name := "Deduction"
		if ded, ok := s.get("deductions", fieldInt(d["deduction_id"])); ok {
			if concept, ok := s.get("concepts", fieldInt(ded["concept_id"])); ok {
				name = fieldString(concept["name"])
			}
		}
		if _, seen := byConcept[name]; !seen {
			order = append(order, name)
		}
		byConcept[name] += fieldFloat(d["amount"])
	}
	for _, name := range order {
		out.Rows = append(out.Rows, summaryRow{Concept: name, Kind: "deduction", Total: byConcept[name]})
		out.Totals.Deductions += byConcept[name]
	}
	out.Totals.Net = out.Totals.Earnings - out.Totals.Deductions
	return out
}

func (s *store) seed() {
	acme := s.insert("companies", record{"name": "Acme Ltda", "tax_id": "76.000.000-1", "active": true})
	cid := acme["id"]
	run := s.insert("payroll-runs", record{"company_id": cid, "name": "Monthly"})
	rid := run["id"]
	for m := 1; m <= 3; m++ {
		s.insert("periods", record{"company_id": cid, "payroll_run_id": rid, "year": 2024, "month": m, "sequence": 1})
	}

	bank := s.insert("banks", record{"code": "BE", "name": "Banco Estado"})
	s.insert("health-insurers", record{"code": "FON", "name": "Fonasa", "rate": 7})
	s.insert("pension-funds", record{"code": "HAB", "name": "Habitat", "rate": 11.27})
	account := s.insert("accounting-accounts", record{"company_id": cid, "code": "5101", "name": "Salaries"})
	cc := s.insert("cost-centers", record{"company_id": cid, "code": "ADM", "name": "Administration", "accounting_account_id": account["id"]})
	est := s.insert("establishments", record{"company_id": cid, "code": "HQ", "name": "Head office"})

	worker := s.insert("workers", record{
		"company_id": cid, "national_id": "11.111.111-1", "first_name": "Ana", "last_name": "Rojas",
		"email": "ana@acme.test", "hire_date": "2022-03-01", "cost_center_id": cc["id"], "bank_id": bank["id"], "active": true,
	})
	s.insert("contracts", record{
		"company_id": cid, "code": "C-001", "worker_id": worker["id"], "kind": "indefinite",
		"start_date": "2022-03-01", "base_salary": 1500000, "establishment_id": est["id"],
	})
	loan := s.insert("concepts", record{"company_id": cid, "code": "LOAN", "name": "Loan installment", "kind": "deduction", "taxable": false})
	ded := s.insert("deductions", record{"company_id": cid, "code": "D-001", "worker_id": worker["id"], "concept_id": loan["id"], "amount": 50000})
	s.insert("deductions-by-period", record{
		"company_id": cid, "payroll_run_id": rid, "year": 2024, "month": 3, "sequence": 1,
		"deduction_id": ded["id"], "worker_id": worker["id"], "amount": 50000, "note": "March installment",
	})
}
