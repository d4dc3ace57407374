package navigation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func completeContext() WorkingContext {
	return WorkingContext{CompanyID: 1, PayrollRunID: 2, Period: Period{Year: 2024, Month: 3, Sequence: 1}}
}

// contextsMissingOne returns the complete context with each of the five
// fields cleared in turn.
func contextsMissingOne() map[string]WorkingContext {
	out := map[string]WorkingContext{}
	c := completeContext()
	c.CompanyID = 0
	out["company_id"] = c
	c = completeContext()
	c.PayrollRunID = 0
	out["payroll_run_id"] = c
	c = completeContext()
	c.Period.Year = 0
	out["period.year"] = c
	c = completeContext()
	c.Period.Month = 0
	out["period.month"] = c
	c = completeContext()
	c.Period.Sequence = 0
	out["period.sequence"] = c
	return out
}

// allContexts enumerates every present/absent combination of the five fields.
func allContexts() []WorkingContext {
	full := completeContext()
	var out []WorkingContext
	for mask := 0; mask < 1<<5; mask++ {
		c := WorkingContext{}
		if mask&1 != 0 {
			c.CompanyID = full.CompanyID
		}
		if mask&2 != 0 {
			c.PayrollRunID = full.PayrollRunID
		}
		if mask&4 != 0 {
			c.Period.Year = full.Period.Year
		}
		if mask&8 != 0 {
			c.Period.Month = full.Period.Month
		}
		if mask&16 != 0 {
			c.Period.Sequence = full.Period.Sequence
		}
		out = append(out, c)
	}
	return out
}

func TestGuard_NoTokenAlwaysLogin(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "   "} {
		for _, c := range allContexts() {
			for _, requireContext := range []bool{false, true} {
				got := Guard(State{Token: token, Context: c}, requireContext)
				require.Equal(t, RedirectTo(PathLogin), got, "ctx=%+v require=%v", c, requireContext)
			}
		}
	}
}

func TestGuard_TokenWithoutContextRequirementRenders(t *testing.T) {
	t.Parallel()

	for _, c := range allContexts() {
		got := Guard(State{Token: "t", Context: c}, false)
		require.True(t, got.Renders(), "ctx=%+v got=%s", c, got)
	}
}

func TestGuard_IncompleteContextRedirectsToContext(t *testing.T) {
	t.Parallel()

	for field, c := range contextsMissingOne() {
		got := Guard(State{Token: "t", Context: c}, true)
		require.Equal(t, RedirectTo(PathContext), got, "missing=%s", field)
		require.Equal(t, []string{field}, c.Missing())
	}
	require.Equal(t, RedirectTo(PathContext), Guard(State{Token: "t"}, true))
}

func TestGuard_CompleteContextRenders(t *testing.T) {
	t.Parallel()

	got := Guard(State{Token: "t", Context: completeContext()}, true)
	require.Equal(t, Render(), got)
}

func TestResolveHome_PriorityOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, RedirectTo(PathLogin), ResolveHome(State{Context: completeContext()}))
	require.Equal(t, RedirectTo(PathContext), ResolveHome(State{Token: "t"}))
	require.Equal(t, RedirectTo(PathDashboard), ResolveHome(State{Token: "t", Context: completeContext()}))

	sequenceMissing := completeContext()
	sequenceMissing.Period.Sequence = 0
	require.Equal(t, RedirectTo(PathContext), ResolveHome(State{Token: "t", Context: sequenceMissing}))
}

func TestResolveHome_AgreesWithGuard(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "t"} {
		for _, c := range allContexts() {
			s := State{Token: token, Context: c}
			home := ResolveHome(s)
			guard := Guard(s, true)
			require.Equal(t, KindRedirect, home.Kind)
			require.Equal(t, home.Target == PathDashboard, guard.Renders(), "state=%+v", s)
			if !guard.Renders() {
				require.Equal(t, guard.Target, home.Target, "state=%+v", s)
			}
		}
	}
}

func TestWorkingContext_ZeroIsAbsent(t *testing.T) {
	t.Parallel()

	c := completeContext()
	c.Period.Month = 0
	require.False(t, c.Complete())
	require.ErrorIs(t, c.Validate(), ErrInvalidContext)
}

func TestWorkingContext_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, completeContext().Validate())

	cases := map[string]func(*WorkingContext){
		"negative company": func(c *WorkingContext) { c.CompanyID = -1 },
		"negative run":     func(c *WorkingContext) { c.PayrollRunID = -5 },
		"month 13":         func(c *WorkingContext) { c.Period.Month = 13 },
		"year 10000":       func(c *WorkingContext) { c.Period.Year = 10000 },
		"sequence 0":       func(c *WorkingContext) { c.Period.Sequence = 0 },
	}
	for name, mutate := range cases {
		c := completeContext()
		mutate(&c)
		err := c.Validate()
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrInvalidContext), name)
	}
}

func TestWorkingContext_Values(t *testing.T) {
	t.Parallel()

	require.Equal(t, map[string]string{
		"company_id":     "1",
		"payroll_run_id": "2",
		"year":           "2024",
		"month":          "3",
		"sequence":       "1",
	}, completeContext().Values())
	require.Empty(t, WorkingContext{}.Values())
	require.True(t, WorkingContext{}.IsZero())
}

func TestDecision_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "render", Render().String())
	require.Equal(t, "redirect:/login", RedirectTo(PathLogin).String())
}
