package authz

import "strings"

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const (
	ObjectReportDashboard = "report.dashboard"
	ObjectReportPayroll   = "report.payroll"
)

// ObjectForEntity names the policy object guarding one entity screen.
func ObjectForEntity(key string) string {
	return "entity." + strings.ToLower(strings.TrimSpace(key))
}

// ActionForMethod maps an HTTP method to the policy action it needs.
func ActionForMethod(method string) string {
	switch method {
	case "GET", "HEAD":
		return ActionRead
	default:
		return ActionAdmin
	}
}
