package plan

import "fmt"

// MalformedPlanError reports a structural violation of the plan input contract.
// It is fatal: no report is produced for a malformed plan.
type MalformedPlanError struct {
	Address string
	Reason  string
}

func (e *MalformedPlanError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("malformed plan: %s: %s", e.Address, e.Reason)
	}
	return fmt.Sprintf("malformed plan: %s", e.Reason)
}
