package scenario

// Case is one plan run against the scenario's rule-set with its expected outcome.
type Case struct {
	Name string `yaml:"name"`
	// Plan is an inline plan document written as YAML. PlanFile is used when Plan is empty.
	Plan     map[string]any `yaml:"plan,omitempty"`
	PlanFile string         `yaml:"plan_file,omitempty"`
	Expect   string         `yaml:"expect"`
	// Violations lists the rule ids expected to fire. Nil means not checked.
	Violations []string `yaml:"violations,omitempty"`
}

// Scenario is a named collection of rule-set test cases.
type Scenario struct {
	Name string `yaml:"name"`
	// Rules is the rule-set path, relative to the scenario file.
	Rules string `yaml:"rules"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index         int      `json:"index"`
	Name          string   `json:"name"`
	Passed        bool     `json:"passed"`
	Expected      string   `json:"expected"`
	Actual        string   `json:"actual"`
	ExpectedRules []string `json:"expected_rules,omitempty"`
	ActualRules   []string `json:"actual_rules"`
	Reason        string   `json:"reason,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
