package domain

// Step 自定义操作中的一步
type Step struct {
	Op       string  `json:"op_name" yaml:"op"`
	Argument *string `json:"argument,omitempty" yaml:"argument,omitempty"`
}

// Args returns the dispatch arguments for the step.
func (s Step) Args() []string {
	if s.Argument == nil {
		return nil
	}
	return []string{*s.Argument}
}

// CustomOperation is a named, stored sequence of basic operation steps.
type CustomOperation struct {
	ID          int64  `json:"id" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Steps       []Step `json:"ops" yaml:"steps"`
}
