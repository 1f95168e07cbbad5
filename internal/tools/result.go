package tools

// Result is the unified return type from tool execution. ForLLM is what
// the model sees as the tool_result body; IsError marks the result so
// the model can react without the turn aborting.
type Result struct {
	ForLLM  string `json:"for_llm"`
	IsError bool   `json:"is_error,omitempty"`
	// Async marks a tool that kicked off background work and returned
	// immediately; completion arrives later through the lifecycle bus.
	Async bool `json:"async,omitempty"`
	// Fatal marks a failure the model cannot act on (the execution
	// backend itself is down); the turn aborts instead of iterating.
	Fatal bool `json:"fatal,omitempty"`

	// Err is the internal error (not serialized, not shown to the model).
	Err error `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
