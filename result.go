package nerve

import "fmt"

// Result is the standardized shape every node and graph execute returns.
// Success is true iff both Error and ErrorType are empty. Output carries
// the canonical textual output of the variant; Attributes carries the
// variant-specific payload (graph steps, terminal sections, LLM usage).
type Result struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	NodeType   string         `json:"node_type"`
	NodeID     string         `json:"node_id"`
	Input      any            `json:"input"`
	Output     any            `json:"output"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// okResult builds a successful result.
func okResult(nodeType, nodeID string, input, output any) Result {
	return Result{
		Success:    true,
		NodeType:   nodeType,
		NodeID:     nodeID,
		Input:      input,
		Output:     output,
		Attributes: map[string]any{},
	}
}

// failResult builds a failed result with the given taxonomy tag.
func failResult(nodeType, nodeID string, input any, errType, msg string) Result {
	return Result{
		NodeType:   nodeType,
		NodeID:     nodeID,
		Input:      input,
		Error:      msg,
		ErrorType:  errType,
		Attributes: map[string]any{},
	}
}

// failFromErr classifies err and builds a failed result.
func failFromErr(nodeType, nodeID string, input any, err error) Result {
	return failResult(nodeType, nodeID, input, ClassifyError(err), err.Error())
}

// ValidateResult checks the shape invariants at boundaries:
// Success ⇔ Error == "" ⇔ ErrorType == "", and NodeType/NodeID set.
// Transports call this to catch drift before encoding.
func ValidateResult(r Result) error {
	if r.Success != (r.Error == "") {
		return fmt.Errorf("result for %s: success=%v but error=%q", r.NodeID, r.Success, r.Error)
	}
	if r.Success != (r.ErrorType == "") {
		return fmt.Errorf("result for %s: success=%v but error_type=%q", r.NodeID, r.Success, r.ErrorType)
	}
	if r.NodeType == "" {
		return fmt.Errorf("result for %s: node_type is empty", r.NodeID)
	}
	if r.NodeID == "" {
		return fmt.Errorf("result: node_id is empty")
	}
	return nil
}
