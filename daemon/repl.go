package daemon

import (
	"strings"

	nerve "github.com/nerveworks/nerve"
)

// executeREPL services the predefined REPL verbs the command plane
// runs server-side:
//
//	read <node_id>      — tail of a terminal node's buffer
//	show <id>           — snapshot of a node, graph, workflow, or run
//	validate <graph_id> — graph validation errors
//	dry <graph_id>      — execution order without running anything
func (d *Daemon) executeREPL(req Request) Response {
	verb := strParam(req.Params, "verb")
	target := strParam(req.Params, "target")
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}

	switch verb {
	case "read":
		node := s.GetNode(target)
		if node == nil {
			return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", target)
		}
		r, ok := node.(bufferReader)
		if !ok {
			return errResponsef(req.ID, nerve.ErrInvalidRequest, "node %q has no buffer", target)
		}
		buf, err := r.ReadBuffer()
		if err != nil {
			return errResponsef(req.ID, nerve.ClassifyError(err), "read buffer: %v", err)
		}
		lines := intParam(req.Params, "lines")
		if lines > 0 {
			buf = tail(buf, lines)
		}
		return okResponse(req.ID, map[string]any{"node_id": target, "buffer": buf})

	case "show":
		if node := s.GetNode(target); node != nil {
			data, err := toMap(node.Info())
			if err != nil {
				return errResponsef(req.ID, nerve.ErrInternal, "encode: %v", err)
			}
			return okResponse(req.ID, data)
		}
		if g := s.GetGraph(target); g != nil {
			data, err := toMap(g.Info())
			if err != nil {
				return errResponsef(req.ID, nerve.ErrInternal, "encode: %v", err)
			}
			return okResponse(req.ID, data)
		}
		if wf := s.GetWorkflow(target); wf != nil {
			return okResponse(req.ID, map[string]any{"workflow_id": wf.ID()})
		}
		if run := s.GetRun(target); run != nil {
			data, err := toMap(run.Info())
			if err != nil {
				return errResponsef(req.ID, nerve.ErrInternal, "encode: %v", err)
			}
			return okResponse(req.ID, data)
		}
		return errResponsef(req.ID, nerve.ErrNotFound, "%q not found", target)

	case "validate":
		g := s.GetGraph(target)
		if g == nil {
			return errResponsef(req.ID, nerve.ErrNotFound, "graph %q not found", target)
		}
		errs := g.Validate()
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return okResponse(req.ID, map[string]any{
			"graph_id": target, "valid": len(errs) == 0, "errors": msgs,
		})

	case "dry":
		g := s.GetGraph(target)
		if g == nil {
			return errResponsef(req.ID, nerve.ErrNotFound, "graph %q not found", target)
		}
		order, err := g.ExecutionOrder()
		if err != nil {
			return errResponsef(req.ID, nerve.ErrInvalidRequest, "dry run: %v", err)
		}
		return okResponse(req.ID, map[string]any{"graph_id": target, "execution_order": order})

	default:
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "unknown repl verb %q", verb)
	}
}

func tail(buf string, n int) string {
	lines := strings.Split(buf, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
