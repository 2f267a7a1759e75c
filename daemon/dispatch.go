package daemon

import (
	"context"
	"errors"
	"time"

	nerve "github.com/nerveworks/nerve"
	"github.com/nerveworks/nerve/parse"
)

// rawWriter is implemented by terminal nodes that accept raw bytes.
type rawWriter interface {
	WriteRaw(data string) error
}

// bufferReader is implemented by terminal nodes exposing their buffer.
type bufferReader interface {
	ReadBuffer() (string, error)
}

// Dispatch executes one command and returns its reply. Safe for
// concurrent use; each call counts as in-flight for graceful shutdown.
func (d *Daemon) Dispatch(ctx context.Context, req Request) Response {
	if d.isStopping() && req.Type != CmdPing && req.Type != CmdStop {
		return errResponse(req.ID, nerve.ErrInternal, "daemon is shutting down")
	}
	d.inflight.Add(1)
	defer d.inflight.Done()

	d.logger.Debug("command", "type", req.Type, "id", req.ID)
	switch req.Type {
	case CmdPing:
		return d.ping(req)
	case CmdStop:
		go d.Stop()
		return okResponse(req.ID, map[string]any{"stopping": true})
	case CmdGetSession:
		return d.getSession(req)
	case CmdListSessions:
		return okResponse(req.ID, map[string]any{"sessions": d.SessionNames()})
	case CmdCreateNode:
		return d.createNode(ctx, req)
	case CmdDeleteNode:
		return d.deleteNode(req)
	case CmdForkNode:
		return d.forkNode(req)
	case CmdListNodes:
		return d.listNodes(req)
	case CmdExecuteInput:
		return d.executeInput(ctx, req)
	case CmdRunCommand:
		return d.runCommand(ctx, req)
	case CmdWriteData:
		return d.writeData(req)
	case CmdGetBuffer:
		return d.getBuffer(req)
	case CmdSendInterrupt:
		return d.sendInterrupt(req)
	case CmdListGraphs:
		s, errResp := d.resolve(req)
		if s == nil {
			return errResp
		}
		return okResponse(req.ID, map[string]any{"graphs": s.ListGraphs()})
	case CmdRunGraph:
		return d.runGraph(ctx, req)
	case CmdListWorkflows:
		s, errResp := d.resolve(req)
		if s == nil {
			return errResp
		}
		return okResponse(req.ID, map[string]any{"workflows": s.ListWorkflows()})
	case CmdExecWorkflow:
		return d.executeWorkflow(ctx, req)
	case CmdGetWorkflowRun:
		return d.getWorkflowRun(req)
	case CmdAnswerGate:
		return d.answerGate(req)
	case CmdCancelWorkflow:
		return d.cancelWorkflow(req)
	case CmdExecutePython:
		return d.executePython(ctx, req)
	case CmdExecuteREPL:
		return d.executeREPL(req)
	default:
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "unknown command type %q", req.Type)
	}
}

// resolve returns the session addressed by the request's session_id,
// defaulting to the first session. A name that is not a valid session
// id yields a nil session and the ready-made not_found reply.
func (d *Daemon) resolve(req Request) (*nerve.Session, Response) {
	name := strParam(req.Params, "session_id")
	s := d.Session(name)
	if s == nil {
		return nil, errResponsef(req.ID, nerve.ErrNotFound, "session %q not found", name)
	}
	return s, Response{}
}

func (d *Daemon) ping(req Request) Response {
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	nodes, graphs, workflows, runs := s.Counts()
	return okResponse(req.ID, map[string]any{
		"nodes": nodes, "graphs": graphs, "workflows": workflows, "runs": runs,
	})
}

func (d *Daemon) getSession(req Request) Response {
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	nodes, graphs, workflows, runs := s.Counts()
	return okResponse(req.ID, map[string]any{
		"name":            s.Name(),
		"server":          s.ServerName(),
		"nodes":           nodes,
		"graphs":          graphs,
		"workflows":       workflows,
		"runs":            runs,
		"history_enabled": s.HistoryEnabled(),
	})
}

func (d *Daemon) deleteNode(req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	if nodeID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	s.DeleteNode(nodeID)
	return okResponse(req.ID, map[string]any{"node_id": nodeID, "deleted": true})
}

func (d *Daemon) forkNode(req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	targetID := strParam(req.Params, "target_id")
	if nodeID == "" || targetID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id and target_id are required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}
	forker, ok := node.(nerve.Forker)
	if !ok {
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "node %q does not support forking", nodeID)
	}
	child, err := forker.Fork(targetID)
	if err != nil {
		return errResponsef(req.ID, nerve.ClassifyError(err), "fork: %v", err)
	}
	return okResponse(req.ID, map[string]any{
		"node_id": child.ID(), "forked_from": nodeID,
	})
}

func (d *Daemon) listNodes(req Request) Response {
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	infos := s.ListNodes()
	nodes := make([]any, 0, len(infos))
	for _, info := range infos {
		m, err := toMap(info)
		if err != nil {
			return errResponsef(req.ID, nerve.ErrInternal, "encode node info: %v", err)
		}
		nodes = append(nodes, m)
	}
	return okResponse(req.ID, map[string]any{"nodes": nodes})
}

// executeInput runs a node with the request input. Nodes implementing
// ReadyExecutor (long-running terminal sessions) are routed through
// their ready-wait path and get the extended timeout tier.
func (d *Daemon) executeInput(ctx context.Context, req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	if nodeID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id is required")
	}
	input, hasInput := req.Params["input"]
	if !hasInput {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "input is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}

	cmdTimeout := d.executeTimeout
	ready, isReady := node.(nerve.ReadyExecutor)
	if isReady {
		cmdTimeout = d.extendedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	ecOpts := []nerve.ContextOption{nerve.WithRunLogger(d.logger)}
	if secs := secondsParam(req.Params, "timeout"); secs > 0 {
		ecOpts = append(ecOpts, nerve.WithTimeout(time.Duration(secs*float64(time.Second))))
	}
	if name := strParam(req.Params, "parser"); name != "" {
		ecOpts = append(ecOpts, nerve.WithContextParser(parse.ForName(name)))
	}
	ec := nerve.NewExecutionContext(s, input, ecOpts...)

	var res nerve.Result
	if isReady {
		readyTimeout := cmdTimeout
		if secs := secondsParam(req.Params, "ready_timeout"); secs > 0 {
			readyTimeout = time.Duration(secs * float64(time.Second))
		}
		res = ready.ExecuteWhenReady(ctx, ec, readyTimeout)
	} else {
		res = node.Execute(ctx, ec)
	}
	return resultResponse(req.ID, res)
}

// runCommand is the thin run passthrough: execute without ready
// routing, history-logged as a run op.
func (d *Daemon) runCommand(ctx context.Context, req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	command := strParam(req.Params, "command")
	if nodeID == "" || command == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id and command are required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.executeTimeout)
	defer cancel()

	start := nerve.NowMillis()
	ec := nerve.NewExecutionContext(s, command, nerve.WithRunLogger(d.logger))
	res := node.Execute(ctx, ec)
	d.appendHistory(s, nodeID, nerve.HistoryRecord{
		TsStart: start, TsEnd: nerve.NowMillis(), Op: nerve.HistOpRun, Input: command,
	})
	return resultResponse(req.ID, res)
}

func (d *Daemon) writeData(req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	data := strParam(req.Params, "data")
	if nodeID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}
	w, ok := node.(rawWriter)
	if !ok {
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "node %q does not accept raw writes", nodeID)
	}
	start := nerve.NowMillis()
	if err := w.WriteRaw(data); err != nil {
		return errResponsef(req.ID, nerve.ClassifyError(err), "write: %v", err)
	}
	d.appendHistory(s, nodeID, nerve.HistoryRecord{
		TsStart: start, TsEnd: nerve.NowMillis(), Op: nerve.HistOpWrite, Input: data,
	})
	return okResponse(req.ID, map[string]any{"node_id": nodeID, "written": len(data)})
}

func (d *Daemon) getBuffer(req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	if nodeID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}
	r, ok := node.(bufferReader)
	if !ok {
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "node %q has no buffer", nodeID)
	}
	start := nerve.NowMillis()
	buf, err := r.ReadBuffer()
	if err != nil {
		return errResponsef(req.ID, nerve.ClassifyError(err), "read buffer: %v", err)
	}
	d.appendHistory(s, nodeID, nerve.HistoryRecord{
		TsStart: start, TsEnd: nerve.NowMillis(), Op: nerve.HistOpRead,
	})
	return okResponse(req.ID, map[string]any{"node_id": nodeID, "buffer": buf})
}

func (d *Daemon) sendInterrupt(req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	if nodeID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	node := s.GetNode(nodeID)
	if node == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "node %q not found", nodeID)
	}
	now := nerve.NowMillis()
	node.Interrupt()
	d.appendHistory(s, nodeID, nerve.HistoryRecord{
		TsStart: now, TsEnd: nerve.NowMillis(), Op: nerve.HistOpInterrupt,
	})
	return okResponse(req.ID, map[string]any{"node_id": nodeID, "interrupted": true})
}

func (d *Daemon) runGraph(ctx context.Context, req Request) Response {
	graphID := strParam(req.Params, "graph_id")
	if graphID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "graph_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	g := s.GetGraph(graphID)
	if g == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "graph %q not found", graphID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.extendedTimeout)
	defer cancel()

	ec := nerve.NewExecutionContext(s, req.Params["input"], nerve.WithRunLogger(d.logger))
	res, err := g.Run(ctx, ec)
	if err != nil {
		return errResponsef(req.ID, nerve.ClassifyError(err), "graph %s: %v", graphID, err)
	}
	return resultResponse(req.ID, res)
}

func (d *Daemon) executeWorkflow(ctx context.Context, req Request) Response {
	workflowID := strParam(req.Params, "workflow_id")
	if workflowID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "workflow_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	run, err := s.ExecuteWorkflow(workflowID, req.Params["input"], mapParam(req.Params, "params"), nil)
	if err != nil {
		var nf *nerve.NotFoundError
		if errors.As(err, &nf) {
			return errResponse(req.ID, nerve.ErrNotFound, err.Error())
		}
		return errResponsef(req.ID, nerve.ClassifyError(err), "execute workflow: %v", err)
	}

	data := map[string]any{"run_id": run.ID()}
	if boolParam(req.Params, "wait") {
		result, werr := run.Wait(ctx)
		data["state"] = string(run.State())
		if werr != nil {
			data["error"] = werr.Error()
			resp := Response{ID: req.ID, Data: data, Error: werr.Error()}
			return resp
		}
		data["result"] = result
		return okResponse(req.ID, data)
	}
	data["state"] = string(run.State())
	return okResponse(req.ID, data)
}

func (d *Daemon) getWorkflowRun(req Request) Response {
	runID := strParam(req.Params, "run_id")
	if runID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "run_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	run := s.GetRun(runID)
	if run == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "run %q not found", runID)
	}
	data, err := toMap(run.Info())
	if err != nil {
		return errResponsef(req.ID, nerve.ErrInternal, "encode run: %v", err)
	}
	return okResponse(req.ID, data)
}

func (d *Daemon) answerGate(req Request) Response {
	runID := strParam(req.Params, "run_id")
	if runID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "run_id is required")
	}
	answer, ok := req.Params["answer"]
	if !ok {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "answer is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	run := s.GetRun(runID)
	if run == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "run %q not found", runID)
	}
	if err := run.AnswerGate(answer); err != nil {
		return errResponsef(req.ID, nerve.ErrInvalidRequest, "answer gate: %v", err)
	}
	return okResponse(req.ID, map[string]any{"run_id": runID, "answered": true})
}

func (d *Daemon) cancelWorkflow(req Request) Response {
	runID := strParam(req.Params, "run_id")
	if runID == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "run_id is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	run := s.GetRun(runID)
	if run == nil {
		return errResponsef(req.ID, nerve.ErrNotFound, "run %q not found", runID)
	}
	run.Cancel()
	return okResponse(req.ID, map[string]any{"run_id": runID, "state": string(run.State())})
}

func (d *Daemon) executePython(ctx context.Context, req Request) Response {
	if d.codeRunner == nil {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "code execution backend not enabled")
	}
	code := strParam(req.Params, "code")
	if code == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "code is required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}
	ctx, cancel := context.WithTimeout(ctx, d.executeTimeout)
	defer cancel()
	out, err := d.codeRunner.Run(ctx, s, code)
	if err != nil {
		return errResponsef(req.ID, nerve.ClassifyError(err), "execute code: %v", err)
	}
	return okResponse(req.ID, map[string]any{"output": out})
}

func (d *Daemon) appendHistory(s *nerve.Session, nodeID string, rec nerve.HistoryRecord) {
	if hw := s.HistoryWriter(nodeID); hw != nil {
		hw.Append(rec)
	}
}
