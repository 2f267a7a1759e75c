package daemon

import (
	"context"
	"fmt"
	"time"

	nerve "github.com/nerveworks/nerve"
	"github.com/nerveworks/nerve/llm"
	"github.com/nerveworks/nerve/parse"
	"github.com/nerveworks/nerve/term"
)

// createNode builds and registers a node from a CREATE_NODE request.
// The backend tag selects the constructor; unknown tags and tags whose
// collaborator is not configured fail with invalid_request_error.
func (d *Daemon) createNode(ctx context.Context, req Request) Response {
	nodeID := strParam(req.Params, "node_id")
	backend := strParam(req.Params, "backend")
	if nodeID == "" || backend == "" {
		return errResponse(req.ID, nerve.ErrInvalidRequest, "node_id and backend are required")
	}
	s, errResp := d.resolve(req)
	if s == nil {
		return errResp
	}

	node, err := d.buildNode(ctx, s, nodeID, backend, req.Params)
	if err != nil {
		return errResponse(req.ID, classifyCreateErr(err), err.Error())
	}
	if err := s.RegisterNode(node); err != nil {
		_ = node.Stop()
		return errResponsef(req.ID, nerve.ErrInternal, "%v", err)
	}
	info, merr := toMap(node.Info())
	if merr != nil {
		return errResponsef(req.ID, nerve.ErrInternal, "encode node info: %v", merr)
	}
	return okResponse(req.ID, info)
}

type createErr struct {
	errType string
	msg     string
}

func (e *createErr) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return &createErr{errType: nerve.ErrInvalidRequest, msg: fmt.Sprintf(format, args...)}
}

func classifyCreateErr(err error) string {
	if ce, ok := err.(*createErr); ok {
		return ce.errType
	}
	return nerve.ClassifyError(err)
}

func (d *Daemon) buildNode(ctx context.Context, s *nerve.Session, nodeID, backend string, params map[string]any) (nerve.Node, error) {
	switch backend {
	case "bash":
		var opts []nerve.BashOption
		if cwd := strParam(params, "cwd"); cwd != "" {
			opts = append(opts, nerve.WithBashCwd(cwd))
		}
		if secs := secondsParam(params, "bash_timeout"); secs > 0 {
			opts = append(opts, nerve.WithBashTimeout(time.Duration(secs * float64(time.Second))))
		}
		return nerve.NewBashNode(nodeID, opts...), nil

	case "identity":
		return nerve.NewIdentityNode(nodeID), nil

	case "pty":
		return d.buildSubprocessTerminal(ctx, s, nodeID, params)

	case "wezterm":
		return d.buildWeztermTerminal(ctx, s, nodeID, params)

	case "claude-wezterm":
		return d.buildClaudeNode(ctx, s, nodeID, params)

	case "openrouter", "glm":
		return d.buildLLMNode(nodeID, backend, params)

	case "llm-chat":
		return d.buildChatNode(s, nodeID, params)

	case "suggestion", "mcp":
		builder, ok := d.builders[backend]
		if !ok {
			return nil, invalidf("backend %q not enabled", backend)
		}
		return builder(s, nodeID, params)

	default:
		return nil, invalidf("unknown backend %q", backend)
	}
}

func (d *Daemon) buildSubprocessTerminal(ctx context.Context, s *nerve.Session, nodeID string, params map[string]any) (nerve.Node, error) {
	command := strParam(params, "command")
	if command == "" {
		command = "sh"
	}
	var opts []term.SubprocessOption
	if cwd := strParam(params, "cwd"); cwd != "" {
		opts = append(opts, term.WithSubprocessDir(cwd))
	}
	if env := envParam(params); len(env) > 0 {
		opts = append(opts, term.WithSubprocessEnv(env))
	}
	opts = append(opts, term.WithSubprocessLogger(d.logger))

	node := nerve.NewTerminalNode(nodeID, s, term.NewSubprocess(command, opts...),
		nerve.WithTerminalParser(parse.NewPlain()),
		nerve.WithTerminalMetadata(map[string]any{"command": command}),
	)
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func (d *Daemon) buildWeztermTerminal(ctx context.Context, s *nerve.Session, nodeID string, params map[string]any) (nerve.Node, error) {
	var backend *term.Wezterm
	if paneID := intParam(params, "pane_id"); paneID > 0 {
		backend = term.Attach(paneID, term.WithWeztermLogger(d.logger))
	} else {
		command := strParam(params, "command")
		if command == "" {
			command = "sh"
		}
		if cwd := strParam(params, "cwd"); cwd != "" {
			command = fmt.Sprintf("cd %s && %s", cwd, command)
		}
		backend = term.NewWezterm(command, term.WithWeztermLogger(d.logger))
	}

	node := nerve.NewTerminalNode(nodeID, s, backend,
		nerve.WithTerminalParser(parse.NewPlain()),
	)
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func (d *Daemon) buildClaudeNode(ctx context.Context, s *nerve.Session, nodeID string, params map[string]any) (nerve.Node, error) {
	command := strParam(params, "command")
	if command == "" {
		return nil, invalidf("command is required for claude-wezterm")
	}
	if proxy := strParam(params, "proxy_url"); proxy != "" {
		command = fmt.Sprintf("ANTHROPIC_BASE_URL=%s %s", proxy, command)
	}
	if sid := strParam(params, "claude_session_id"); sid != "" {
		command = fmt.Sprintf("%s --session-id %s", command, sid)
	}
	cwd := strParam(params, "cwd")

	factory := func(cmd string) (nerve.TerminalBackend, error) {
		if cwd != "" {
			cmd = fmt.Sprintf("cd %s && %s", cwd, cmd)
		}
		return term.NewWezterm(cmd, term.WithWeztermLogger(d.logger)), nil
	}
	node, err := nerve.NewClaudeTerminalNode(nodeID, s, command, parse.NewClaude(), factory)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func (d *Daemon) buildLLMNode(nodeID, provider string, params map[string]any) (nerve.Node, error) {
	apiKey := strParam(params, "api_key")
	if apiKey == "" {
		apiKey = d.llmKeys[provider]
	}
	model := strParam(params, "llm_model")
	if apiKey == "" || model == "" {
		return nil, invalidf("api_key and llm_model are required for %s", provider)
	}

	var opts []llm.NodeOption
	if base := strParam(params, "llm_base_url"); base != "" {
		opts = append(opts, llm.WithBaseURL(base))
	}
	if secs := secondsParam(params, "llm_timeout"); secs > 0 {
		opts = append(opts, llm.WithTimeout(time.Duration(secs*float64(time.Second))))
	}
	if dir := strParam(params, "llm_debug_dir"); dir != "" {
		opts = append(opts, llm.WithDebug(dir))
	}

	if provider == "glm" {
		if _, ok := params["llm_thinking"]; ok {
			opts = append(opts, llm.WithThinking(boolParam(params, "llm_thinking")))
		}
		return llm.NewGLM(nodeID, apiKey, model, opts...), nil
	}
	return llm.NewOpenRouter(nodeID, apiKey, model, opts...), nil
}

func (d *Daemon) buildChatNode(s *nerve.Session, nodeID string, params map[string]any) (nerve.Node, error) {
	provider := strParam(params, "llm_provider")
	if provider != "openrouter" && provider != "glm" {
		return nil, invalidf("llm_provider must be openrouter or glm")
	}
	inner, err := d.buildLLMNode(nodeID+"-inner", provider, params)
	if err != nil {
		return nil, err
	}

	var opts []llm.ChatOption
	if system := strParam(params, "llm_system"); system != "" {
		opts = append(opts, llm.WithSystem(system))
	}
	if ids := stringsParam(params, "tool_node_ids"); len(ids) > 0 {
		tools, terr := llm.NewNodeTools(s, ids...)
		if terr != nil {
			return nil, invalidf("tool_node_ids: %v", terr)
		}
		opts = append(opts, llm.WithToolExecutor(tools))
	}
	if choice, ok := params["tool_choice"]; ok {
		opts = append(opts, llm.WithToolChoice(choice))
	}
	if _, ok := params["parallel_tool_calls"]; ok {
		opts = append(opts, llm.WithParallelToolCalls(boolParam(params, "parallel_tool_calls")))
	}
	if boolParam(params, "force_tool") {
		opts = append(opts, llm.WithToolChoice("required"))
	}
	return llm.NewChatNode(nodeID, inner.(*llm.Node), opts...), nil
}

// envParam converts an env map parameter into K=V entries.
func envParam(params map[string]any) []string {
	m := mapParam(params, "env")
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	return out
}
