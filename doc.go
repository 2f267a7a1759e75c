// Package nerve is a workspace runtime for orchestrating a fleet of
// long-lived nodes — interactive terminals driving AI CLIs, LLM API
// clients, stateful chat agents, and subprocess runners — behind a
// single daemon.
//
// Nodes are composed through two coordination primitives:
//
//   - [Graph] — a validated DAG of typed steps executed in topological
//     order with per-step retry, timeout, and fallback policies.
//   - [Workflow] — an imperative function that can call nodes, graphs,
//     and sub-workflows, and suspend on human-input gates.
//
// A [Session] owns the unique-ID namespace over nodes, graphs,
// workflows, and workflow runs. The daemon package exposes the whole
// thing over three interchangeable transports (unix socket, TCP, HTTP)
// speaking one small versioned command protocol.
//
// # Quick start
//
//	sess := nerve.NewSession("main", "local")
//	sh := nerve.NewBashNode("sh")
//	_ = sess.RegisterNode(sh)
//
//	res := sh.Execute(ctx, nerve.NewExecutionContext(sess, "echo hi"))
//	fmt.Println(res.Output)
//
// # Core contracts
//
//   - [Node] — uniform execute contract shared by every node variant
//   - [Result] — the standardized result shape every execute returns
//   - [ExecutionContext] — request-scoped bundle threaded through calls
//   - [Parser] — collaborator turning terminal buffers into sections
//   - [TerminalBackend] — collaborator owning a terminal process/pane
//
// # Included implementations
//
// LLM transport: llm (OpenAI-compatible chat with retry/classification).
// Parsers: parse (plain, claude). Terminal backends: term (subprocess,
// wezterm). Command plane: daemon. Run archives: store/sqlite,
// store/postgres. Tracing: observer.
//
// See cmd/nerve for the CLI entry point.
package nerve
