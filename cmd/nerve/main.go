// Command nerve runs and drives the workspace daemon.
//
// Usage:
//
//	nerve start [-name N] [-config PATH]
//	nerve stop|ping|nodes|graphs|workflows [-name N]
//	nerve create-node -id ID -backend TAG [-params JSON] [-name N]
//	nerve exec NODE INPUT... [-timeout SECONDS] [-name N]
//	nerve run-graph GRAPH [-input JSON] [-name N]
//	nerve run-workflow WORKFLOW [-input JSON] [-params JSON] [-wait] [-name N]
//	nerve runs RUN-ID [-name N]
//	nerve answer RUN-ID VALUE [-name N]
//	nerve cancel RUN-ID [-name N]
//
// Exit status is 0 on success and 1 on any failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	nerve "github.com/nerveworks/nerve"
	"github.com/nerveworks/nerve/daemon"
	"github.com/nerveworks/nerve/internal/config"
	"github.com/nerveworks/nerve/observer"
	"github.com/nerveworks/nerve/store/postgres"
	"github.com/nerveworks/nerve/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	verb := os.Args[1]
	args := os.Args[2:]

	var err error
	switch verb {
	case "start":
		err = cmdStart(args)
	case "stop":
		err = cmdSimple(args, func(c *daemon.Client) error { return c.Stop() })
	case "ping":
		err = cmdPing(args)
	case "nodes":
		err = cmdList(args, daemon.CmdListNodes, "nodes")
	case "graphs":
		err = cmdList(args, daemon.CmdListGraphs, "graphs")
	case "workflows":
		err = cmdList(args, daemon.CmdListWorkflows, "workflows")
	case "create-node":
		err = cmdCreateNode(args)
	case "exec":
		err = cmdExec(args)
	case "run-graph":
		err = cmdRunGraph(args)
	case "run-workflow":
		err = cmdRunWorkflow(args)
	case "runs":
		err = cmdRuns(args)
	case "answer":
		err = cmdAnswer(args)
	case "cancel":
		err = cmdCancel(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "nerve: unknown command %q\n", verb)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nerve: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nerve <start|stop|ping|nodes|create-node|exec|graphs|run-graph|workflows|run-workflow|runs|answer|cancel> [flags]")
}

// --- start ---

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "daemon instance name (overrides config)")
	cfgPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *name != "" {
		cfg.Name = *name
	}
	if _, alive := daemon.PidAlive(cfg.Name); alive {
		return fmt.Errorf("daemon %q is already running", cfg.Name)
	}

	logger := newLogger(cfg.LogLevel)
	sessOpts, shutdown, err := buildSessionOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	opts := []daemon.Option{
		daemon.WithLogger(logger),
		daemon.WithSessionOptions(sessOpts...),
		daemon.WithExecuteTimeout(cfg.Transport.ExecuteTimeout.Duration),
		daemon.WithExtendedTimeout(cfg.Transport.ExtendedTimeout.Duration),
	}
	if cfg.LLM.OpenRouterAPIKey != "" {
		opts = append(opts, daemon.WithLLMKey("openrouter", cfg.LLM.OpenRouterAPIKey))
	}
	if cfg.LLM.GLMAPIKey != "" {
		opts = append(opts, daemon.WithLLMKey("glm", cfg.LLM.GLMAPIKey))
	}

	d := daemon.New(cfg.Name, opts...)
	if err := d.Start(cfg.Transport.Unix, cfg.Transport.TCPAddr, cfg.Transport.HTTPAddr); err != nil {
		return err
	}
	logger.Info("daemon_started", "name", cfg.Name)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
		d.Stop()
	case <-d.Done():
	}
	<-d.Done()
	return nil
}

// buildSessionOptions wires history, tracing, and the run store from
// the config. The returned shutdown flushes the tracer and closes the
// store.
func buildSessionOptions(cfg *config.Config, logger *slog.Logger) ([]nerve.SessionOption, func(), error) {
	opts := []nerve.SessionOption{nerve.WithSessionLogger(logger)}
	var closers []func()

	if cfg.History.Enabled {
		opts = append(opts, nerve.WithHistory(cfg.History.Dir))
	}
	if cfg.Tracing.Enabled {
		stop, err := observer.Init(context.Background(), cfg.Tracing.Service, cfg.Tracing.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, nerve.WithTracer(observer.NewTracer("nerve")))
		closers = append(closers, func() { _ = stop(context.Background()) })
	}

	switch cfg.Store.Driver {
	case "":
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, nerve.WithRunStore(st))
		closers = append(closers, func() { _ = st.Close() })
	case "postgres":
		st, err := postgres.Open(context.Background(), cfg.Store.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, nerve.WithRunStore(st))
		closers = append(closers, func() { _ = st.Close() })
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	shutdown := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return opts, shutdown, nil
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// --- client verbs ---

func connect(fs *flag.FlagSet) (*daemon.Client, error) {
	name := "default"
	if f := fs.Lookup("name"); f != nil && f.Value.String() != "" {
		name = f.Value.String()
	}
	return daemon.Connect(name)
}

func nameFlag(fs *flag.FlagSet) *string {
	return fs.String("name", "default", "daemon instance name")
}

func cmdSimple(args []string, fn func(*daemon.Client) error) error {
	fs := flag.NewFlagSet("", flag.ExitOnError)
	nameFlag(fs)
	fs.Parse(args)
	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func cmdPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	nameFlag(fs)
	fs.Parse(args)
	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	data, err := c.Ping()
	if err != nil {
		return err
	}
	return printJSON(data)
}

func cmdList(args []string, cmdType, key string) error {
	fs := flag.NewFlagSet(key, flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	fs.Parse(args)
	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.Call(cmdType, sessionParams(*session))
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return printJSON(resp.Data[key])
}

func cmdCreateNode(args []string) error {
	fs := flag.NewFlagSet("create-node", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	id := fs.String("id", "", "node id")
	backend := fs.String("backend", "", "backend tag")
	paramsJSON := fs.String("params", "", "extra parameters as JSON")
	fs.Parse(args)
	if *id == "" || *backend == "" {
		return fmt.Errorf("create-node requires -id and -backend")
	}

	params := sessionParams(*session)
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
		if *session != "" {
			params["session_id"] = *session
		}
	}
	params["node_id"] = *id
	params["backend"] = *backend

	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.Call(daemon.CmdCreateNode, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return printJSON(resp.Data)
}

func cmdExec(args []string) error {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	timeout := fs.Float64("timeout", 0, "execute timeout in seconds")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("exec requires a node id and an input")
	}
	nodeID := rest[0]
	input := strings.Join(rest[1:], " ")

	params := sessionParams(*session)
	if *timeout > 0 {
		params["timeout"] = *timeout
	}
	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.ExecuteInput(nodeID, input, params)
	if err != nil {
		return err
	}
	if err := printJSON(resp.Data); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func cmdRunGraph(args []string) error {
	fs := flag.NewFlagSet("run-graph", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	inputJSON := fs.String("input", "", "graph input as JSON")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("run-graph requires a graph id")
	}

	params := sessionParams(*session)
	params["graph_id"] = fs.Arg(0)
	if *inputJSON != "" {
		var input any
		if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
			return fmt.Errorf("parse -input: %w", err)
		}
		params["input"] = input
	}
	return callAndPrint(fs, daemon.CmdRunGraph, params)
}

func cmdRunWorkflow(args []string) error {
	fs := flag.NewFlagSet("run-workflow", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	inputJSON := fs.String("input", "", "workflow input as JSON")
	paramsJSON := fs.String("params", "", "workflow params as JSON")
	wait := fs.Bool("wait", false, "block until the run completes")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("run-workflow requires a workflow id")
	}

	params := sessionParams(*session)
	params["workflow_id"] = fs.Arg(0)
	params["wait"] = *wait
	if *inputJSON != "" {
		var input any
		if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
			return fmt.Errorf("parse -input: %w", err)
		}
		params["input"] = input
	}
	if *paramsJSON != "" {
		var wfParams map[string]any
		if err := json.Unmarshal([]byte(*paramsJSON), &wfParams); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
		params["params"] = wfParams
	}
	return callAndPrint(fs, daemon.CmdExecWorkflow, params)
}

func cmdRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("runs requires a run id")
	}
	params := sessionParams(*session)
	params["run_id"] = fs.Arg(0)
	return callAndPrint(fs, daemon.CmdGetWorkflowRun, params)
}

func cmdAnswer(args []string) error {
	fs := flag.NewFlagSet("answer", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("answer requires a run id and a value")
	}
	params := sessionParams(*session)
	params["run_id"] = fs.Arg(0)
	params["answer"] = fs.Arg(1)
	return callAndPrint(fs, daemon.CmdAnswerGate, params)
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	nameFlag(fs)
	session := fs.String("session", "", "session id")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("cancel requires a run id")
	}
	params := sessionParams(*session)
	params["run_id"] = fs.Arg(0)
	return callAndPrint(fs, daemon.CmdCancelWorkflow, params)
}

func callAndPrint(fs *flag.FlagSet, cmdType string, params map[string]any) error {
	c, err := connect(fs)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.Call(cmdType, params)
	if err != nil {
		return err
	}
	if err := printJSON(resp.Data); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func sessionParams(session string) map[string]any {
	params := map[string]any{}
	if session != "" {
		params["session_id"] = session
	}
	return params
}

func printJSON(v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
