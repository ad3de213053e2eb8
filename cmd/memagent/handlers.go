package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/memagent/agentloop"
	"github.com/martinemde/memagent/config"
	"github.com/martinemde/memagent/observability"
	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/toolrules"
	"github.com/martinemde/memagent/unifiedllm"
)

// runtime holds what a command opened; Close releases it in reverse order.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *store.DB
	engine  *agentloop.Engine
	closers []func(context.Context) error
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	db, err := store.Open(cmd.Context(), cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	return rt, nil
}

// startEngine connects to the model providers and builds the step engine.
func (rt *runtime) startEngine(emitter *agentloop.EventEmitter) error {
	client, err := unifiedllm.NewClientFromConfig(rt.cfg.ClientConfig(), unifiedllm.WithRetry(rt.cfg.RetryPolicy()))
	if err != nil {
		return fmt.Errorf("configuring model client: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if addr := rt.cfg.Observability.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Warn("metrics server stopped", "addr", addr, "error", err)
			}
		}()
		rt.closers = append(rt.closers, srv.Shutdown)
	}
	tracer, shutdown := observability.NewTracer(rt.cfg.TraceConfig(version))
	rt.closers = append(rt.closers, shutdown)

	opts := []agentloop.EngineOption{
		agentloop.WithConfig(rt.cfg.Engine),
		agentloop.WithLogger(rt.logger),
		agentloop.WithMetrics(metrics),
		agentloop.WithTracer(tracer),
	}
	if emitter != nil {
		opts = append(opts, agentloop.WithEmitter(emitter))
	}
	rt.engine = agentloop.NewEngine(agentloop.Deps{
		Client:   client,
		Messages: rt.db,
		Agents:   rt.db,
		Blocks:   rt.db,
	}, opts...)
	return nil
}

func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown", "error", err)
		}
	}
}

type stepOptions struct {
	maxSteps int
	stream   bool
	asJSON   bool
	events   bool
}

func runStep(cmd *cobra.Command, agentID, message string, opts stepOptions) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if opts.stream {
		rt.cfg.Engine.Stream = true
	}

	var emitter *agentloop.EventEmitter
	var wg sync.WaitGroup
	if opts.events {
		emitter = agentloop.NewEventEmitter(0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := json.NewEncoder(cmd.ErrOrStderr())
			for ev := range emitter.Events() {
				_ = enc.Encode(ev)
			}
		}()
	}
	if err := rt.startEngine(emitter); err != nil {
		return err
	}

	res, err := rt.engine.Step(cmd.Context(), agentID, unifiedllm.UserMessage(message), opts.maxSteps)
	if emitter != nil {
		emitter.Close()
		wg.Wait()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printMessages(out, res.Messages)
	fmt.Fprintf(out, "\n%s after %d steps (%d tokens)\n", res.StopReason, res.Usage.StepCount, res.Usage.TotalTokens)
	return nil
}

func printMessages(w io.Writer, msgs []agentloop.CallerMessage) {
	for _, m := range msgs {
		switch m.MessageType {
		case agentloop.UserMessageType:
			fmt.Fprintf(w, "[user] %s\n", m.Content)
		case agentloop.SystemMessageType:
			fmt.Fprintf(w, "[system] %s\n", m.Content)
		case agentloop.ReasoningMessageType:
			fmt.Fprintf(w, "[reasoning] %s\n", m.Reasoning)
		case agentloop.HiddenReasoningMessageType:
			fmt.Fprintln(w, "[reasoning hidden]")
		case agentloop.ToolCallMessageType:
			fmt.Fprintf(w, "[tool call] %s(%s)\n", m.ToolCall.Name, m.ToolCall.Arguments)
		case agentloop.ToolReturnMessageType:
			fmt.Fprintf(w, "[tool %s] %s\n", m.Status, m.ToolReturn)
		case agentloop.AssistantMessageType:
			fmt.Fprintf(w, "[assistant] %s\n", m.Content)
		}
	}
}

func runBroadcast(cmd *cobra.Command, from, message string, matchAll, matchSome, ids []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.startEngine(nil); err != nil {
		return err
	}

	var results []agentloop.BroadcastResult
	if len(ids) > 0 {
		results, err = rt.engine.Broadcaster().SendToIDs(cmd.Context(), from, ids, message)
	} else {
		results, err = rt.engine.Broadcaster().SendToTags(cmd.Context(), from, message, matchAll, matchSome)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	var failed int
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(results))
	}
	return nil
}

func runRulesCheck(cmd *cobra.Command, path string, forced bool) error {
	rules, err := toolrules.LoadFile(path)
	if err != nil {
		return err
	}
	solver, err := checkRules(rules, forced)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rules) > 0 {
		fmt.Fprintln(out, toolrules.Describe(rules))
	}
	if first := solver.InitTools(); len(first) > 0 {
		fmt.Fprintf(out, "first call: %s\n", strings.Join(first, " | "))
	}
	fmt.Fprintf(out, "ok: %d rules\n", len(rules))
	return nil
}

// checkRules builds a solver and asks for the first legal tools, which
// surfaces conflicting declarations.
func checkRules(rules []toolrules.Rule, forced bool) (*toolrules.Solver, error) {
	solver, err := toolrules.NewSolver(rules, toolrules.WithForcedToolChoice(forced))
	if err != nil {
		return nil, err
	}
	if _, err := solver.LegalTools(nil); err != nil {
		return nil, err
	}
	return solver, nil
}

type agentCreateOptions struct {
	file      string
	name      string
	prompt    string
	model     string
	tools     []string
	tags      []string
	rulesFile string
}

// agentFile is the YAML agent definition accepted by "agent create -f".
type agentFile struct {
	store.Agent `yaml:",inline"`
	Memory      []memoryEntry `yaml:"memory"`
}

type memoryEntry struct {
	Label       string `yaml:"label"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
	Limit       int    `yaml:"limit"`
}

var defaultMemory = []memoryEntry{
	{Label: "persona", Description: "Your persona: who you are and how you behave."},
	{Label: "human", Description: "What you know about the person you are talking to."},
}

func runAgentCreate(cmd *cobra.Command, opts agentCreateOptions) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var def agentFile
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parsing %s: %w", opts.file, err)
		}
	}
	agent := &def.Agent
	setIfNotEmpty(&agent.Name, opts.name)
	setIfNotEmpty(&agent.SystemPrompt, opts.prompt)
	setIfNotEmpty(&agent.Model, opts.model)
	if len(opts.tools) > 0 {
		agent.Tools = opts.tools
	}
	if len(opts.tags) > 0 {
		agent.Tags = opts.tags
	}
	if agent.Model == "" {
		agent.Model = rt.cfg.LLM.DefaultModel
		if agent.Provider == "" {
			agent.Provider = rt.cfg.LLM.DefaultProvider
		}
	}
	if len(agent.Tools) == 0 {
		agent.Tools = []string{agentloop.SendMessageTool, agentloop.CoreMemoryAppendTool, agentloop.CoreMemoryReplaceTool}
	}
	if opts.rulesFile != "" {
		data, err := os.ReadFile(opts.rulesFile)
		if err != nil {
			return err
		}
		if agent.Rules, err = toolrules.ParseSpecs(data); err != nil {
			return err
		}
	}
	rules, err := toolrules.FromSpecs(agent.Rules)
	if err != nil {
		return err
	}
	if _, err := checkRules(rules, agentloop.NewProfile(agent.Provider, agent.Model).SupportsForcedToolChoice()); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := rt.db.CreateAgent(ctx, agent); err != nil {
		return err
	}
	memory := def.Memory
	if len(memory) == 0 {
		memory = defaultMemory
	}
	for _, m := range memory {
		block := store.Block{AgentID: agent.ID, Label: m.Label, Value: m.Value, Description: m.Description, Limit: m.Limit}
		if err := rt.db.SetBlock(ctx, block); err != nil {
			return fmt.Errorf("memory block %s: %w", m.Label, err)
		}
	}
	rt.logger.Info("agent created", "agent_id", agent.ID, "model", agent.Model, "tools", len(agent.Tools))
	fmt.Fprintln(cmd.OutOrStdout(), agent.ID)
	return nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func runAgentList(cmd *cobra.Command, tags []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	agents, err := rt.db.ListByTags(cmd.Context(), tags, nil)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tTAGS\tMESSAGES")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", a.ID, a.Name, a.Model, strings.Join(a.Tags, ","), len(a.MessageIDs))
	}
	return tw.Flush()
}

func runMemorySet(cmd *cobra.Command, agentID, label, value, description string, limit int) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if _, err := rt.db.GetAgent(ctx, agentID); err != nil {
		return err
	}
	block, err := rt.db.GetBlock(ctx, agentID, label)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	block.AgentID, block.Label, block.Value = agentID, label, value
	setIfNotEmpty(&block.Description, description)
	if limit > 0 {
		block.Limit = limit
	}
	return rt.db.SetBlock(ctx, block)
}

func runMemoryShow(cmd *cobra.Command, agentID string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	blocks, err := rt.db.Blocks(cmd.Context(), agentID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), store.CompileBlocks(blocks))
	return nil
}
