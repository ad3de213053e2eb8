package main

import (
	"github.com/spf13/cobra"
)

func buildStepCmd() *cobra.Command {
	var (
		maxSteps int
		stream   bool
		asJSON   bool
		events   bool
	)
	cmd := &cobra.Command{
		Use:   "step <agent-id> <message>",
		Short: "Send a user message to an agent and run one step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, args[0], args[1], stepOptions{
				maxSteps: maxSteps,
				stream:   stream,
				asJSON:   asJSON,
				events:   events,
			})
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Maximum model calls (0 uses the configured default)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream model responses")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the step result as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "Print step events to stderr as they happen")
	return cmd
}

func buildBroadcastCmd() *cobra.Command {
	var (
		from      string
		matchAll  []string
		matchSome []string
		ids       []string
	)
	cmd := &cobra.Command{
		Use:   "broadcast <message>",
		Short: "Send a message to several agents at once",
		Long: `Send a message from one agent to every agent matching the tags,
or to an explicit list of agent ids. The sender never receives its own
message. Each target runs its own step; failures are reported per target.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(cmd, from, args[0], matchAll, matchSome, ids)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender agent id")
	cmd.Flags().StringSliceVar(&matchAll, "match-all", nil, "Tags every target must have")
	cmd.Flags().StringSliceVar(&matchSome, "match-some", nil, "Tags of which a target needs at least one")
	cmd.Flags().StringSliceVar(&ids, "to", nil, "Explicit target agent ids")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func buildRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect tool rule files",
	}
	var forced bool
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a tool rule file and print its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesCheck(cmd, args[0], forced)
		},
	}
	check.Flags().BoolVar(&forced, "forced-tool-choice", true, "Assume the model supports forced tool choice")
	cmd.AddCommand(check)
	return cmd
}

func buildAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(buildAgentCreateCmd(), buildAgentListCmd())
	return cmd
}

func buildAgentCreateCmd() *cobra.Command {
	var (
		file   string
		name   string
		prompt string
		model  string
		tools  []string
		tags   []string
		rules  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent from flags or a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentCreate(cmd, agentCreateOptions{
				file:      file,
				name:      name,
				prompt:    prompt,
				model:     model,
				tools:     tools,
				tags:      tags,
				rulesFile: rules,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML agent definition")
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&prompt, "system", "", "Base system prompt")
	cmd.Flags().StringVar(&model, "model", "", "Model (defaults to llm.default_model)")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "Tools the agent may call (defaults to the built-in tools)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Agent tags")
	cmd.Flags().StringVar(&rules, "rules", "", "Tool rule file")
	return cmd
}

func buildAgentListCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentList(cmd, tags)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Only agents with all of these tags")
	return cmd
}

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit agent core memory",
	}
	var (
		description string
		limit       int
	)
	set := &cobra.Command{
		Use:   "set <agent-id> <label> <value>",
		Short: "Create or replace a memory block",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemorySet(cmd, args[0], args[1], args[2], description, limit)
		},
	}
	set.Flags().StringVar(&description, "description", "", "Block description shown to the model")
	set.Flags().IntVar(&limit, "limit", 0, "Character limit (0 keeps the current or default limit)")

	show := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent's compiled core memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryShow(cmd, args[0])
		},
	}
	cmd.AddCommand(set, show)
	return cmd
}
