package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/bridgeflow/bridge"
	"github.com/petal-labs/bridgeflow/core"
)

const defaultServerURL = "http://127.0.0.1:8080"

// NewBridgesCmd creates the "bridges" command group, a thin client for the
// daemon's HTTP API.
func NewBridgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "Manage bridges on a running daemon",
	}
	cmd.PersistentFlags().String("server", defaultServerURL, "Daemon base URL")

	cmd.AddCommand(newBridgesListCmd())
	cmd.AddCommand(newBridgesCreateCmd())
	cmd.AddCommand(newBridgesStartCmd())
	cmd.AddCommand(newBridgesStopCmd())
	cmd.AddCommand(newBridgesRemoveCmd())
	cmd.AddCommand(newBridgesToolsCmd())
	cmd.AddCommand(newBridgesCallCmd())
	cmd.AddCommand(newBridgesMessageCmd())
	cmd.AddCommand(newBridgesHistoryCmd())

	return cmd
}

// apiClient talks to the daemon HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func clientFor(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	return &apiClient{
		base:   strings.TrimRight(strings.TrimSpace(base), "/"),
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// request performs one API call, decoding the response into out when the
// call succeeds and the daemon's error envelope when it does not.
func (c *apiClient) request(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return exitError(exitRuntime, "encoding request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return exitError(exitRuntime, "building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return exitError(exitAPI, "connecting to daemon at %s: %v", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Kind        string            `json:"kind"`
				Message     string            `json:"message"`
				Suggestion  string            `json:"suggestion"`
				FieldErrors map[string]string `json:"field_errors"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
			return exitError(exitAPI, "daemon returned %s", resp.Status)
		}
		msg := envelope.Error.Message
		for field, detail := range envelope.Error.FieldErrors {
			msg += fmt.Sprintf("\n  %s: %s", field, detail)
		}
		if envelope.Error.Suggestion != "" {
			msg += "\n" + envelope.Error.Suggestion
		}
		return exitError(exitAPI, "%s", msg)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return exitError(exitAPI, "decoding response: %v", err)
	}
	return nil
}

func newBridgesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bridges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var bridges []bridge.Info
			if err := clientFor(cmd).request(http.MethodGet, "/v1/bridges", nil, &bridges); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tSTATUS\tHEALTH\tTOOLS")
			for _, b := range bridges {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					b.ID, b.Options.Provider, b.Options.Model,
					b.Status, b.StatusInfo.Health, len(b.Tools))
			}
			return w.Flush()
		},
	}
}

func newBridgesCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bridge",
		Args:  cobra.NoArgs,
		RunE:  runBridgesCreate,
	}
	cmd.Flags().String("name", "", "Persistence name")
	cmd.Flags().String("provider", "", "LLM provider (openai, anthropic, ollama)")
	cmd.Flags().String("model", "", "Model identifier")
	cmd.Flags().String("endpoint", "", "Tool endpoint override")
	cmd.Flags().Float64("temperature", 0, "Sampling temperature")
	cmd.Flags().Int("max-tokens", 0, "Max completion tokens")
	cmd.Flags().String("system-prompt", "", "System prompt")
	cmd.Flags().Bool("start", false, "Start the bridge after creating it")
	return cmd
}

func runBridgesCreate(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	systemPrompt, _ := cmd.Flags().GetString("system-prompt")
	start, _ := cmd.Flags().GetBool("start")

	body := map[string]any{
		"name":          name,
		"provider":      provider,
		"model":         model,
		"endpoint":      endpoint,
		"system_prompt": systemPrompt,
	}
	if cmd.Flags().Changed("temperature") {
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		body["temperature"] = temperature
	}
	if cmd.Flags().Changed("max-tokens") {
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		body["max_tokens"] = maxTokens
	}

	client := clientFor(cmd)
	var info bridge.Info
	if err := client.request(http.MethodPost, "/v1/bridges", body, &info); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created bridge %s (%s/%s)\n", info.ID, info.Options.Provider, info.Options.Model)

	if start {
		if err := client.request(http.MethodPost, "/v1/bridges/"+info.ID+"/start", nil, &info); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge %s is %s with %d tool(s)\n", info.ID, info.Status, len(info.Tools))
	}
	return nil
}

func newBridgesStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info bridge.Info
			if err := clientFor(cmd).request(http.MethodPost, "/v1/bridges/"+args[0]+"/start", nil, &info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bridge %s is %s with %d tool(s)\n", info.ID, info.Status, len(info.Tools))
			return nil
		},
	}
}

func newBridgesStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info bridge.Info
			if err := clientFor(cmd).request(http.MethodPost, "/v1/bridges/"+args[0]+"/stop", nil, &info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bridge %s is %s\n", info.ID, info.Status)
			return nil
		},
	}
}

func newBridgesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop and remove a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFor(cmd).request(http.MethodDelete, "/v1/bridges/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed bridge %s\n", args[0])
			return nil
		},
	}
}

func newBridgesToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <id>",
		Short: "Show a bridge's discovered tool catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Tools []core.Tool `json:"tools"`
			}
			if err := clientFor(cmd).request(http.MethodGet, "/v1/bridges/"+args[0]+"/tools", nil, &body); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tCATEGORY\tFUNCTIONS")
			for _, t := range body.Tools {
				names := make([]string, 0, len(t.Functions))
				for _, fn := range t.Functions {
					names = append(names, fn.Name)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.CategoryOrDefault(), strings.Join(names, ", "))
			}
			return w.Flush()
		},
	}
}

func newBridgesCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <id> <tool>",
		Short: "Invoke a tool function directly",
		Args:  cobra.ExactArgs(2),
		RunE:  runBridgesCall,
	}
	cmd.Flags().String("function", "", "Function name (defaults to the tool's only function)")
	cmd.Flags().String("params", "{}", "Parameters as a JSON object")
	return cmd
}

func runBridgesCall(cmd *cobra.Command, args []string) error {
	function, _ := cmd.Flags().GetString("function")
	paramsJSON, _ := cmd.Flags().GetString("params")

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return exitError(exitValidation, "parsing --params: %v", err)
	}

	var body struct {
		Result any `json:"result"`
	}
	err := clientFor(cmd).request(http.MethodPost, "/v1/bridges/"+args[0]+"/call", map[string]any{
		"tool":       args[1],
		"function":   function,
		"parameters": params,
	}, &body)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(body.Result, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func newBridgesMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Send a chat message through a bridge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Message core.ChatMessage `json:"message"`
			}
			err := clientFor(cmd).request(http.MethodPost, "/v1/bridges/"+args[0]+"/message",
				map[string]string{"text": args[1]}, &body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body.Message.Content)
			for _, call := range body.Message.ToolCalls {
				fmt.Fprintf(cmd.OutOrStdout(), "[tool %s -> %v]\n", call.Name, call.Result)
			}
			return nil
		},
	}
}

func newBridgesHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show a bridge's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Messages []core.ChatMessage `json:"messages"`
			}
			if err := clientFor(cmd).request(http.MethodGet, "/v1/bridges/"+args[0]+"/history", nil, &body); err != nil {
				return err
			}
			for _, msg := range body.Messages {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	}
}
