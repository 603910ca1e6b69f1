package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/conversa/internal/config"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/dispatch"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message...>",
	Short: "Send a chat message to the running server",
	Example: `  conversa chat what is the weather in Paris
  conversa chat --session 3f2a... and in Berlin?`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, cmd.OutOrStdout(), strings.Join(args, " "), sessionID)
	},
}

func init() {
	chatCmd.Flags().String("session", "", "session id to continue")
}

func runChat(ctx context.Context, c *apiClient, w io.Writer, message, sessionID string) error {
	body := map[string]any{"message": message, "session_id": nil}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	resp, err := c.post(ctx, "/api/chat/message", body)
	if err != nil {
		return err
	}
	var reply dispatch.Reply
	if err := decodeJSON(resp, &reply); err != nil {
		return err
	}

	fmt.Fprintln(w, reply.Response)

	meta := []string{"session " + reply.SessionID}
	if reply.APIUsed != nil {
		meta = append(meta, "api "+*reply.APIUsed)
	}
	if reply.Intent != nil {
		meta = append(meta, fmt.Sprintf("%s %.2f", reply.Intent.Intent, reply.Intent.Confidence))
	}
	if reply.Cached {
		meta = append(meta, "cached")
	}
	fmt.Fprintln(os.Stderr, colorize(colorDim, strings.Join(meta, " · ")))
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runHistory(cmd.Context(), client, cmd.OutOrStdout(), args[0], limit)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "maximum number of messages")
}

func runHistory(ctx context.Context, c *apiClient, w io.Writer, sessionID string, limit int) error {
	resp, err := c.get(ctx, fmt.Sprintf("/api/chat/history/%s?limit=%d", url.PathEscape(sessionID), limit))
	if err != nil {
		return err
	}
	var msgs []session.Message
	if err := decodeJSON(resp, &msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}
	for _, m := range msgs {
		role := colorize(colorCyan, m.Role)
		if m.Role == storage.RoleAssistant {
			role = colorize(colorGreen, m.Role)
		}
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorDim, m.CreatedAt.Format("2006-01-02 15:04:05")), role, m.Content)
	}
	return nil
}

// --- apis ---

var apisCmd = &cobra.Command{
	Use:   "apis",
	Short: "Manage registered APIs",
}

var apisListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		userOnly, _ := cmd.Flags().GetBool("user-only")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAPIsList(cmd.Context(), client, cmd.OutOrStdout(), userOnly)
	},
}

func runAPIsList(ctx context.Context, c *apiClient, w io.Writer, userOnly bool) error {
	resp, err := c.get(ctx, fmt.Sprintf("/api/apis/list?include_system=%t", !userOnly))
	if err != nil {
		return err
	}
	var list []descriptor.Descriptor
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No APIs registered.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tKIND\tKEYWORDS")
	for _, d := range list {
		kind := "user"
		if d.IsSystem {
			kind = "system"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Category, kind, truncate(strings.Join(d.IntentKeywords, ","), 40))
	}
	return tw.Flush()
}

var apisShowCmd = &cobra.Command{
	Use:   "show <api-id>",
	Short: "Show one API descriptor as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/apis/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d map[string]any
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}

var apisRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an API from a JSON or YAML descriptor file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		draft, err := readDraft(file)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/apis/register", draft)
		if err != nil {
			return err
		}
		var d descriptor.Descriptor
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		printSuccess("Registered %s (%s)", d.Name, d.ID)
		return nil
	},
}

func init() {
	apisRegisterCmd.Flags().String("file", "", "descriptor file (JSON or YAML)")
}

// readDraft loads a descriptor draft from JSON, or YAML when it does not
// parse as JSON.
func readDraft(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	var draft map[string]any
	if jerr := json.Unmarshal(data, &draft); jerr != nil {
		draft = nil
		if err := yaml.Unmarshal(data, &draft); err != nil {
			return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
		}
	}
	if len(draft) == 0 {
		return nil, fmt.Errorf("descriptor %s is empty", path)
	}
	return draft, nil
}

var apisUpdateCmd = &cobra.Command{
	Use:   "update <api-id>",
	Short: "Replace a user-registered API from a descriptor file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		draft, err := readDraft(file)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAPIUpdate(cmd.Context(), client, args[0], draft)
	},
}

func init() {
	apisUpdateCmd.Flags().String("file", "", "descriptor file (JSON or YAML)")
}

func runAPIUpdate(ctx context.Context, c *apiClient, apiID string, draft map[string]any) error {
	resp, err := c.put(ctx, "/api/apis/"+url.PathEscape(apiID), draft)
	if err != nil {
		return err
	}
	var d descriptor.Descriptor
	if err := decodeJSON(resp, &d); err != nil {
		return err
	}
	printSuccess("Updated %s (%s)", d.Name, d.ID)
	return nil
}

var apisDeleteCmd = &cobra.Command{
	Use:   "delete <api-id>",
	Short: "Delete a user-registered API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/apis/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result["message"])
		return nil
	},
}

var apisTestCmd = &cobra.Command{
	Use:     "test <api-id> [key=value...]",
	Short:   "Call an API directly with explicit parameters",
	Example: "  conversa apis test weather-openweather city=Paris",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAPITest(cmd.Context(), client, cmd.OutOrStdout(), args[0], params)
	},
}

func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", a)
		}
		params[k] = v
	}
	return params, nil
}

func runAPITest(ctx context.Context, c *apiClient, w io.Writer, apiID string, params map[string]string) error {
	resp, err := c.post(ctx, "/api/apis/"+url.PathEscape(apiID)+"/test", map[string]any{"test_params": params})
	if err != nil {
		return err
	}
	var res dispatch.TestResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if !res.Success {
		if res.Rendered != "" {
			fmt.Fprintln(w, res.Rendered)
		}
		return fmt.Errorf("test failed: %s", res.Error)
	}
	fmt.Fprintln(w, res.Rendered)
	printSuccess("%s responded", apiID)
	return nil
}

func init() {
	apisListCmd.Flags().Bool("user-only", false, "hide built-in APIs")
	apisCmd.AddCommand(apisListCmd)
	apisCmd.AddCommand(apisShowCmd)
	apisCmd.AddCommand(apisRegisterCmd)
	apisCmd.AddCommand(apisUpdateCmd)
	apisCmd.AddCommand(apisDeleteCmd)
	apisCmd.AddCommand(apisTestCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret (vault.master_key, server.api_token) read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
		if err != nil {
			return err
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return fmt.Errorf("no secret on stdin")
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
