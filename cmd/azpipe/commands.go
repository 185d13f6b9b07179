package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/azpipe/internal/config"
	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered for selection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rl, err := relay.New(cfg.Azure)
		if err != nil {
			return err
		}
		printModels(os.Stdout, rl)
		return nil
	},
}

func printModels(w io.Writer, rl *relay.Relay) {
	prefix := rl.Name()
	for _, p := range rl.Pipes() {
		if p.ID == p.Name {
			fmt.Fprintf(w, "%s\n", colorize(colorCyan, p.ID))
			continue
		}
		fmt.Fprintf(w, "%s  %s%s\n", colorize(colorCyan, p.ID), prefix, p.Name)
	}
}

// --- chat ---

type chatOptions struct {
	Model    string
	System   string
	NoStream bool
	Prompt   string
}

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a one-shot chat completion to Azure AI",
	Long: `Send a one-shot chat completion to Azure AI.

Status updates are printed to stderr, the reply to stdout.

Examples:
  azpipe chat "Summarize RFC 9110 in one sentence"
  azpipe chat --model Phi-4 --system "Answer tersely" "What is a goroutine?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		system, _ := cmd.Flags().GetString("system")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rl, err := relay.New(cfg.Azure, relay.WithLogger(newLogger(cfg.Log.Level)))
		if err != nil {
			return err
		}

		opts := chatOptions{
			Model:    model,
			System:   system,
			NoStream: noStream,
			Prompt:   strings.Join(args, " "),
		}
		return runChat(cmd.Context(), rl, opts, os.Stdout, os.Stderr)
	},
}

func init() {
	chatCmd.Flags().String("model", "", "model to use (default: the configured model)")
	chatCmd.Flags().String("system", "", "system prompt")
	chatCmd.Flags().Bool("no-stream", false, "wait for the full reply instead of streaming")
}

func chatPayload(opts chatOptions) map[string]any {
	var messages []any
	if opts.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": opts.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": opts.Prompt})

	payload := map[string]any{
		"messages": messages,
		"stream":   !opts.NoStream,
	}
	if opts.Model != "" {
		payload["model"] = opts.Model
	}
	return payload
}

func runChat(ctx context.Context, rl *relay.Relay, opts chatOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	obs := relay.ObserverFunc(func(_ context.Context, s relay.Status) error {
		printRelayStatus(stderr, s.Description, s.Done)
		return nil
	})

	res, err := rl.Do(ctx, chatPayload(opts), obs)
	if err != nil {
		return err
	}

	switch res.Kind {
	case relay.KindStream:
		defer res.Stream.Close()
		if err := streamReply(res.Stream, stdout); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		return nil
	case relay.KindJSON:
		fmt.Fprintln(stdout, replyText(res))
		return nil
	case relay.KindError:
		return fmt.Errorf("%s", strings.TrimPrefix(res.Text, "Error: "))
	default:
		fmt.Fprintln(stdout, res.Text)
		return nil
	}
}

// replyText returns choices[0].message.content of a JSON completion, or the
// raw body when it has no such field.
func replyText(res *relay.Result) string {
	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(res.Raw, &completion); err == nil && len(completion.Choices) > 0 {
		return completion.Choices[0].Message.Content
	}
	return string(res.Raw)
}

// streamReply prints the content deltas of an event stream as they arrive.
// Lines that are not chat completion chunks are skipped.
func streamReply(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Choices {
			fmt.Fprint(w, c.Delta.Content)
		}
	}
	return scanner.Err()
}

// --- calls ---

var callsCmd = &cobra.Command{
	Use:   "calls [id]",
	Short: "List recent calls, or show one call with its status events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			return showCall(cmd.Context(), client, args[0], os.Stdout)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return listCalls(cmd.Context(), client, limit, os.Stdout)
	},
}

func init() {
	callsCmd.Flags().Int("limit", 20, "maximum number of calls to list")
}

func listCalls(ctx context.Context, client *apiClient, limit int, w io.Writer) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/calls?limit=%d", limit))
	if err != nil {
		return err
	}

	var calls []storage.Call
	if err := decodeJSON(resp, &calls); err != nil {
		return err
	}

	if len(calls) == 0 {
		fmt.Fprintln(w, "No calls found.")
		return nil
	}

	for _, c := range calls {
		outcome := c.Outcome
		switch outcome {
		case "error", "invalid":
			outcome = colorize(colorRed, outcome)
		case "pending":
			outcome = colorize(colorYellow, outcome)
		}
		model := c.Model
		if model == "" {
			model = "-"
		}
		line := fmt.Sprintf("%s  %s  %-6s  %s",
			colorize(colorCyan, shortID(c.ID)),
			c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			outcome,
			model,
		)
		if c.Detail != "" {
			line += "  " + truncate(c.Detail, 80)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func showCall(ctx context.Context, client *apiClient, id string, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/calls/"+id)
	if err != nil {
		return err
	}

	var call any
	if err := decodeJSON(resp, &call); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(call)
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
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printError("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store the Azure AI API key in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.StoreAPIKey(args[0]); err != nil {
			return err
		}
		printSuccess("Stored Azure AI API key")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}
