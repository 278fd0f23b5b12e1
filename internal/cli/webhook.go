package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Sign or send agent status webhooks",
	}
	cmd.PersistentFlags().String("secret", "", "webhook secret (default: $"+config.EnvWebhookSecret+" or --config)")
	cmd.AddCommand(newWebhookSignCmd(), newWebhookSendCmd())
	return cmd
}

func webhookSecret(cmd *cobra.Command) ([]byte, error) {
	s, err := resolveSecret(cmd, config.EnvWebhookSecret, func(c *config.Config) string { return c.Auth.WebhookSecret })
	return []byte(s), err
}

func newWebhookSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [body-file]",
		Short: "Print the " + auth.SignatureHeader + " value for a request body",
		Long:  "Reads the body from the given file, or from stdin when the file is omitted or \"-\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := webhookSecret(cmd)
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 0 || args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), auth.SignWebhook(body, secret, time.Now()))
			return nil
		},
	}
	return cmd
}

func newWebhookSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <task-id>",
		Short: "Post a signed status update for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := webhookSecret(cmd)
			if err != nil {
				return err
			}
			server, _ := cmd.Flags().GetString("server")
			phase, _ := cmd.Flags().GetString("phase")
			progress, _ := cmd.Flags().GetInt("progress")
			message, _ := cmd.Flags().GetString("message")
			logLine, _ := cmd.Flags().GetString("log")

			if !protocol.Phase(phase).Valid() {
				return fmt.Errorf("invalid phase %q", phase)
			}

			payload := map[string]any{"phase": phase, "progress": progress}
			if message != "" {
				payload["message"] = message
			}
			if logLine != "" {
				payload["logEntry"] = logLine
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			endpoint := strings.TrimSuffix(server, "/") + "/api/agent-tasks/" + url.PathEscape(args[0]) + "/webhook"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(auth.SignatureHeader, auth.SignWebhook(body, secret, time.Now()))

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("send webhook: %w", err)
			}
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(respBody)))
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("phase", string(protocol.PhaseRunning), "task phase")
	cmd.Flags().Int("progress", 0, "progress percentage (0-100)")
	cmd.Flags().String("message", "", "status message")
	cmd.Flags().String("log", "", "log line to append to the task log")
	return cmd
}
