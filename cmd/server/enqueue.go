package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"task-ledger/internal/models"

	"github.com/spf13/cobra"
)

func enqueueCmd() *cobra.Command {
	var server, queueName string

	cmd := &cobra.Command{
		Use:   "enqueue <name> [data(json)]",
		Short: "Admit a task through a running server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.AddTaskRequest{Queue: queueName, Name: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("invalid task data JSON: %s", args[1])
				}
				req.Data = []byte(args[1])
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(strings.TrimRight(server, "/")+"/api/tasks", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("failed to enqueue task: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}
			var task models.Task
			if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task enqueued: %s\n", task.JobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&queueName, "queue", "", "queue name (default queue when empty)")
	return cmd
}
