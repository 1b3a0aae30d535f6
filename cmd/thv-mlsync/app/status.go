package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-mlsync/internal/api"
	"github.com/stacklok/toolhive-mlsync/internal/config"
)

const statusRequestTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), statusRequestTimeout)
			defer cancel()

			status, err := fetchStatus(ctx, http.DefaultClient, v.GetString("address"))
			if err != nil {
				return err
			}
			if v.GetString("format") == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			return renderStatus(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().String("address", config.DefaultAPIAddress, "Address of the control API")
	cmd.Flags().String("format", "", "Output format (json)")

	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, address string) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/v1/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator not reachable at %s: %w", address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, address)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

func renderStatus(w io.Writer, status *api.StatusResponse) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	rows := [][]string{
		{"Logged in", strconv.FormatBool(status.LoggedIn)},
		{"Sync job", status.JobState},
		{"Next interval", status.NextInterval.String()},
		{"Live sync queue", strconv.Itoa(status.QueueLength)},
		{"Idle restart pending", strconv.FormatBool(status.IdlePending)},
		{"Bulk worker", aliveLabel(status.BulkWorkerAlive)},
		{"Live worker", aliveLabel(status.LiveWorkerAlive)},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render status: %w", err)
		}
	}
	return table.Render()
}

func aliveLabel(alive bool) string {
	if alive {
		return "running"
	}
	return "stopped"
}
