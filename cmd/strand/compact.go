package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func buildCompactCmd() *cobra.Command {
	var (
		serverURL string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Force a compaction checkpoint for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}

			var resp struct {
				Outcome   string `json:"outcome"`
				Collapsed int    `json:"collapsed"`
				FrameID   string `json:"frame_id"`
				Reason    string `json:"reason"`
			}
			client := newAPIClient(serverURL)
			if err := client.postJSON("/v1/sessions/"+url.PathEscape(sessionID)+"/compact", &resp); err != nil {
				return err
			}

			switch resp.Outcome {
			case "compacted":
				fmt.Printf("compacted %d frames into checkpoint %s\n", resp.Collapsed, resp.FrameID)
			case "debounced":
				fmt.Println("another compaction for this session is already running")
			default:
				if resp.Reason != "" {
					fmt.Printf("%s: %s\n", resp.Outcome, resp.Reason)
				} else {
					fmt.Println(resp.Outcome)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8420", "Server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	return cmd
}
