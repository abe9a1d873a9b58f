package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/pkg/models"
)

func buildFramesCmd() *cobra.Command {
	var (
		serverURL  string
		sessionID  string
		limit      int
		hidden     bool
		frameTypes string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "frames",
		Short: "List a session's frame log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}

			query := url.Values{}
			if limit > 0 {
				query.Set("limit", fmt.Sprint(limit))
				query.Set("order", "desc")
			}
			if hidden {
				query.Set("include_hidden", "true")
			}
			if frameTypes != "" {
				query.Set("types", frameTypes)
			}

			var resp struct {
				Frames  []*models.Frame `json:"frames"`
				HasMore bool            `json:"has_more"`
			}
			client := newAPIClient(serverURL)
			path := "/v1/sessions/" + url.PathEscape(sessionID) + "/frames"
			if q := query.Encode(); q != "" {
				path += "?" + q
			}
			if err := client.getJSON(path, &resp); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Frames)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tTYPE\tAUTHOR\tID\tTEXT")
			for _, frame := range resp.Frames {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					frame.Timestamp, frame.Type, frame.AuthorType, frame.ID, frameSummary(frame))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if resp.HasMore {
				fmt.Println("(more frames available, raise --limit)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8420", "Server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Show at most this many recent frames (0 = all)")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include hidden frames")
	cmd.Flags().StringVar(&frameTypes, "types", "", "Comma-separated frame types to include")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func frameSummary(frame *models.Frame) string {
	text, _ := frame.Payload["text"].(string)
	if text == "" {
		text, _ = frame.Payload["summary"].(string)
	}
	if len(text) > 60 {
		text = text[:57] + "..."
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			return text[:i] + "..."
		}
	}
	return text
}
