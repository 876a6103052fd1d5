package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/user"

	"github.com/spf13/cobra"
)

// NewAnchoringCommand creates the anchoring command group.
func NewAnchoringCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchoring",
		Short: "Inspect and recover passport anchoring",
	}
	cmd.AddCommand(newAnchoringStatusCommand(rootOpts))
	cmd.AddCommand(newAnchoringFailedCommand(rootOpts))
	cmd.AddCommand(newAnchoringRequeueCommand(rootOpts))
	return cmd
}

func newAnchoringStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <passport-hash>",
		Short: "Show the anchoring record of a passport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := opts.call(cmd.Context(), http.MethodGet, "/anchoring/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

type failedRecord struct {
	PassportHash string `json:"passport_hash"`
	PassportID   string `json:"passport_id"`
	UnitID       string `json:"unit_id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error"`
}

func newAnchoringFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List passports whose anchoring permanently failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []failedRecord
			if err := opts.call(cmd.Context(), http.MethodGet, "/anchoring/failed", nil, &records); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no failed anchoring records")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s  passport=%s unit=%s attempts=%d  %s\n",
					r.PassportHash, r.PassportID, r.UnitID, r.Attempts, r.LastError)
			}
			return nil
		},
	}
}

func newAnchoringRequeueCommand(opts *RootOptions) *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "requeue <passport-hash>",
		Short: "Take a permanently failed record back into the anchoring queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestedBy == "" {
				if u, err := user.Current(); err == nil {
					requestedBy = u.Username
				}
			}
			if requestedBy == "" {
				return errors.New("--by is required")
			}
			var record failedRecord
			endpoint := "/anchoring/" + url.PathEscape(args[0]) + "/requeue"
			body := map[string]string{"requested_by": requestedBy}
			if err := opts.call(cmd.Context(), http.MethodPost, endpoint, body, &record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s, resuming at %s\n", record.PassportHash, record.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestedBy, "by", "", "operator requesting the requeue (defaults to the current user)")
	return cmd
}
