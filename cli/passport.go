package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewPassportCommand creates the passport command group.
func NewPassportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passport",
		Short: "Inspect finalized passports",
	}
	cmd.AddCommand(newPassportShowCommand(rootOpts))
	cmd.AddCommand(newPassportVerifyCommand(rootOpts))
	return cmd
}

func newPassportShowCommand(opts *RootOptions) *cobra.Command {
	var document bool
	cmd := &cobra.Command{
		Use:   "show <passport-id|chain-hash>",
		Short: "Print a passport, or its YAML document with --document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := "/passports/" + url.PathEscape(args[0])
			if document {
				resp, err := opts.apiClient().GET(cmd.Context(), endpoint+"/document")
				if err != nil {
					return err
				}
				if !resp.OK() {
					return fmt.Errorf("passport %s: status %d: %s", args[0], resp.StatusCode, resp.Body)
				}
				_, err = cmd.OutOrStdout().Write(resp.Body)
				return err
			}
			var out json.RawMessage
			if err := opts.call(cmd.Context(), http.MethodGet, endpoint, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&document, "document", false, "print the YAML passport document")
	return cmd
}

type verifyResult struct {
	PassportID string `json:"passport_id"`
	ChainHash  string `json:"chain_hash"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

func newPassportVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <passport-id|chain-hash>",
		Short: "Recompute a passport's chain hash from its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result verifyResult
			endpoint := "/passports/" + url.PathEscape(args[0]) + "/verify"
			if err := opts.call(cmd.Context(), http.MethodGet, endpoint, nil, &result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("passport %s does not verify: %s", result.PassportID, result.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "passport %s verified, chain hash %s\n", result.PassportID, result.ChainHash)
			return nil
		},
	}
}
