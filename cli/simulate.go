package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/spf13/cobra"
)

type SimulateOptions struct {
	*RootOptions
	Iterations  int
	WorkbenchID string
	Card        string
	Operations  []string
	Output      string
	WaitAnchor  time.Duration
}

// StepResult is the latency of one request of a simulated session
type StepResult struct {
	Name     string
	Method   string
	Endpoint string
	Latency  time.Duration
	Detail   string
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive full assembly sessions against a running service and record latencies",
		Long: `Registers a fresh unit per iteration, badges in with an RFID read, scans the unit
barcode, runs the configured operations, closes the session and optionally waits
for the passport to be anchored. Step latencies are written as CSV.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&opts.Iterations, "iterations", "n", 1, "number of sessions to run")
	cmd.Flags().StringVar(&opts.WorkbenchID, "workbench", "WB-1", "workbench to use")
	cmd.Flags().StringVar(&opts.Card, "card", "", "RFID card id of a rostered operator (required)")
	cmd.Flags().StringSliceVar(&opts.Operations, "operations", []string{"assembly"}, "operation types per session")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "CSV file (default simulate_n_<n>.csv)")
	cmd.Flags().DurationVar(&opts.WaitAnchor, "wait-anchor", 0, "wait up to this long for each passport to reach the ledger")
	return cmd
}

func runSimulate(ctx context.Context, opts *SimulateOptions, out io.Writer) error {
	if opts.Card == "" {
		return fmt.Errorf("--card is required")
	}
	if opts.Iterations < 1 {
		return fmt.Errorf("--iterations must be at least 1")
	}
	filename := opts.Output
	if filename == "" {
		filename = fmt.Sprintf("simulate_n_%d.csv", opts.Iterations)
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	if err := writer.Write([]string{"Iteration", "Step", "Method", "Endpoint", "Latency_ms", "Detail"}); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	run := time.Now().UnixMilli()
	for i := 0; i < opts.Iterations; i++ {
		fmt.Fprintf(out, "\n[Iteration %d/%d]\n", i+1, opts.Iterations)
		results, err := simulateSession(ctx, opts, out, sessionUnitID(run, i), fmt.Sprintf("%d-%d", run, i))
		for _, r := range results {
			record := []string{
				strconv.Itoa(i + 1),
				r.Name,
				r.Method,
				r.Endpoint,
				strconv.FormatInt(r.Latency.Milliseconds(), 10),
				r.Detail,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("writing CSV record: %w", err)
			}
		}
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintf(out, "\nSimulation complete. Results saved to %s\n", filename)
	return nil
}

// sessionUnitID derives the EAN-13 barcode for iteration i of a run; ids are unique
// for the first thousand iterations
func sessionUnitID(run int64, i int) string {
	return ean13(fmt.Sprintf("2%08d%03d", run%100_000_000, i%1000))
}

// ean13 appends the check digit to a 12 digit code
func ean13(code12 string) string {
	sum := 0
	for i, c := range code12 {
		d := int(c - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return code12 + strconv.Itoa((10-sum%10)%10)
}

type stepper struct {
	opts    *SimulateOptions
	out     io.Writer
	results []StepResult
}

func (s *stepper) do(ctx context.Context, name, method, endpoint string, body, target any) error {
	start := time.Now()
	err := s.opts.call(ctx, method, endpoint, body, target)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(s.out, "%s [Delay: %v]\n", name, elapsed)
	s.results = append(s.results, StepResult{Name: name, Method: method, Endpoint: endpoint, Latency: elapsed})
	return nil
}

type workbenchState struct {
	State string `json:"state"`
}

// awaitState polls the workbench until it reaches state. Device reads are queued,
// so their effect is not visible in the response.
func (s *stepper) awaitState(ctx context.Context, state string) error {
	endpoint := "/workbenches/" + s.opts.WorkbenchID
	deadline := time.Now().Add(5 * time.Second)
	for {
		var status workbenchState
		if err := s.opts.call(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
			return err
		}
		if status.State == state {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workbench %s is %s, expected %s", s.opts.WorkbenchID, status.State, state)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type closedPassport struct {
	PassportID string `json:"passport_id"`
	ChainHash  string `json:"chain_hash"`
}

type anchoringState struct {
	Status      string `json:"status"`
	TxRef       string `json:"tx_ref"`
	BlockHeight int64  `json:"block_height"`
	LastError   string `json:"last_error"`
}

func simulateSession(ctx context.Context, opts *SimulateOptions, out io.Writer, unitID, deviceSuffix string) ([]StepResult, error) {
	s := &stepper{opts: opts, out: out}
	totalStart := time.Now()
	wb := "/workbenches/" + opts.WorkbenchID

	// 1. Register the unit
	unit := map[string]string{"unit_id": unitID, "unit_type": "simulated"}
	if err := s.do(ctx, "Register Unit", http.MethodPost, "/units", unit, nil); err != nil {
		return s.results, err
	}

	// 2. Operator badge, on a device of its own so reads of earlier iterations do not debounce it
	badge := map[string]string{"kind": "rfid", "workbench_id": opts.WorkbenchID, "payload": opts.Card}
	if err := s.do(ctx, "Badge In", http.MethodPost, "/devices/sim-rfid-"+deviceSuffix+"/events", badge, nil); err != nil {
		return s.results, err
	}
	if err := s.awaitState(ctx, models.SessionIdentifying); err != nil {
		return s.results, err
	}

	// 3. Unit barcode
	scan := map[string]string{"kind": "barcode", "workbench_id": opts.WorkbenchID, "payload": unitID}
	if err := s.do(ctx, "Scan Unit", http.MethodPost, "/devices/sim-scan-"+deviceSuffix+"/events", scan, nil); err != nil {
		return s.results, err
	}
	if err := s.awaitState(ctx, models.SessionOpen); err != nil {
		return s.results, err
	}

	// 4. Operations
	for k, operationType := range opts.Operations {
		var ref passport.OperationRef
		start := map[string]string{"operation_type": operationType}
		if err := s.do(ctx, "Start "+operationType, http.MethodPost, wb+"/operations", start, &ref); err != nil {
			return s.results, err
		}
		complete := map[string]any{
			"session_id":   ref.SessionID,
			"operation_id": ref.OperationID,
			"payload":      map[string]any{"step": k + 1, "operation": operationType},
		}
		endpoint := fmt.Sprintf("%s/operations/%d/complete", wb, ref.Seq)
		if err := s.do(ctx, "Complete "+operationType, http.MethodPost, endpoint, complete, nil); err != nil {
			return s.results, err
		}
	}

	// 5. Close
	var p closedPassport
	if err := s.do(ctx, "Close Session", http.MethodPost, wb+"/close", nil, &p); err != nil {
		return s.results, err
	}
	s.results[len(s.results)-1].Detail = p.ChainHash
	fmt.Fprintf(out, "Passport %s sealed, chain hash %s\n", p.PassportID, p.ChainHash)

	// 6. Anchoring
	if opts.WaitAnchor > 0 {
		start := time.Now()
		state, err := waitAnchored(ctx, opts, p.ChainHash, opts.WaitAnchor)
		if err != nil {
			return s.results, err
		}
		elapsed := time.Since(start)
		fmt.Fprintf(out, "Passport anchored at block height %d [Delay: %v]\n", state.BlockHeight, elapsed)
		s.results = append(s.results, StepResult{
			Name:     "Anchor Passport",
			Method:   "POLL",
			Endpoint: "/anchoring/:hash",
			Latency:  elapsed,
			Detail:   strconv.FormatInt(state.BlockHeight, 10),
		})
	}

	totalElapsed := time.Since(totalStart)
	fmt.Fprintf(out, "\nTotal workflow execution time: %v\n", totalElapsed)
	s.results = append(s.results, StepResult{
		Name:     "Complete Workflow",
		Method:   "WORKFLOW",
		Endpoint: "complete-workflow",
		Latency:  totalElapsed,
	})
	return s.results, nil
}

func waitAnchored(ctx context.Context, opts *SimulateOptions, hash string, timeout time.Duration) (*anchoringState, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var state anchoringState
		if err := opts.call(ctx, http.MethodGet, "/anchoring/"+hash, nil, &state); err != nil {
			return nil, err
		}
		switch state.Status {
		case models.AnchoringLedgerCommitted:
			return &state, nil
		case models.AnchoringFailed:
			return nil, fmt.Errorf("anchoring of %s failed: %s", hash, state.LastError)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("passport %s is still %s: %w", hash, state.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
