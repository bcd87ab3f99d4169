package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"swap2p/internal/config"
	"swap2p/internal/confirm"
	"swap2p/internal/escrow"
	"swap2p/internal/hmacauth"
	"swap2p/internal/journal"
	"swap2p/internal/logger"
	"swap2p/internal/proposal"
	"swap2p/internal/wallet"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Open an escrow trade: approve, read the fee, createEscrow",
	Long: `submit validates the proposal, asks the wallet to approve the escrow
contract for the offered amount, waits for that approval to be mined, reads
the current protocol fee and sends createEscrow with the fee attached.

With --server the proposal is posted to a running swap2p server instead and
its progress is polled.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	f := submitCmd.Flags()
	f.String("x-asset", "", "token you offer")
	f.String("x-amount", "", "amount you offer, in the token's smallest unit")
	f.String("y-asset", "", "token you want")
	f.String("y-amount", "", "amount you want, in the token's smallest unit")
	f.String("y-owner", "", "only this counterparty may take the trade (default: anyone)")
	f.String("server", "", "submit through a swap2p server at this URL")
	f.String("hmac-secret", "", "shared secret for signing requests to --server")
	f.Bool("allowance-check", false, "skip approve when the current allowance already covers the amount")
	f.Duration("confirm-timeout", 0, "give up waiting for a confirmation after this long")

	_ = v.BindPFlag("hmac_secret", f.Lookup("hmac-secret"))
	_ = v.BindPFlag("allowance_check", f.Lookup("allowance-check"))
	_ = v.BindPFlag("confirm_timeout", f.Lookup("confirm-timeout"))
}

func inputFromFlags(cmd *cobra.Command) proposal.Input {
	get := func(name string) string {
		s, _ := cmd.Flags().GetString(name)
		return s
	}
	return proposal.Input{
		XAsset:  get("x-asset"),
		XAmount: get("x-amount"),
		YAsset:  get("y-asset"),
		YAmount: get("y-amount"),
		YOwner:  get("y-owner"),
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	in := inputFromFlags(cmd)
	if _, err := proposal.Validate(in); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if server, _ := cmd.Flags().GetString("server"); server != "" {
		return submitRemote(ctx, cmd.OutOrStdout(), server, in)
	}
	return submitLocal(ctx, cmd.OutOrStdout(), in)
}

func submitLocal(ctx context.Context, out io.Writer, in proposal.Input) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	chain, err := wallet.Open(ctx, wallet.OpenConfig{
		RPCURL:     cfg.Chain.RPCURL,
		PrivateKey: cfg.Chain.PrivateKey,
		Account:    cfg.Chain.Account,
		ChainID:    cfg.Chain.ChainID,
	})
	if err != nil {
		return err
	}
	defer chain.Close()

	session := wallet.NewSession()
	session.Connect(chain.Account(), chain.ChainID())

	store, err := journal.NewFileStore(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}

	waiter := confirm.NewWaiter(chain.Eth(), confirm.Config{
		Timeout:      cfg.Escrow.ConfirmTimeout,
		PollInterval: cfg.Escrow.ConfirmPollInterval,
		ChainID:      chain.ChainID(),
	}, logger.Named("confirm"))

	opts := []escrow.Option{escrow.WithJournal(store), escrow.WithLogger(logger.Named("escrow"))}
	if cfg.Escrow.AllowanceCheck {
		opts = append(opts, escrow.WithAllowanceCheck())
	}
	orch := escrow.New(cfg.Escrow.Contract, session, chain, waiter, opts...)

	updates, cancel := orch.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for st := range updates {
			if st.Phase == escrow.PhaseIdle && st.Attempt == 0 {
				continue
			}
			printState(out, stateLine{
				Phase:      st.Phase.String(),
				ApprovalTx: hashOrEmpty(st.ApprovalTx),
				EscrowTx:   hashOrEmpty(st.EscrowTx),
				Fee:        feeOrEmpty(st),
			})
		}
	}()

	final, err := orch.SubmitInput(ctx, in)
	cancel()
	<-printed

	var se *escrow.SubmissionError
	switch {
	case err == nil:
		fmt.Fprintf(out, "trade created in %s\n", final.EscrowTx)
		return nil
	case errors.Is(err, escrow.ErrCancelled):
		fmt.Fprintln(out, "stopped; transactions already sent may still be mined")
		return err
	case errors.As(err, &se) && !se.Fatal():
		fmt.Fprintln(out, se.Notice())
		return err
	default:
		return err
	}
}

func hashOrEmpty(h wallet.TxHandle) string {
	if h.IsZero() {
		return ""
	}
	return h.Hash.Hex()
}

func feeOrEmpty(st escrow.State) string {
	if st.Fee == nil {
		return ""
	}
	return st.Fee.String()
}

type stateLine struct {
	Phase        string `json:"phase"`
	SubmissionID string `json:"submissionId"`
	ApprovalTx   string `json:"approvalTx"`
	EscrowTx     string `json:"escrowTx"`
	Fee          string `json:"fee"`
	Failure      *struct {
		Kind   string `json:"kind"`
		Notice string `json:"notice"`
	} `json:"failure"`
}

func printState(out io.Writer, st stateLine) {
	var extra []string
	if st.ApprovalTx != "" {
		extra = append(extra, "approve="+st.ApprovalTx)
	}
	if st.Fee != "" {
		extra = append(extra, "fee="+st.Fee)
	}
	if st.EscrowTx != "" {
		extra = append(extra, "escrow="+st.EscrowTx)
	}
	if len(extra) == 0 {
		fmt.Fprintf(out, "%-30s\n", st.Phase)
		return
	}
	fmt.Fprintf(out, "%-30s %s\n", st.Phase, strings.Join(extra, " "))
}

// pollInterval spaces state requests to a remote server.
var pollInterval = time.Second

const stoppedWatching = "stopped watching; the server keeps the submission running"

func submitRemote(ctx context.Context, out io.Writer, server string, in proposal.Input) error {
	base := strings.TrimRight(server, "/")
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/trades", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", id)
	if secret := v.GetString("hmac_secret"); secret != "" {
		if err := hmacauth.Sign(req, secret, time.Now()); err != nil {
			return err
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	fmt.Fprintf(out, "submission %s accepted\n", id)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := ""
	for {
		st, err := fetchState(ctx, base)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out, stoppedWatching)
				return nil
			}
			return err
		}
		if st.SubmissionID == id && st.Phase != last {
			printState(out, st)
			last = st.Phase
		}
		if st.SubmissionID == id {
			switch st.Phase {
			case escrow.PhaseCompleted.String():
				return nil
			case escrow.PhaseFailed.String():
				if st.Failure != nil {
					fmt.Fprintln(out, st.Failure.Notice)
					return fmt.Errorf("submission failed: %s", st.Failure.Kind)
				}
				return errors.New("submission failed")
			case escrow.PhaseIdle.String():
				return escrow.ErrCancelled
			}
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, stoppedWatching)
			return nil
		case <-ticker.C:
		}
	}
}

func fetchState(ctx context.Context, base string) (stateLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/trades/submission", nil)
	if err != nil {
		return stateLine{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stateLine{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stateLine{}, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var st stateLine
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return stateLine{}, err
	}
	return st, nil
}
