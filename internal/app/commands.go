package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-voice/internal/cache"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/orchestrator"
	"github.com/ggonzalez94/defi-voice/internal/out"
	"github.com/ggonzalez94/defi-voice/internal/schema"
	"github.com/ggonzalez94/defi-voice/internal/server"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

const walletAssetsTTL = 30 * time.Second

func walletScope(address string) string {
	return "wallet:" + address
}

func (s *runtimeState) newAskCommand() *cobra.Command {
	var roomID string
	var noWait bool
	cmd := &cobra.Command{
		Use:   "ask <request>",
		Short: "Run one text request through tool selection and execution",
		Example: `  defi-voice ask "what is my portfolio worth"
  defi-voice ask --room 6f1c... "swap 1 SOL to USDC"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := svc.newTurnStack(nil)
			if err != nil {
				return err
			}
			defer stack.rooms.Close()
			if strings.TrimSpace(roomID) != "" {
				if _, err := stack.rooms.Switch(roomID); err != nil {
					return clierr.Wrap(clierr.CodeUsage, "switch room", err)
				}
			}

			outcome, err := stack.orchestrator.HandleTurn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !noWait {
				waitForTransactions(&outcome)
			}
			svc.flushUsage(ctx, stack.address)

			var warnings []string
			for _, r := range outcome.Results {
				if !r.Success && r.Error != "" {
					warnings = append(warnings, fmt.Sprintf("%s: %s", r.ToolID, r.Error))
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), outcome, warnings, cacheMetaBypass(), nil)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Continue an existing room")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return once transactions are submitted, without waiting for confirmation")
	return cmd
}

// waitForTransactions blocks until every submitted transaction settles and
// folds the final record into its tool outcome.
func waitForTransactions(outcome *orchestrator.Outcome) {
	for i := range outcome.Results {
		r := &outcome.Results[i]
		if r.Task == nil {
			continue
		}
		record, err := r.Task.Wait()
		r.Record = &record
		if err != nil {
			r.Success = false
			r.Error = err.Error()
		}
	}
}

func (s *runtimeState) newToolsCommand() *cobra.Command {
	root := &cobra.Command{Use: "tools", Short: "Tool registry commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tools with their parameter schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), schema.Tools(svc.registry), nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Wallet portfolio commands"}

	var assetsAddress string
	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Fetch the wallet's tokens and NFTs with USD values",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			address, err := s.resolveAddress(svc, assetsAddress)
			if err != nil {
				return err
			}
			fetcher := svc.fetcher()
			if fetcher == nil {
				return clierr.New(clierr.CodeUsage, "wallet backend url is not configured")
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{"address": address})
			return s.runCachedCommand(path, walletScope(address), key, walletAssetsTTL, func(ctx context.Context) (any, []model.BackendStatus, []string, error) {
				start := time.Now()
				holdings, err := fetcher.FetchHoldings(ctx, address)
				status := []model.BackendStatus{{Name: "wallet", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, status, nil, err
				}
				return wallet.BuildAssets(address, holdings, s.runner.now().UTC()), status, nil, nil
			})
		},
	}
	assetsCmd.Flags().StringVar(&assetsAddress, "address", "", "Wallet to inspect (defaults to --wallet or the signing key)")
	root.AddCommand(assetsCmd)

	var watchAddress string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream wallet snapshots as balances change",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			address, err := s.resolveAddress(svc, watchAddress)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := out.OptionsFromSettings(s.settings)
			updates, cancel := svc.feed.Subscribe()
			defer cancel()
			monitor, closeMonitor := s.newMonitor(svc)
			defer closeMonitor()

			if err := monitor.SetCurrentWallet(ctx, address); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case u := <-updates:
					switch u.Kind {
					case server.KindWallet, server.KindNotice:
						if err := out.Event(s.runner.stdout, string(u.Kind), u.Data, opts); err != nil {
							return clierr.Wrap(clierr.CodeInternal, "write event", err)
						}
					}
				}
			}
		},
	}
	watchCmd.Flags().StringVar(&watchAddress, "address", "", "Wallet to watch (defaults to --wallet or the signing key)")
	root.AddCommand(watchCmd)

	return root
}

// resolveAddress prefers an explicit flag, then the configured wallet, then
// the signing key.
func (s *runtimeState) resolveAddress(svc *services, explicit string) (string, error) {
	address := strings.TrimSpace(explicit)
	if address == "" {
		address = svc.walletAddress(svc.signer())
	}
	if address == "" {
		return "", clierr.New(clierr.CodeNoWallet, "no wallet: pass --wallet or configure a signing key")
	}
	pk, err := id.ParseSolanaAddress(address)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

type txStatus struct {
	Signature string                       `json:"signature"`
	Status    execution.RecordStatus       `json:"status"`
	Error     string                       `json:"error,omitempty"`
	Record    *execution.TransactionRecord `json:"record,omitempty"`
}

func (s *runtimeState) newTxCommand() *cobra.Command {
	root := &cobra.Command{Use: "tx", Short: "Transaction commands"}

	var wait bool
	statusCmd := &cobra.Command{
		Use:     "status <signature>",
		Short:   "Show the on-chain status of a submitted transaction",
		Example: "  defi-voice tx status 5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			if err := svc.openStores(); err != nil {
				return err
			}
			signature := strings.TrimSpace(args[0])
			result := txStatus{Signature: signature, Status: execution.RecordStatusPending}
			var record *execution.TransactionRecord
			if r, err := svc.records.GetByTxID(signature); err == nil {
				record = &r
			} else if !errors.Is(err, execution.ErrRecordNotFound) {
				return clierr.Wrap(clierr.CodeInternal, "read transaction store", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			path := trimRootPath(cmd.CommandPath())

			if wait && (record == nil || !record.Terminal()) {
				tracked := execution.NewRecord(execution.NewRecordID(), "tx.status", "")
				if record != nil {
					tracked = *record
				}
				tracked.TxID = signature
				final, err := svc.newPoller().Start(ctx, tracked).Wait()
				if err != nil && !clierr.HasCode(err, clierr.CodeTxFailed) {
					return err
				}
				result.Status, result.Error, result.Record = final.Status, final.Error, &final
				return s.emitSuccess(path, result, nil, cacheMetaBypass(), nil)
			}

			reqCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
			defer cancel()
			start := time.Now()
			res, err := svc.relay.Status(reqCtx, signature)
			backends := []model.BackendStatus{{Name: "data", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			s.captureCommandDiagnostics(nil, backends)
			if err != nil {
				return err
			}
			switch {
			case res.Observed() && res.Failed():
				result.Status, result.Error = execution.RecordStatusError, res.ErrorText()
			case res.Observed():
				result.Status = execution.RecordStatusSuccess
			}
			result.Record = record
			return s.emitSuccess(path, result, nil, cacheMetaBypass(), backends)
		},
	}
	statusCmd.Flags().BoolVar(&wait, "wait", false, "Poll until the transaction settles or the poll budget runs out")
	root.AddCommand(statusCmd)

	var listStatus string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := strings.ToLower(strings.TrimSpace(listStatus))
			switch execution.RecordStatus(status) {
			case "", execution.RecordStatusPending, execution.RecordStatusSuccess, execution.RecordStatusError:
			default:
				return clierr.New(clierr.CodeUsage, "--status must be pending, success or error")
			}
			svc, err := s.services()
			if err != nil {
				return err
			}
			if err := svc.openStores(); err != nil {
				return err
			}
			records, err := svc.records.List(status, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list transactions", err)
			}
			for i := range records {
				records[i].SerializedTransaction = ""
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), records, nil, cacheMetaBypass(), nil)
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, success, error)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of records to return")
	root.AddCommand(listCmd)

	return root
}

func (s *runtimeState) newRoomsCommand() *cobra.Command {
	root := &cobra.Command{Use: "rooms", Short: "Conversation history commands"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rooms, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			if err := svc.openStores(); err != nil {
				return err
			}
			rooms, err := svc.transcripts.Rooms(limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list rooms", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rooms, nil, cacheMetaBypass(), nil)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Number of rooms to return")
	root.AddCommand(listCmd)

	var roomID string
	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "Print a room's messages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			if err := svc.openStores(); err != nil {
				return err
			}
			msgs, err := svc.transcripts.Messages(roomID)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "read room messages", err)
			}
			if len(msgs) == 0 {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("room %s has no messages", roomID))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), msgs, nil, cacheMetaBypass(), nil)
		},
	}
	messagesCmd.Flags().StringVar(&roomID, "room", "", "Room id")
	_ = messagesCmd.MarkFlagRequired("room")
	root.AddCommand(messagesCmd)

	return root
}
