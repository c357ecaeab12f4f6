package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"raceroom/internal/api"
	"raceroom/internal/models"
	"raceroom/internal/service"
)

// errStillPending is returned when --wait elapses before the outcome
var errStillPending = errors.New("transaction still pending")

func newAccountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Connect the configured wallet and show its balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				account, err := c.manager.Actions().Connect(ctx)
				if err != nil {
					return err
				}
				balance, err := c.manager.Client().Balance(ctx, account.Address)
				if err != nil {
					return err
				}
				view := struct {
					Address string `json:"address"`
					ChainID string `json:"chain_id"`
					Balance string `json:"balance"`
				}{account.Address, account.ChainID, models.FormatEther(balance)}

				return render(cmd.OutOrStdout(), view, func(w io.Writer) {
					fmt.Fprintf(w, "Account: %s\nChain:   %s\nBalance: %s ETH\n", view.Address, view.ChainID, view.Balance)
				})
			})
		},
	}
}

func newCreateCmd() *cobra.Command {
	var value string
	var estimate bool
	cmd := &cobra.Command{
		Use:   "create <room-id> <prize-pool-eth>",
		Short: "Create a room funded with the prize pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.CreateRoomRequest{RoomID: args[0], PrizePool: args[1], Value: value}
			if estimate {
				return estimateCost(cmd, func(ctx context.Context, f *service.FeeService) (*service.CostEstimate, error) {
					return f.EstimateCreateRoom(ctx, req)
				})
			}
			return submitAndWait(cmd, func(ctx context.Context, s *service.ActionService) (models.PendingTransaction, error) {
				return s.CreateRoom(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "ETH sent with the call (defaults to the prize pool)")
	cmd.Flags().BoolVar(&estimate, "estimate", false, "Print the expected cost without sending")
	return cmd
}

func newJoinCmd() *cobra.Command {
	var estimate bool
	cmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.JoinRoomRequest{RoomID: args[0]}
			if estimate {
				return estimateCost(cmd, func(ctx context.Context, f *service.FeeService) (*service.CostEstimate, error) {
					return f.EstimateJoinRoom(ctx, req)
				})
			}
			return submitAndWait(cmd, func(ctx context.Context, s *service.ActionService) (models.PendingTransaction, error) {
				return s.JoinRoom(ctx, req)
			})
		},
	}
	cmd.Flags().BoolVar(&estimate, "estimate", false, "Print the expected cost without sending")
	return cmd
}

func newDistributeCmd() *cobra.Command {
	var recipients, amountEach string
	var expect int
	var estimate bool
	cmd := &cobra.Command{
		Use:   "distribute <room-id>",
		Short: "Pay the same amount to every recipient of a room you sponsor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.DistributePrizesRequest{
				RoomID:        args[0],
				Recipients:    models.ParseRecipients(recipients),
				AmountEach:    amountEach,
				ExpectedCount: expect,
			}
			if estimate {
				return estimateCost(cmd, func(ctx context.Context, f *service.FeeService) (*service.CostEstimate, error) {
					return f.EstimateDistributePrizes(ctx, req)
				})
			}
			return submitAndWait(cmd, func(ctx context.Context, s *service.ActionService) (models.PendingTransaction, error) {
				return s.DistributePrizes(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&recipients, "recipients", "", "Comma or newline separated recipient addresses")
	cmd.Flags().StringVar(&amountEach, "amount-each", "", "ETH paid to each recipient")
	cmd.Flags().IntVar(&expect, "expect", 0, "Expected number of recipients (0 skips the check)")
	cmd.Flags().BoolVar(&estimate, "estimate", false, "Print the expected cost without sending")
	_ = cmd.MarkFlagRequired("recipients")
	_ = cmd.MarkFlagRequired("amount-each")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <room-id>",
		Short: "Read a room from the contract and show what you may do in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				actions := c.manager.Actions()
				// permissions need an account; a missing wallet only hides them
				_, _ = actions.Connect(ctx)

				if _, err := actions.GetRoom(ctx, args[0]); err != nil {
					return err
				}
				room, perms, err := actions.Permissions(ctx, args[0])
				if err != nil {
					return err
				}
				view := api.PermissionsResponse{Room: api.NewRoomResponse(room), Actions: perms}
				return render(cmd.OutOrStdout(), view, func(w io.Writer) {
					printRoom(w, view.Room)
					printPermissions(w, view.Actions)
				})
			})
		},
	}
}

func newRoomsCmd() *cobra.Command {
	var sponsor string
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms seen on chain since the configured start block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				// give the watcher one scan
				sleepCtx(ctx, 2*time.Second)

				rooms, err := c.manager.Actions().Rooms(sponsor)
				if err != nil {
					return err
				}
				view := api.ListRoomsResponse{Rooms: make([]api.RoomResponse, 0, len(rooms))}
				for _, r := range rooms {
					view.Rooms = append(view.Rooms, api.NewRoomResponse(r))
				}
				return render(cmd.OutOrStdout(), view, func(w io.Writer) {
					printRoomTable(w, view.Rooms)
				})
			})
		},
	}
	cmd.Flags().StringVar(&sponsor, "sponsor", "", "Only rooms sponsored by this address")
	return cmd
}

func newAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <tx-hash>",
		Short: "Stop tracking a journaled pending transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				tx, err := c.manager.Actions().Abandon(args[0])
				if err != nil {
					return err
				}
				view := api.NewTransactionResponse(tx)
				return render(cmd.OutOrStdout(), view, func(w io.Writer) {
					fmt.Fprintf(w, "Stopped tracking %s (%s); it may still be mined\n", view.TxHash, view.Kind)
				})
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var room string
	var limit int
	cmd := &cobra.Command{
		Use:   "history [address]",
		Short: "List journaled actions of an account or a room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				if c.db == nil {
					return errors.New("no database configured (set DB_DRIVER)")
				}
				actions := c.manager.Actions()

				var records []models.ActionRecord
				var err error
				switch {
				case room != "":
					records, err = actions.RoomHistory(ctx, room, limit, 0)
				case len(args) == 1:
					records, err = actions.AccountHistory(ctx, args[0], limit, 0)
				default:
					account, cerr := actions.Connect(ctx)
					if cerr != nil {
						return cerr
					}
					records, err = actions.AccountHistory(ctx, account.Address, limit, 0)
				}
				if err != nil {
					return err
				}

				counts, err := c.db.CountActionsByStatus(ctx)
				if err != nil {
					return err
				}

				view := api.ListActionsResponse{Actions: api.NewActionSummaries(records)}
				return render(cmd.OutOrStdout(), view, func(w io.Writer) {
					printActions(w, view.Actions)
					fmt.Fprintf(w, "Journal: %d pending, %d confirmed, %d failed\n",
						counts[models.TxStatusPending], counts[models.TxStatusConfirmed], counts[models.TxStatusFailed])
				})
			})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "List a room's actions instead")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream messages and room updates until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				messages, cancelMessages := c.manager.Notifier().Subscribe()
				defer cancelMessages()
				rooms, cancelRooms := c.manager.Store().Subscribe()
				defer cancelRooms()

				if _, err := c.manager.Actions().Connect(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Wallet not connected: %v\n", err)
				}

				out := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						return nil
					case msg := <-messages:
						printMessage(out, msg)
					case room := <-rooms:
						view := api.NewRoomResponse(room)
						if err := render(out, api.StreamFrame{Type: "room", Room: &view}, func(w io.Writer) {
							fmt.Fprintf(w, "[room] #%s %s, %d participants, pool %s ETH\n",
								view.RoomID, view.Status, view.ParticipantsCnt, view.PrizePool)
						}); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

// submitAndWait connects the wallet, submits through fn and waits for the
// transaction outcome reported on the notifier
func submitAndWait(cmd *cobra.Command, fn func(ctx context.Context, s *service.ActionService) (models.PendingTransaction, error)) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		actions := c.manager.Actions()
		if _, err := actions.Connect(ctx); err != nil {
			return err
		}

		// subscribe before submitting so the outcome cannot be missed
		messages, cancel := c.manager.Notifier().Subscribe()
		defer cancel()

		tx, err := fn(ctx, actions)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagOutput != "json" {
			fmt.Fprintf(out, "Submitted %s\n", tx.Hash.Hex())
		}
		if flagWait <= 0 {
			return render(out, api.NewTransactionResponse(tx), func(io.Writer) {})
		}

		msg, err := awaitOutcome(ctx, messages, tx.Hash.Hex(), flagWait, func(m service.Message) {
			if flagOutput != "json" {
				printMessage(out, m)
			}
		})
		if err != nil {
			return err
		}

		final, terr := actions.Transaction(ctx, tx.Hash.Hex())
		if terr != nil {
			// already acknowledged and not journaled; the message is the outcome
			final = tx
			final.Status = models.TxStatusConfirmed
			if msg.Level == service.LevelError {
				final.Status = models.TxStatusFailed
				final.Error = msg.Text
			}
		}
		if rerr := render(out, api.NewTransactionResponse(final), func(w io.Writer) {
			printMessage(w, msg)
		}); rerr != nil {
			return rerr
		}
		if msg.Level == service.LevelError {
			return fmt.Errorf("%s", msg.Text)
		}
		return nil
	})
}

// estimateCost connects the wallet and prints what an action would cost
func estimateCost(cmd *cobra.Command, fn func(ctx context.Context, f *service.FeeService) (*service.CostEstimate, error)) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		if _, err := c.manager.Actions().Connect(ctx); err != nil {
			return err
		}
		est, err := fn(ctx, c.manager.Fees())
		if err != nil {
			return err
		}
		view := api.NewEstimateResponse(est)
		if err := render(cmd.OutOrStdout(), view, func(w io.Writer) {
			printEstimate(w, view)
		}); err != nil {
			return err
		}
		if !est.Sufficient {
			return fmt.Errorf("%w: short by %s ETH", models.ErrInsufficientFunds, view.Shortfall)
		}
		return nil
	})
}

// awaitOutcome returns the first success or error message about hash.
// Other messages about hash are passed to progress.
func awaitOutcome(ctx context.Context, messages <-chan service.Message, hash string, timeout time.Duration, progress func(service.Message)) (service.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return service.Message{}, ctx.Err()
		case <-timer.C:
			return service.Message{}, fmt.Errorf("%w after %s: %s", errStillPending, timeout, hash)
		case msg, ok := <-messages:
			if !ok {
				return service.Message{}, errors.New("message channel closed")
			}
			if !strings.EqualFold(msg.TxHash, hash) {
				continue
			}
			switch msg.Level {
			case service.LevelSuccess, service.LevelError:
				return msg, nil
			default:
				if progress != nil {
					progress(msg)
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ==================== Text output ====================

func printMessage(w io.Writer, msg service.Message) {
	if flagOutput == "json" {
		_ = render(w, api.StreamFrame{Type: "message", Message: &msg}, nil)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", msg.Level, msg.Text)
}

func printRoom(w io.Writer, r api.RoomResponse) {
	fmt.Fprintf(w, "Room #%s\n", r.RoomID)
	if !r.Exists {
		fmt.Fprintln(w, "  does not exist")
		return
	}
	fmt.Fprintf(w, "  Sponsor:      %s\n", r.Sponsor)
	fmt.Fprintf(w, "  Prize pool:   %s ETH\n", r.PrizePool)
	fmt.Fprintf(w, "  Status:       %s\n", r.Status)
	fmt.Fprintf(w, "  Participants: %d\n", r.ParticipantsCnt)
	for _, p := range r.Participants {
		fmt.Fprintf(w, "    %s\n", p)
	}
	if r.Winner != nil {
		fmt.Fprintf(w, "  Winner:       %s\n", *r.Winner)
	}
	if r.Stale {
		fmt.Fprintln(w, "  (stale: last chain read failed)")
	}
}

func printEstimate(w io.Writer, e api.EstimateResponse) {
	fmt.Fprintf(w, "%s room #%s\n", e.Action, e.RoomID)
	fmt.Fprintf(w, "  Gas limit:    %d\n", e.GasLimit)
	fmt.Fprintf(w, "  Gas price:    %s gwei\n", e.GasPriceGwei)
	fmt.Fprintf(w, "  Gas cost:     %s ETH\n", e.GasCost)
	fmt.Fprintf(w, "  Value:        %s ETH\n", e.Value)
	fmt.Fprintf(w, "  Total:        %s ETH\n", e.Total)
	fmt.Fprintf(w, "  Balance:      %s ETH\n", e.Balance)
	if !e.Sufficient {
		fmt.Fprintf(w, "  Short by:     %s ETH\n", e.Shortfall)
	}
}

func printPermissions(w io.Writer, a models.RoomActions) {
	if !a.Connected {
		fmt.Fprintln(w, "  Connect a wallet to see available actions")
		return
	}
	var can []string
	if a.CanJoin {
		can = append(can, "join")
	}
	if a.CanDistribute {
		can = append(can, "distribute")
	}
	if a.CanEnd {
		can = append(can, "end")
	}
	if len(can) == 0 {
		can = append(can, "none")
	}
	fmt.Fprintf(w, "  You may:      %s\n", strings.Join(can, ", "))
}

func printRoomTable(w io.Writer, rooms []api.RoomResponse) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tSTATUS\tPOOL (ETH)\tPLAYERS\tSPONSOR")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.RoomID, r.Status, r.PrizePool, r.ParticipantsCnt, r.Sponsor)
	}
	tw.Flush()
}

func printActions(w io.Writer, actions []api.ActionSummary) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "No actions journaled")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBMITTED\tKIND\tROOM\tSTATUS\tTX")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.SubmittedAt.Local().Format(time.DateTime), a.Kind, a.RoomID, a.Status, a.TxHash)
	}
	tw.Flush()
}
