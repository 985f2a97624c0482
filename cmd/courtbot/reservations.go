package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/app"
	"courtbot/internal/booking"
	"courtbot/internal/portal"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

func newReservationsCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Inspect and cancel recorded reservations",
	}
	cmd.AddCommand(newReservationsListCmd(opts), newReservationsCancelCmd(opts))
	return cmd
}

func newReservationsListCmd(opts *rootOpts) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List reservations from today on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from := time.Now().Format(time.DateOnly)
			if all {
				from = ""
			}
			return withStore(cmd, opts, func(ctx context.Context, st *storage.Store) error {
				rs, err := st.ListReservations(ctx, from)
				if err != nil {
					return err
				}
				printReservations(cmd.OutOrStdout(), rs)
				return nil
			})
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include past reservations")
	return c
}

func printReservations(w io.Writer, rs []booking.Reservation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tVENUE\tDATE\tSTART\tMINUTES\tCOURT\tCONFIRMATION")
	for _, r := range rs {
		job := "-"
		if r.JobID != nil {
			job = strconv.FormatInt(*r.JobID, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, job, r.Venue, r.Date, r.Start, r.Minutes, r.CourtID, r.ConfirmationCode)
	}
	_ = tw.Flush()
}

func newReservationsCancelCmd(opts *rootOpts) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "cancel <reservation-id>",
		Short: "Cancel a reservation at the portal and drop its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid reservation id %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			log := logx.NewConsole(opts.logLvl)
			st, cfg, err := app.OpenStore(ctx, opts.cfgPath, log)
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := st.GetReservation(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("reservation %d not found", id)
			}
			if err != nil {
				return err
			}
			acct, err := st.GetAccountByID(ctx, r.AccountID)
			if err != nil {
				return fmt.Errorf("account %d: %w", r.AccountID, err)
			}
			acct.Venue = r.Venue

			pc, err := app.OpenPortal(cfg, acct, log)
			if err != nil {
				return err
			}
			if err := pc.Login(ctx); err != nil {
				return err
			}
			err = pc.CancelReservation(ctx, portal.CancelRequest{
				CourtID:          r.CourtID,
				ConfirmationCode: r.ConfirmationCode,
				ReservationID:    r.ExternalID,
				Date:             r.Date,
				Start:            r.Start,
				Minutes:          r.Minutes,
				Reason:           reason,
			})
			if err != nil {
				return fmt.Errorf("cancel reservation %d: %w", id, err)
			}
			if err := st.DeleteReservation(ctx, id); err != nil {
				return fmt.Errorf("cancelled at the portal but the record remains: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled reservation %d (%s %s, %dm, court %d)\n",
				id, r.Date, r.Start, r.Minutes, r.CourtID)
			return nil
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "cancellation reason sent to the portal")
	return c
}
