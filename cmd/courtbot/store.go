package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/app"
	"courtbot/internal/booking"
	"courtbot/internal/portal"
	"courtbot/internal/prefs"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

func withStore(cmd *cobra.Command, opts *rootOpts, fn func(ctx context.Context, st *storage.Store) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	st, _, err := app.OpenStore(ctx, opts.cfgPath, logx.NewConsole(opts.logLvl))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func newMigrateCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list applied versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *storage.Store) error {
				vs, err := st.AppliedMigrations(ctx)
				if err != nil {
					return err
				}
				for _, v := range vs {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %04d\n", v)
				}
				return nil
			})
		},
	}
}

func newJobsCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage booking jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsAddCmd(opts),
		newJobsToggleCmd(opts, "enable", true),
		newJobsToggleCmd(opts, "disable", false),
	)
	return cmd
}

func newJobsListCmd(opts *rootOpts) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs in priority order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *storage.Store) error {
				jobs, err := st.ListJobs(ctx, all)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include inactive jobs")
	return c
}

func printJobs(w io.Writer, jobs []booking.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIO\tACTIVE\tACCOUNT\tVENUE\tDAYS\tTIME\tDURATION\tMAX/DAY")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%d\t%t\t%s\t%s\t%s\t%s ±%dm\t%dm (min %d)\t%d\n",
			j.ID, j.Priority, j.Active, j.Account.Email, j.Venue, strings.Join(j.Days, ","),
			j.Pref.Time.Preferred, j.Pref.Time.FlexibilityMinutes,
			j.Pref.Duration.Preferred, j.Pref.Duration.Floor, j.MaxPerDay())
	}
	_ = tw.Flush()
}

type jobFlags struct {
	email       string
	passwordEnv string
	venue       string
	days        string
	recurrence  string
	at          string
	flex        int
	duration    int
	minDuration int
	strict      bool
	maxPerDay   int
	priority    int
	minNotice   float64
	inactive    bool
}

// build validates the flags into an account and a job ready to upsert.
func (f jobFlags) build(lookupEnv func(string) (string, bool)) (booking.Account, booking.Job, error) {
	email := strings.TrimSpace(f.email)
	if email == "" {
		return booking.Account{}, booking.Job{}, errors.New("--email is required")
	}
	password, ok := lookupEnv(f.passwordEnv)
	if !ok || password == "" {
		return booking.Account{}, booking.Job{}, fmt.Errorf("env %s is empty", f.passwordEnv)
	}
	venue := strings.ToLower(strings.TrimSpace(f.venue))
	if _, err := portal.LookupVenue(venue, nil); err != nil {
		return booking.Account{}, booking.Job{}, err
	}

	var days []string
	for _, d := range strings.Split(f.days, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := booking.ParseWeekday(d); !ok {
			if _, err := time.Parse(time.DateOnly, d); err != nil {
				return booking.Account{}, booking.Job{}, fmt.Errorf("--days: %q is neither a weekday nor YYYY-MM-DD", d)
			}
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return booking.Account{}, booking.Job{}, errors.New("--days is required")
	}

	rec := booking.Recurrence(strings.ToLower(strings.TrimSpace(f.recurrence)))
	if rec != booking.RecurWeekly && rec != booking.RecurOnce {
		return booking.Account{}, booking.Job{}, fmt.Errorf("--recurrence must be weekly or once")
	}
	at, err := prefs.ParseClock(f.at)
	if err != nil {
		return booking.Account{}, booking.Job{}, fmt.Errorf("--time: %w", err)
	}
	if f.duration <= 0 || f.duration%prefs.Step != 0 {
		return booking.Account{}, booking.Job{}, fmt.Errorf("--duration must be a positive multiple of %d", prefs.Step)
	}
	floor := f.minDuration
	if floor <= 0 || floor > f.duration {
		floor = f.duration
	}
	if f.flex < 0 || f.maxPerDay < 0 || f.minNotice < 0 {
		return booking.Account{}, booking.Job{}, errors.New("--flex, --max-per-day and --min-notice-hours must be >= 0")
	}

	acct := booking.Account{Email: email, Password: password, Venue: venue}
	job := booking.Job{
		Venue:      venue,
		Recurrence: rec,
		Days:       days,
		Pref: prefs.Preference{
			Time:     prefs.TimePreference{Preferred: at, FlexibilityMinutes: f.flex},
			Duration: prefs.DurationPreference{Preferred: f.duration, Floor: floor, Strict: f.strict},
		},
		MaxBookingsPerDay: f.maxPerDay,
		Priority:          f.priority,
		MinNoticeHours:    f.minNotice,
		Active:            !f.inactive,
	}
	return acct, job, nil
}

func newJobsAddCmd(opts *rootOpts) *cobra.Command {
	var f jobFlags
	c := &cobra.Command{
		Use:   "add",
		Short: "Create an account (if new) and a booking job for it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct, job, err := f.build(os.LookupEnv)
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(ctx context.Context, st *storage.Store) error {
				id, err := st.UpsertAccount(ctx, acct)
				if err != nil {
					return fmt.Errorf("upsert account: %w", err)
				}
				job.AccountID = id
				jobID, err := st.UpsertJob(ctx, job)
				if err != nil {
					return fmt.Errorf("create job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created job id=%d account=%s\n", jobID, acct.Email)
				return nil
			})
		},
	}
	fl := c.Flags()
	fl.StringVar(&f.email, "email", "", "portal account email")
	fl.StringVar(&f.passwordEnv, "password-env", "COURTBOT_PASSWORD", "env var holding the portal password")
	fl.StringVar(&f.venue, "venue", "sunnyvale", "venue key")
	fl.StringVar(&f.days, "days", "", "comma separated weekdays and/or YYYY-MM-DD dates")
	fl.StringVar(&f.recurrence, "recurrence", string(booking.RecurWeekly), "weekly or once")
	fl.StringVar(&f.at, "time", "", "preferred start time, HH:MM (24h)")
	fl.IntVar(&f.flex, "flex", 0, "minutes the start may move either way")
	fl.IntVar(&f.duration, "duration", 60, "preferred duration in minutes")
	fl.IntVar(&f.minDuration, "min-duration", 0, "shortest acceptable duration (default: --duration)")
	fl.BoolVar(&f.strict, "strict", false, "only book the preferred duration")
	fl.IntVar(&f.maxPerDay, "max-per-day", 1, "bookings allowed per date")
	fl.IntVar(&f.priority, "priority", 0, "lower runs first")
	fl.Float64Var(&f.minNotice, "min-notice-hours", 0, "skip slots starting sooner than this")
	fl.BoolVar(&f.inactive, "inactive", false, "create the job disabled")
	return c
}

func newJobsToggleCmd(opts *rootOpts, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withStore(cmd, opts, func(ctx context.Context, st *storage.Store) error {
				if err := st.SetJobActive(ctx, id, active); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("job %d not found", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d %sd\n", id, verb)
				return nil
			})
		},
	}
}
