package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/scheduler"
	"github.com/tazhate/caldavsync/internal/service"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Manage CalDAV accounts.",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Discover a server and store the account.",
				ArgsUsage: "<server-url> <username>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", EnvVars: []string{"CALSYNC_PASSWORD"}, Usage: "Account password. Prompted for when empty."},
				},
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					serverURL, username, password, err := loginArgs(c)
					if err != nil {
						return err
					}
					acc, err := r.accounts.AddAccount(c.Context, serverURL, username, password)
					if err != nil {
						return fmt.Errorf("add account: %s: %w", caldav.Summarize(err), err)
					}
					cals, err := r.accounts.Calendars(acc.ID)
					if err != nil {
						return err
					}
					fmt.Printf("Added account %s (%s) with %d calendars.\n", acc.ID, acc.Username, len(cals))
					return nil
				}),
			},
			{
				Name:      "verify",
				Usage:     "Check that the server accepts the credentials.",
				ArgsUsage: "<server-url> <username>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", EnvVars: []string{"CALSYNC_PASSWORD"}, Usage: "Account password. Prompted for when empty."},
				},
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					serverURL, username, password, err := loginArgs(c)
					if err != nil {
						return err
					}
					if err := r.accounts.VerifyCredentials(c.Context, serverURL, username, password); err != nil {
						return fmt.Errorf("%s: %w", caldav.Summarize(err), err)
					}
					fmt.Println("Credentials OK.")
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List stored accounts.",
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					accounts, err := r.accounts.List()
					if err != nil {
						return err
					}
					if len(accounts) == 0 {
						fmt.Println("No accounts. Run 'caldavsync account add' first.")
						return nil
					}
					for _, a := range accounts {
						mark := " "
						if a.IsDefault {
							mark = "*"
						}
						synced := "never"
						if a.LastSyncAt != nil {
							synced = a.LastSyncAt.In(r.cfg.Timezone).Format(dateTimeLayout)
						}
						fmt.Printf("%s %s  %s  %s  (last sync: %s)\n", mark, a.ID, a.Username, a.ServerURL, synced)
					}
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "Remove an account with its calendars and events.",
				ArgsUsage: "<account-id>",
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					id, err := requireArg(c, "account id")
					if err != nil {
						return err
					}
					if err := r.accounts.RemoveAccount(id); err != nil {
						return err
					}
					fmt.Println("Removed.")
					return nil
				}),
			},
			{
				Name:      "default",
				Usage:     "Make an account the default one.",
				ArgsUsage: "<account-id>",
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					id, err := requireArg(c, "account id")
					if err != nil {
						return err
					}
					return r.accounts.SetDefault(id)
				}),
			},
		},
	}
}

func calendarsCommand() *cli.Command {
	setVisible := func(visible bool) cli.ActionFunc {
		return withRuntime(func(c *cli.Context, r *runtime) error {
			id, err := requireArg(c, "calendar id")
			if err != nil {
				return err
			}
			return r.accounts.SetCalendarVisible(id, visible)
		})
	}

	return &cli.Command{
		Name:  "calendars",
		Usage: "List calendars of every account.",
		Subcommands: []*cli.Command{
			{Name: "show", Usage: "Include a calendar in event listings.", ArgsUsage: "<calendar-id>", Action: setVisible(true)},
			{Name: "hide", Usage: "Exclude a calendar from event listings.", ArgsUsage: "<calendar-id>", Action: setVisible(false)},
		},
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			accounts, err := r.accounts.List()
			if err != nil {
				return err
			}
			for _, a := range accounts {
				cals, err := r.accounts.Calendars(a.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s)\n", a.Username, a.ID)
				for _, cal := range cals {
					flags := ""
					if cal.ReadOnly {
						flags += " read-only"
					}
					if !cal.Visible {
						flags += " hidden"
					}
					fmt.Printf("  %s  %s%s\n", cal.ID, cal.DisplayName, flags)
				}
			}
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Pull remote changes into the local store.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Sync only this account."},
			&cli.BoolFlag{Name: "push", Usage: "Push pending local changes after the sync."},
			&cli.BoolFlag{Name: "watch", Usage: "Keep running on CALSYNC_SYNC_SCHEDULE, pushing after each pass."},
		},
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			if c.Bool("watch") {
				return watch(c.Context, r)
			}

			var reports map[string]*service.SyncReport
			var syncErr error
			if id := c.String("account"); id != "" {
				report, err := r.sync.SyncAccount(c.Context, id)
				if report != nil {
					reports = map[string]*service.SyncReport{id: report}
				}
				syncErr = err
			} else {
				reports, syncErr = r.sync.SyncAll(c.Context)
			}

			for _, report := range reports {
				printSyncReport(report)
			}
			if c.Bool("push") {
				for id := range reports {
					report, err := r.push.PushAccount(c.Context, id)
					if err != nil {
						syncErr = errors.Join(syncErr, fmt.Errorf("push %s: %w", id, err))
						continue
					}
					printPushReport(report)
				}
			}
			if syncErr != nil {
				return fmt.Errorf("%s: %w", caldav.Summarize(syncErr), syncErr)
			}
			return nil
		}),
	}
}

func watch(parent context.Context, r *runtime) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(r.cfg.SyncSchedule, r.cfg.Timezone, r.sync, r.push, r.notifier, r.log)
	r.log.Info("caldavsync watching", "schedule", r.cfg.SyncSchedule)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	r.log.Info("shutting down")
	sched.Stop()
	return nil
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "Upload pending local changes.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Push only this account."},
		},
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			var ids []string
			if id := c.String("account"); id != "" {
				ids = []string{id}
			} else {
				accounts, err := r.accounts.List()
				if err != nil {
					return err
				}
				for _, a := range accounts {
					ids = append(ids, a.ID)
				}
			}

			var errs []error
			for _, id := range ids {
				report, err := r.push.PushAccount(c.Context, id)
				if err != nil {
					errs = append(errs, fmt.Errorf("account %s: %w", id, err))
					continue
				}
				printPushReport(report)
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("%s: %w", caldav.Summarize(err), err)
			}
			return nil
		}),
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List events of visible calendars in a date range.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "First day (YYYY-MM-DD). Defaults to today."},
			&cli.StringFlag{Name: "to", Usage: "Day after the last one (YYYY-MM-DD). Defaults to a week after --from."},
		},
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			loc := r.cfg.Timezone
			now := time.Now().In(loc)
			from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
			if v := c.String("from"); v != "" {
				t, err := time.ParseInLocation(dateLayout, v, loc)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				from = t
			}
			to := from.AddDate(0, 0, 7)
			if v := c.String("to"); v != "" {
				t, err := time.ParseInLocation(dateLayout, v, loc)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				to = t
			}

			events, err := r.events.ListRange(c.Context, from, to)
			if err != nil {
				return err
			}
			printEvents(events, loc)
			return nil
		}),
	}
}

func eventCommand() *cli.Command {
	return &cli.Command{
		Name:  "event",
		Usage: "Queue local event changes for the next push.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an event.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "calendar", Required: true},
					&cli.StringFlag{Name: "summary"},
					&cli.StringFlag{Name: "location"},
					&cli.StringFlag{Name: "description"},
					&cli.StringFlag{Name: "start", Required: true, Usage: "YYYY-MM-DD for all-day, else YYYY-MM-DD HH:MM"},
					&cli.StringFlag{Name: "end"},
				},
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					draft := domain.Event{
						Summary:     c.String("summary"),
						Location:    c.String("location"),
						Description: c.String("description"),
						TimeZone:    r.cfg.Timezone.String(),
					}
					start, allDay, err := parseWhen(c.String("start"), r.cfg.Timezone)
					if err != nil {
						return fmt.Errorf("invalid --start: %w", err)
					}
					draft.Start, draft.AllDay = start, allDay
					if v := c.String("end"); v != "" {
						end, _, err := parseWhen(v, r.cfg.Timezone)
						if err != nil {
							return fmt.Errorf("invalid --end: %w", err)
						}
						draft.End = &end
					}

					e, err := r.events.Create(c.Context, c.String("calendar"), draft)
					if err != nil {
						return err
					}
					fmt.Printf("Queued %s. Run 'caldavsync push' to upload it.\n", e.UID)
					return nil
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete an event.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "calendar", Required: true},
					&cli.StringFlag{Name: "uid", Required: true},
				},
				Action: withRuntime(func(c *cli.Context, r *runtime) error {
					return r.events.Delete(c.Context, c.String("calendar"), c.String("uid"))
				}),
			},
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search summaries, descriptions and locations.",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 50},
		},
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			events, err := r.events.Search(c.Context, strings.Join(c.Args().Slice(), " "), c.Int("limit"))
			if err != nil {
				return err
			}
			printEvents(events, r.cfg.Timezone)
			return nil
		}),
	}
}

func bookingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "bookings",
		Usage: "List appointment booking pages of the default account.",
		Action: withRuntime(func(c *cli.Context, r *runtime) error {
			configs, err := r.bookings.List(c.Context)
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				fmt.Println("No booking pages.")
				return nil
			}
			for _, b := range configs {
				fmt.Printf("%s (%d min, %s)\n  %s\n", b.Name, b.DurationMinutes, strings.ToLower(string(b.Visibility)), b.BookingURL)
			}
			return nil
		}),
	}
}

func loginArgs(c *cli.Context) (serverURL, username, password string, err error) {
	if c.NArg() < 2 {
		return "", "", "", errors.New("usage: <server-url> <username>")
	}
	serverURL, username = c.Args().Get(0), c.Args().Get(1)
	password = c.String("password")
	if password == "" {
		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, rerr := reader.ReadString('\n')
		if rerr != nil && line == "" {
			return "", "", "", fmt.Errorf("read password: %w", rerr)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return "", "", "", errors.New("password is required")
	}
	return serverURL, username, password, nil
}

func requireArg(c *cli.Context, what string) (string, error) {
	v := strings.TrimSpace(c.Args().First())
	if v == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return v, nil
}

func parseWhen(v string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		return t, true, nil
	}
	t, err := time.ParseInLocation(dateTimeLayout, v, loc)
	return t, false, err
}

func printSyncReport(r *service.SyncReport) {
	fmt.Printf("%s: %d calendars, +%d ~%d -%d, %d unchanged, %d skipped, %d deferred, %d full refreshes\n",
		r.AccountID, r.Calendars, r.Created, r.Updated, r.Deleted, r.Unchanged, r.Skipped, r.Deferred, r.FullRefreshes)
	printConflicts(r.Conflicts)
}

func printPushReport(r *service.PushReport) {
	fmt.Printf("%s: pushed +%d ~%d -%d, %d requeued, %d skipped, %d failed\n",
		r.AccountID, r.Created, r.Updated, r.Deleted, r.Requeued, r.Skipped, r.Failed)
	printConflicts(r.Conflicts)
}

func printConflicts(conflicts []domain.Conflict) {
	for _, cf := range conflicts {
		fmt.Printf("  conflict %s %s/%s (local %s)\n", cf.Kind, cf.CalendarID, cf.UID, cf.LocalStatus)
	}
}

func printEvents(events []*domain.Event, loc *time.Location) {
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, e := range events {
		when := e.Start.In(loc).Format(dateTimeLayout)
		if e.AllDay {
			when = e.Start.Format(dateLayout)
		}
		line := fmt.Sprintf("%s  %s", when, e.Summary)
		if e.Location != "" {
			line += " @ " + e.Location
		}
		if e.SyncStatus.IsPending() {
			line += " [" + strings.ToLower(string(e.SyncStatus)) + "]"
		}
		fmt.Println(line)
	}
}
