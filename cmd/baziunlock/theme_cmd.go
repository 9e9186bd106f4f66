package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/tui"
	"github.com/fentz26/baziunlock/internal/unlock"
)

const topUpHint = "Not enough points for this theme. Top up your balance and try again."

var unlockWait bool

var statusCmd = &cobra.Command{
	Use:   "status <subject>",
	Short: "Show unlock state and price of every theme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		subject := args[0]
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()
		themes, err := a.cache.Get(ctx, subject)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THEME\tNAME\tSTATE\tPRICE")
		for _, theme := range models.AllThemes {
			e := themes[theme]
			state := "locked"
			switch {
			case a.orch.IsUnlocking(subject, theme):
				state = "unlocking"
			case e.IsUnlocked:
				state = "unlocked"
			}
			price := "-"
			if e.Price > 0 {
				price = fmt.Sprintf("%d", e.Price)
				if e.OriginalPrice > e.Price {
					price += fmt.Sprintf(" (was %d)", e.OriginalPrice)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", theme, theme.DisplayName(), state, price)
		}
		return w.Flush()
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <subject> <theme>",
	Short: "Unlock a theme for a subject",
	Long: `Submits an unlock. Without --wait the command returns once the
generation task is accepted; the task is remembered and can be followed
with 'baziunlock resume'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, theme := args[0], models.Theme(args[1])
		if !models.ValidTheme(string(theme)) {
			return fmt.Errorf("%w %q, expected one of %v", unlock.ErrUnknownTheme, theme, models.AllThemes)
		}

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		events, stop := a.orch.Subscribe(8)
		defer stop()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		ticket, err := a.orch.Unlock(ctx, subject, theme)
		if err != nil {
			if apiclient.IsInsufficientBalance(err) {
				cmd.PrintErrln(topUpHint)
			}
			return err
		}
		printBalance(cmd, events)

		if ticket.Resolved() {
			res, err := ticket.Wait(ctx)
			if err != nil {
				return err
			}
			printResult(cmd, res)
			return nil
		}

		if !unlockWait {
			cmd.Printf("Unlock of %s for %s started. Run 'baziunlock resume' to follow it.\n", theme.DisplayName(), subject)
			return nil
		}

		cmd.Printf("Generating %s for %s...\n", theme.DisplayName(), subject)
		res, err := ticket.Wait(ctx)
		if err != nil {
			return describeUnlockError(err)
		}
		printResult(cmd, res)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List unlock tasks still in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks := a.orch.Tasks()
		if len(tasks) == 0 {
			cmd.Println("No unlocks in progress")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SUBJECT\tTHEME\tSTATUS\tTASK\tAGE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.SubjectID, t.Theme, t.Status, t.TaskHandle, time.Since(t.StartedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume polling persisted unlock tasks and wait for them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		n := a.orch.ResumeOnStartup(ctx)
		if n == 0 {
			cmd.Println("Nothing to resume")
			return nil
		}
		cmd.Printf("Resumed %d unlock(s)\n", n)

		var failed int
		for _, t := range a.orch.Tasks() {
			ticket, ok := a.orch.Ticket(t.SubjectID, t.Theme)
			if !ok {
				continue
			}
			res, err := ticket.Wait(ctx)
			if err != nil {
				failed++
				cmd.PrintErrf("%s: %v\n", t.Key(), describeUnlockError(err))
				continue
			}
			printResult(cmd, res)
		}
		if failed > 0 {
			return fmt.Errorf("%d unlock(s) did not complete", failed)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <subject>",
	Short: "Interactive theme screen for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		a.orch.ResumeOnStartup(cmd.Context())
		return tui.NewWatch(args[0], a.cache, a.orch).Run()
	},
}

func init() {
	unlockCmd.Flags().BoolVarP(&unlockWait, "wait", "w", false, "wait for the generated content")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printBalance(cmd *cobra.Command, events <-chan unlock.Event) {
	for {
		select {
		case ev := <-events:
			if ev.Kind == unlock.EventBalanceChanged {
				cmd.Printf("Remaining balance: %d points\n", ev.Balance)
			}
		default:
			return
		}
	}
}

func printResult(cmd *cobra.Command, res unlock.Result) {
	if res.AlreadyUnlocked {
		cmd.Printf("%s was already unlocked for %s.\n", res.Key.Theme.DisplayName(), res.Key.SubjectID)
	} else {
		cmd.Printf("%s unlocked for %s.\n", res.Key.Theme.DisplayName(), res.Key.SubjectID)
	}
	cmd.Println()
	cmd.Println(res.Content)
}

func describeUnlockError(err error) error {
	ue, ok := unlock.AsUnlockError(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted, the unlock keeps running and can be resumed")
		}
		return err
	}
	switch {
	case errors.Is(ue, unlock.ErrPollTimeout):
		return fmt.Errorf("%s is taking longer than expected, check again later", ue.Key.Theme.DisplayName())
	case errors.Is(ue, unlock.ErrTaskFailed) && ue.RefundConfirmed():
		return fmt.Errorf("%s: %s (points refunded)", ue.Key.Theme.DisplayName(), ue.Message)
	default:
		return ue
	}
}
