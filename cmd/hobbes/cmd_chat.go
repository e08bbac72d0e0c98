package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hobbes/internal/dispatch"
	"hobbes/internal/logging"
	"hobbes/internal/metrics"
	"hobbes/internal/session"
	"hobbes/internal/turn"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Starts a line-based chat. Tool calls that need consent are shown inline;
answer y to allow or anything else to deny.

Commands inside the chat:
  /usage    show the permission budget and tokens used so far
  /reset    reset the permission budget
  /quit     leave (Ctrl-D works too)

Ctrl-C cancels the running turn, or leaves when idle.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var (
	askYes         bool
	askDumpMetrics bool
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Run a single turn and print the answer",
	Long: `Sends one message, runs any tool calls, and prints the answer.
Without --yes, tool calls that need consent are denied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVarP(&askYes, "yes", "y", false, "Approve every tool call that asks for consent")
	askCmd.Flags().BoolVar(&askDumpMetrics, "metrics", false, "Print Prometheus metrics to stderr after the turn")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	out := cmd.OutOrStdout()

	asks := make(chan dispatch.PendingApproval, 16)
	a, err := newApp(ctx, appOptions{model: true, tools: true, watch: true, notify: func(p dispatch.PendingApproval) {
		select {
		case asks <- p:
		default:
			logger.Warn("approval queue full, request will time out", zap.String("message", p.ID))
		}
	}})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.loadSession(ctx, sessionFlag)
	if err != nil {
		return err
	}
	conv := session.NewConversation(sess)
	defer conv.Close()

	updates := make(chan turn.Update, 64)
	orch := a.newOrchestrator(conv, updates)
	r := &renderer{w: out}

	fmt.Fprintf(out, "hobbes session %s. Type /quit to leave.\n", conv.ID())
	if a.tools != nil {
		fmt.Fprintf(out, "Tools: %d from %d servers.\n", a.tools.Catalog().ToolCount(), len(a.tools.ConnectedServers()))
	}

	lines := readLines(cmd.InOrStdin())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var (
		queue      []dispatch.PendingApproval
		cancelTurn context.CancelFunc
	)
	done := make(chan turn.Result, 1)
	showPrompt := func() {
		if len(queue) > 0 {
			r.endLine()
			fmt.Fprint(out, formatApproval(queue[0]))
		} else if cancelTurn == nil {
			fmt.Fprint(out, "> ")
		}
	}
	showPrompt()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if cancelTurn != nil {
					cancelTurn()
					denyPending(a.approvals)
					<-done
				}
				fmt.Fprintln(out)
				return nil
			}
			if len(queue) > 0 {
				p := queue[0]
				queue = queue[1:]
				if err := a.approvals.Resolve(p.ID, isYes(line)); err != nil {
					fmt.Fprintf(out, "(%v)\n", err)
				}
				showPrompt()
				continue
			}
			if cancelTurn != nil {
				fmt.Fprintln(out, "(a turn is running; press Ctrl-C to cancel it)")
				continue
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				showPrompt()
				continue
			case "/quit", "/exit":
				return nil
			case "/usage":
				req, cost := a.gate.Usage()
				p := policyFrom(a.current())
				tokens := a.usage.Stats().BySession[conv.ID()]
				fmt.Fprintf(out, "tool requests %d/%d, cost %.2f/%.2f, model tokens %d in / %d out\n",
					req, p.MaxRequests, cost, p.MaxCost, tokens.Input, tokens.Output)
				showPrompt()
				continue
			case "/reset":
				a.gate.Reset()
				fmt.Fprintln(out, "permission budget reset")
				showPrompt()
				continue
			}
			turnCtx, cancel := context.WithCancel(a.withUsage(ctx))
			if err := orch.BeginTurn(turnCtx, text, func(res turn.Result) { done <- res }); err != nil {
				cancel()
				fmt.Fprintf(out, "(%v)\n", err)
				continue
			}
			cancelTurn = cancel

		case u := <-updates:
			r.render(u)

		case p := <-asks:
			queue = append(queue, p)
			if len(queue) == 1 {
				showPrompt()
			}

		case res := <-done:
			// Drain updates published before completion.
			for len(updates) > 0 {
				r.render(<-updates)
			}
			r.endLine()
			if res.Outcome != turn.OutcomeDone {
				fmt.Fprintf(out, "(turn %s)\n", res.Outcome)
			}
			cancelTurn()
			cancelTurn = nil
			queue = nil
			showPrompt()

		case <-sigs:
			if cancelTurn == nil {
				fmt.Fprintln(out)
				return nil
			}
			logging.Turn("turn cancelled from the terminal")
			cancelTurn()
			denyPending(a.approvals)
			queue = nil
		}
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var a *app
	a, err := newApp(ctx, appOptions{model: true, tools: true, notify: func(p dispatch.PendingApproval) {
		// Resolve runs after Await registered the request, so it never races.
		go func() { _ = a.approvals.Resolve(p.ID, askYes) }()
	}})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.loadSession(ctx, sessionFlag)
	if err != nil {
		return err
	}
	conv := session.NewConversation(sess)
	defer conv.Close()

	updates := make(chan turn.Update, 64)
	rendered := make(chan struct{})
	r := &renderer{w: cmd.OutOrStdout()}
	go func() {
		defer close(rendered)
		for u := range updates {
			r.render(u)
		}
	}()

	res, err := a.newOrchestrator(conv, updates).RunTurn(a.withUsage(ctx), strings.Join(args, " "))
	close(updates)
	<-rendered
	if err != nil {
		return err
	}
	r.endLine()
	logging.Turn("ask finished in session %s: %s", res.SessionID, res.Outcome)

	if askDumpMetrics {
		if err := metrics.WritePrometheus(cmd.ErrOrStderr()); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	switch res.Outcome {
	case turn.OutcomeFailed:
		return fmt.Errorf("turn failed: %w", res.Err)
	case turn.OutcomeCancelled:
		return ctx.Err()
	}
	return nil
}

// denyPending answers every open approval with no, so a cancelled turn
// does not sit out the approval timeout.
func denyPending(approvals *dispatch.Approvals) {
	for _, p := range approvals.Pending() {
		_ = approvals.Resolve(p.ID, false)
	}
}

// readLines feeds lines from r until EOF. The reader goroutine outlives the
// command when stdin stays open; the process exits right after.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
