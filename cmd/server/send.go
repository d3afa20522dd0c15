package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"mcpa2a/a2a"
	"mcpa2a/a2aclient"
	"mcpa2a/grpcserver"
)

var (
	sendURL       string
	sendGRPC      string
	sendTaskID    string
	sendSessionID string
)

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a task to a running server and stream its progress",
	Long: `Send submits a task with tasks/sendSubscribe and prints the answer as it
streams. Reuse --task-id to answer a task that asked for more input.

Examples:
  mcpa2a send "what is 6 times 7"
  mcpa2a send --grpc localhost:50051 "10 / 4"
  mcpa2a send --task-id 3f2a... "2 + 3"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := a2aclient.NewTaskParams(strings.Join(args, " "))
		if sendTaskID != "" {
			params.ID = sendTaskID
		}
		if sendSessionID != "" {
			params.SessionID = sendSessionID
		}

		subscribe, closeFn, err := subscriber(sendURL, sendGRPC)
		if err != nil {
			return err
		}
		defer closeFn()

		p := newPrinter(cmd.OutOrStdout())
		p.header(params.ID)
		if err := subscribe(cmd.Context(), params, p.event); err != nil {
			p.flush()
			return err
		}
		p.flush()
		return p.err()
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendURL, "url", "http://localhost:10000", "A2A HTTP endpoint")
	f.StringVar(&sendGRPC, "grpc", "", "gRPC target; used instead of --url when set")
	f.StringVar(&sendTaskID, "task-id", "", "task id (defaults to a new uuid)")
	f.StringVar(&sendSessionID, "session-id", "", "session id (defaults to a new uuid)")
}

type subscribeFunc func(ctx context.Context, params a2a.TaskSendParams, fn func(a2a.StreamEvent) error) error

func subscriber(url, grpcTarget string) (subscribeFunc, func(), error) {
	if grpcTarget == "" {
		return a2aclient.New(url, nil).SendTaskSubscribe, func() {}, nil
	}
	cc, err := grpc.NewClient(grpcTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", grpcTarget, err)
	}
	return grpcserver.NewClient(cc).SendTaskSubscribe, func() { _ = cc.Close() }, nil
}

// printer renders stream events for a terminal.
type printer struct {
	out      io.Writer
	inLine   bool
	final    a2a.TaskState
	finalMsg string

	dim, tool, ok, warn, fail *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:  out,
		dim:  color.New(color.Faint),
		tool: color.New(color.FgYellow),
		ok:   color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgCyan, color.Bold),
		fail: color.New(color.FgRed, color.Bold),
	}
}

func (p *printer) header(taskID string) {
	p.dim.Fprintf(p.out, "task %s\n", taskID)
}

func (p *printer) event(ev a2a.StreamEvent) error {
	switch {
	case ev.Artifact != nil:
		fmt.Fprint(p.out, ev.Artifact.Artifact.Text())
		p.inLine = true
	case ev.Status != nil:
		st := ev.Status.Status
		if ev.Status.Final {
			p.final = st.State
			if st.Message != nil {
				p.finalMsg = st.Message.Text()
			}
			return nil
		}
		if st.Message == nil {
			return nil
		}
		if text := st.Message.Text(); text != "" {
			p.flush()
			p.tool.Fprintf(p.out, "· %s\n", text)
		}
	}
	return nil
}

func (p *printer) flush() {
	if p.inLine {
		fmt.Fprintln(p.out)
		p.inLine = false
	}
}

// err reports the final state and turns failures into an error.
func (p *printer) err() error {
	switch p.final {
	case a2a.TaskStateCompleted:
		p.ok.Fprintln(p.out, "completed")
	case a2a.TaskStateInputRequired:
		p.warn.Fprintln(p.out, "input required: reply with --task-id and the same session")
	case a2a.TaskStateCanceled:
		p.fail.Fprintln(p.out, "canceled")
		return fmt.Errorf("task canceled")
	case a2a.TaskStateFailed:
		p.fail.Fprintln(p.out, p.finalMsg)
		return fmt.Errorf("task failed")
	default:
		return fmt.Errorf("stream ended without a final status")
	}
	return nil
}
