package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/gridclient"

	"github.com/spf13/cobra"
)

type watchOptions struct {
	url       string
	token     string
	origin    string
	bearer    bool
	reconnect bool
	duration  time.Duration
}

// NewWatchCommand joins a workspace and prints every event it receives.
func NewWatchCommand() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a workspace and print its live events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return runWatch(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws", "WebSocket endpoint")
	cmd.Flags().StringVar(&opts.token, "token", "", "access token (required)")
	cmd.Flags().StringVar(&opts.origin, "origin", "", "Origin header to send")
	cmd.Flags().BoolVar(&opts.bearer, "bearer", false, "send the token as a bearer header at handshake")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", true, "redial with backoff when the connection drops")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runWatch(ctx context.Context, opts *watchOptions, out io.Writer) error {
	dial := gridclient.DialConfig{
		URL:    opts.url,
		Origin: opts.origin,
		Token:  opts.token,
		Bearer: opts.bearer,
		Log:    slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	attach := func(ctrl *gridclient.Controller) {
		ctrl.OnChange(func(ev v1.Event) {
			fmt.Fprintln(out, describeEvent(ev))
		})
	}

	if opts.reconnect {
		s := &gridclient.Session{Dial: dial, Setup: attach}
		return s.Run(ctx)
	}

	conn, err := gridclient.Dial(ctx, dial)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctrl := gridclient.NewController(conn)
	attach(ctrl)
	if err := conn.Join(ctx); err != nil {
		return err
	}
	return conn.Run(ctx, ctrl)
}

func describeEvent(ev v1.Event) string {
	switch e := ev.(type) {
	case v1.WorkspaceSnapshotPayload:
		names := make([]string, 0, len(e.Participants))
		for _, p := range e.Participants {
			names = append(names, p.Name)
		}
		return fmt.Sprintf("joined as %s (%s); present: %s; %d locked",
			e.Self.Name, e.Self.SessionID, strings.Join(names, ", "), len(e.Locks))
	case v1.ParticipantJoinedPayload:
		return fmt.Sprintf("+ %s joined", e.Participant.Name)
	case v1.ParticipantLeftPayload:
		return fmt.Sprintf("- %s left", e.Participant.Name)
	case v1.CellLockAcquiredPayload:
		return fmt.Sprintf("%s locked by %s", cellString(e.Lock.Cell), e.Lock.Holder.Name)
	case v1.CellLockDeniedPayload:
		return fmt.Sprintf("%s denied, held by %s", cellString(e.Cell), e.Holder.Name)
	case v1.CellLockReleasedPayload:
		return fmt.Sprintf("%s released by %s", cellString(e.Cell), e.Holder.Name)
	case v1.CellValueChangedPayload:
		return fmt.Sprintf("%s = %q (%s)", cellString(e.Cell), e.Value, e.Author.Name)
	case v1.CellDraftPayload:
		return fmt.Sprintf("%s draft %q (%s)", cellString(e.Cell), e.Value, e.Author.Name)
	case v1.CursorMovedPayload:
		if e.Cursor.Cell == nil {
			return fmt.Sprintf("%s cleared selection", e.Cursor.Participant.Name)
		}
		return fmt.Sprintf("%s selected %s", e.Cursor.Participant.Name, cellString(*e.Cursor.Cell))
	case v1.CommitAckPayload:
		return fmt.Sprintf("%s saved", cellString(e.Cell))
	case v1.CommitFailedPayload:
		return fmt.Sprintf("%s save failed: %s (retryable=%t)", cellString(e.Cell), e.Reason, e.Retryable)
	case v1.PongPayload:
		return "pong"
	case v1.ErrorPayload:
		return fmt.Sprintf("error %s: %s", e.Code, e.Message)
	default:
		return ev.EventType()
	}
}

func cellString(c v1.Cell) string {
	return fmt.Sprintf("%d/%s", c.RowID, c.Column)
}
