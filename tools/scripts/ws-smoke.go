// Package main provides a CI-friendly WebSocket smoke test for a running gridsync server.
//
// It validates:
//   - handshake + subprotocol selection
//   - join and workspace snapshot for two participants
//   - lock grant to the first editor and the holder badge for the second
//   - draft relay, commit and value fan-out
//   - lock release after commit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/gridclient"
)

type smokeClient struct {
	name string
	conn *gridclient.Conn
	ctrl *gridclient.Controller
	errs chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "alice", "token for the first participant")
		tokenB  = flag.String("token-b", "bob", "token for the second participant")
		row     = flag.Int64("row", 1, "row id to edit")
		column  = flag.String("column", "status", "column key to edit")
		value   = flag.String("value", "smoke "+time.Now().UTC().Format(time.RFC3339), "value to commit")
		timeout = flag.Duration("timeout", 10*time.Second, "overall timeout")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *wsURL, *origin, *tokenA, *tokenB, v1.Cell{RowID: *row, Column: *column}, *value); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func run(ctx context.Context, url, origin, tokenA, tokenB string, cell v1.Cell, value string) error {
	a, err := connect(ctx, "A", url, origin, tokenA)
	if err != nil {
		return err
	}
	defer a.conn.Close()

	b, err := connect(ctx, "B", url, origin, tokenB)
	if err != nil {
		return err
	}
	defer b.conn.Close()

	if err := a.ctrl.Begin(ctx, cell); err != nil {
		return fmt.Errorf("A begin: %w", err)
	}
	if err := waitFor(ctx, a, "A editing", func() bool { return a.ctrl.View(cell).Editable }); err != nil {
		return err
	}
	if err := waitFor(ctx, b, "B sees lock", func() bool { return b.ctrl.View(cell).LockedBy != nil }); err != nil {
		return err
	}

	var locked *gridclient.LockedError
	if err := b.ctrl.Begin(ctx, cell); !errors.As(err, &locked) {
		return fmt.Errorf("B begin: expected locked error, got %v", err)
	}

	if err := a.ctrl.Draft(ctx, value); err != nil {
		return fmt.Errorf("A draft: %w", err)
	}
	if err := waitFor(ctx, b, "B sees draft", func() bool { return b.ctrl.View(cell).Draft == value }); err != nil {
		return err
	}

	if err := a.ctrl.Save(ctx, value); err != nil {
		return fmt.Errorf("A save: %w", err)
	}
	if err := waitFor(ctx, a, "A idle", func() bool {
		st, _ := a.ctrl.State()
		return st == gridclient.Idle
	}); err != nil {
		return err
	}
	if v := a.ctrl.View(cell); v.SaveError != "" {
		return fmt.Errorf("A save failed: %s", v.SaveError)
	}
	return waitFor(ctx, b, "B sees value", func() bool {
		v := b.ctrl.View(cell)
		return v.Value == value && v.LockedBy == nil
	})
}

func connect(ctx context.Context, name, url, origin, token string) (*smokeClient, error) {
	conn, err := gridclient.Dial(ctx, gridclient.DialConfig{URL: url, Origin: origin, Token: token})
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", name, err)
	}
	c := &smokeClient{name: name, conn: conn, ctrl: gridclient.NewController(conn), errs: make(chan error, 1)}
	go func() { c.errs <- conn.Run(context.Background(), c.ctrl) }()

	if err := conn.Join(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s join: %w", name, err)
	}
	if err := c.ctrl.WaitJoined(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s snapshot: %w", name, err)
	}
	return c, nil
}

func waitFor(ctx context.Context, c *smokeClient, what string, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if cond() {
			return nil
		}
		if e, ok := c.ctrl.LastError(); ok {
			return fmt.Errorf("%s: server error %s: %s", what, e.Code, e.Message)
		}
		select {
		case err := <-c.errs:
			return fmt.Errorf("%s: connection ended: %v", what, err)
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
}
