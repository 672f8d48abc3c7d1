package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/wsync"
)

func newEditCommand() *cobra.Command {
	var baseURL, user string
	var structured bool
	cmd := &cobra.Command{
		Use:   "edit <entity-property>",
		Short: "Edit a field from the terminal, appending each line read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := field.Parse(args[0])
			if err != nil {
				return err
			}
			mode := field.Plain
			if structured {
				mode = field.Structured
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
			signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(exit)
			go func() {
				select {
				case sig := <-exit:
					slog.Info("Signal caught", "sig", sig)
					cancel()
				case <-ctx.Done():
				}
			}()
			return edit(ctx, baseURL, id, mode, user, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "the server to connect to")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "the name shown to other editors")
	cmd.Flags().BoolVar(&structured, "structured", false, "edit the structured value of the field")
	return cmd
}

func edit(ctx context.Context, baseURL string, id field.ID, mode field.Mode, user string, in io.Reader, out io.Writer) error {
	c, err := wsync.Dial(ctx, baseURL, id, mode, user)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr = c.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		last := ""
		for {
			select {
			case <-c.Changed():
				if text := c.Text(); text != last {
					last = text
					_, _ = fmt.Fprintf(out, "%s\n", text)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// keep syncing until interrupted so that pending changes reach the server
				lines = nil
				continue
			}
			if err := c.Append(line + "\n"); err != nil {
				slog.Error("failed to edit", "field", id, "err", err)
			}
		case <-ctx.Done():
			wg.Wait()
			return runErr
		}
	}
}
