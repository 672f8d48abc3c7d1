package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/inheritsync/pkg/viz"
)

func newDumpCommand() *cobra.Command {
	var svgPath string
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the change history of a dumped field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
			return dump(cmd, args[0], svgPath)
		},
	}
	cmd.Flags().StringVar(&svgPath, "svg", "", "also render the history as svg to this path")
	return cmd
}

func dump(cmd *cobra.Command, path, svgPath string) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	entries, err := viz.History(doc)
	if err != nil {
		return err
	}
	for i, e := range entries {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.Actor, "origin", e.Message, "dep", e.Deps)
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), viz.Dot(entries)); err != nil {
		return err
	}

	if svgPath != "" {
		if err := viz.RenderDocToSvg(doc, svgPath); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
