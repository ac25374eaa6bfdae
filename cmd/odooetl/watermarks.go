package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"odooetl/internal/config"
	"odooetl/internal/pipeline"
	"odooetl/internal/storage"
	"odooetl/internal/watermark"
)

func newWatermarksCommand(s *config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Inspect or recompute the stored watermarks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every stored watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showWatermarks(cmd.Context(), cmd.OutOrStdout(), s)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Recompute tracked watermarks from the warehouse and save them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return refreshWatermarks(cmd.Context(), cmd.OutOrStdout(), s)
		},
	})
	return cmd
}

// openStore opens the watermark backend, connecting to the warehouse only
// when the backend or the caller needs it.
func openStore(ctx context.Context, s *config.Settings, needWarehouse bool) (*watermark.Store, storage.Warehouse, func(), error) {
	var w storage.Warehouse
	closeAll := func() {}
	if needWarehouse || s.Watermark.Backend == "table" {
		var err error
		if w, err = openWarehouse(ctx, s); err != nil {
			return nil, nil, closeAll, err
		}
		closeAll = w.Close
	}
	backend, closeBackend, err := watermark.Open(ctx, watermarkConfig(s), w)
	if err != nil {
		closeAll()
		return nil, nil, func() {}, err
	}
	closeWarehouse := closeAll
	closeAll = func() {
		closeBackend()
		closeWarehouse()
	}
	store := watermark.New(backend)
	store.Load(ctx)
	return store, w, closeAll, nil
}

func printStore(out io.Writer, store *watermark.Store) {
	snap := store.Snapshot()
	for _, k := range store.Keys() {
		fmt.Fprintf(out, "%s=%d\n", k, snap[k])
	}
}

func showWatermarks(ctx context.Context, out io.Writer, s *config.Settings) error {
	store, _, closeAll, err := openStore(ctx, s, false)
	defer closeAll()
	if err != nil {
		return err
	}
	printStore(out, store)
	return nil
}

func refreshWatermarks(ctx context.Context, out io.Writer, s *config.Settings) error {
	_, stages, err := loadPipeline(out, s.PipelinePath)
	if err != nil {
		return err
	}
	store, w, closeAll, err := openStore(ctx, s, true)
	defer closeAll()
	if err != nil {
		return err
	}
	tracked := pipeline.Tracked(stages)
	n := store.RefreshFromWarehouse(ctx, watermark.WarehouseMax{W: w}, tracked)
	if err := store.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "refreshed %d/%d watermarks\n", n, len(tracked))
	printStore(out, store)
	return nil
}
