package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maltedev/amazon-product-importer/internal/database"
	"github.com/maltedev/amazon-product-importer/internal/export"
	"github.com/maltedev/amazon-product-importer/internal/identifier"
)

var (
	exportCodes  string
	exportOutput string
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored products as CSV",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	cmd.Flags().StringVar(&exportCodes, "codes", "", "comma-separated identifiers (default: all products)")
	cmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	var codes []string
	for _, raw := range strings.Split(exportCodes, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		id, err := identifier.Classify(raw)
		if err != nil {
			return err
		}
		codes = append(codes, id.Code)
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	products, err := database.NewProductRepository(db, log).List(ctx, codes)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		return export.Write(cmd.OutOrStdout(), products)
	}
	if err := export.WriteFile(exportOutput, products); err != nil {
		return err
	}
	log.Info("export written", "file", exportOutput, "products", len(products))
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d products to %s\n", len(products), exportOutput)
	return nil
}
