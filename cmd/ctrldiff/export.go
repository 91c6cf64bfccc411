package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an fp16 inference bundle of a checkpoint's EMA weights",
		Args:  cobra.NoArgs,
		RunE:  exportHandler,
	}
	cmd.Flags().String("checkpoint", "", "Training checkpoint")
	cmd.Flags().String("out", "", "Bundle path")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func exportHandler(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("checkpoint")
	out, _ := cmd.Flags().GetString("out")

	ck, err := checkpoint.Load(in)
	if err != nil {
		return err
	}
	b := checkpoint.ExportBundle(ck)
	if err := checkpoint.SaveBundle(out, b); err != nil {
		return err
	}

	params := 0
	for _, w := range b.Weights {
		params += len(w)
	}
	size := int64(0)
	if fi, err := os.Stat(out); err == nil {
		size = fi.Size()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: run=%s step=%d params=%d bytes=%d\n", out, b.RunID, b.Step, params, size)
	return nil
}
