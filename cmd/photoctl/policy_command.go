package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPolicyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the selection limits and variant targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			p, err := cfg.Policy()
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Photos per batch", strconv.Itoa(p.MaxItemCount)},
				{"Largest source file", humanize.IBytes(uint64(p.MaxSourceBytes))},
				{"Preview", fmt.Sprintf("%d px, %s", p.Preview.MaxDimension, humanize.IBytes(uint64(p.Preview.MaxEncodedBytes)))},
				{"Upload", fmt.Sprintf("%d px, %s", p.Upload.MaxDimension, humanize.IBytes(uint64(p.Upload.MaxEncodedBytes)))},
				{"Backend", cfg.GetUploadURL()},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}
