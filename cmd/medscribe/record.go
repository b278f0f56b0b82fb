package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/record"
)

type recordOutput struct {
	Record     record.Resolved   `json:"record"`
	Unresolved int               `json:"unresolved"`
	FactCheck  *factcheck.Report `json:"factCheck,omitempty"`
}

func newRecordCmd(g *globalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "record <transcript-file>",
		Short: "Draft a medical record from a consultation transcript",
		Long:  "Generates a structured record, resolves its entities against the catalog and fact-checks it. Use - to read the transcript from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transcript, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			a, _, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.WithoutCancel(cmd.Context()))

			ctx := cmd.Context()
			rec, err := a.Generator().Generate(ctx, transcript)
			if err != nil {
				return err
			}
			res := record.Resolve(a.Matcher(), rec)
			out := recordOutput{Record: res, Unresolved: res.Unresolved()}
			if check {
				rep := a.Checker().CheckRecord(ctx, res.Bundle())
				out.FactCheck = &rep
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&check, "check", true, "fact-check the generated record")
	return cmd
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}
