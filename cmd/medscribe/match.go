package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/internal/catalog"
	"github.com/MrWong99/medscribe/internal/match"
)

type matchOutput struct {
	Kind        match.Kind         `json:"kind"`
	Query       string             `json:"query"`
	Match       any                `json:"match"`
	Suggestions []match.Suggestion `json:"suggestions,omitempty"`
}

func newMatchCmd(g *globalFlags) *cobra.Command {
	var (
		catalogDir string
		suggest    int
	)
	cmd := &cobra.Command{
		Use:   "match <diagnosis|medicine|examination> <query>",
		Short: "Resolve free text against the reference catalog",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := match.ParseKind(args[0])
			if err != nil {
				return err
			}
			query := strings.Join(args[1:], " ")

			cfg, err := g.load()
			if err != nil {
				return err
			}
			dir := catalogDir
			if dir == "" {
				dir = cfg.Catalog.Dir
			}
			if dir == "" {
				return fmt.Errorf("no catalog directory: set catalog.dir or --catalog")
			}
			cat, err := catalog.LoadDir(dir)
			if err != nil {
				return err
			}
			return writeMatch(cmd, match.New(cat), kind, query, suggest)
		},
	}
	cmd.Flags().StringVar(&catalogDir, "catalog", "", "catalog directory (default: catalog.dir)")
	cmd.Flags().IntVar(&suggest, "suggest", 5, "alternatives to list when nothing matched")
	return cmd
}

func writeMatch(cmd *cobra.Command, m *match.Matcher, kind match.Kind, query string, suggest int) error {
	out := matchOutput{Kind: kind, Query: query}
	switch kind {
	case match.KindDiagnosis:
		if res, ok := m.MatchDiagnosis(query); ok {
			out.Match = res
		}
	case match.KindMedicine:
		if res, ok := m.MatchMedicine(query); ok {
			out.Match = res
		}
	case match.KindExamination:
		if res, ok := m.MatchExamination(query); ok {
			out.Match = res
		}
	}
	if out.Match == nil && suggest > 0 {
		out.Suggestions = m.Suggest(kind, query, suggest)
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
