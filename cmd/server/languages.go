package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/sandbox"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the supported languages and their limits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		overrides, _, _ := sandbox.LanguageSettings(cfg.Languages)
		registry, err := sandbox.NewRegistry(overrides)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LANGUAGE\tEXT\tTIMEOUT\tCOMPILE\tRUN")
		for _, p := range registry.Profiles() {
			compile := "-"
			if len(p.CompileCommand) > 0 {
				compile = strings.Join(p.CompileCommand, " ")
			}
			fmt.Fprintf(w, "%s\t%s\t%ds\t%s\t%s\n", p.ID, p.FileExtension, p.TimeoutSeconds, compile, strings.Join(p.RunCommand, " "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
