package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/store/file"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with the standalone rules file",
	}
	cmd.AddCommand(rulesLintCmd())
	return cmd
}

func rulesLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint [file]",
		Short: "Validate a rules file (default: rules.file from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = config.ExpandHome(args[0])
			} else {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				path = cfg.RulesPath()
			}
			return lintRulesFile(cmd, path)
		},
	}
}

// lintRulesFile prints every rule problem. Rules that would be skipped
// at load time fail the command; inert rules are warnings.
func lintRulesFile(cmd *cobra.Command, path string) error {
	rules, err := file.LoadRulesFile(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	problems := autoreply.LintRules(rules)
	fatal := 0
	for _, p := range problems {
		level := "warn"
		if p.Fatal {
			level = "error"
			fatal++
		}
		fmt.Fprintf(out, "%-5s %s: %v\n", level, p.RuleID, p.Err)
	}
	fmt.Fprintf(out, "%s: %d rules, %d problems (%d fatal)\n", path, len(rules), len(problems), fatal)
	if fatal > 0 {
		return fmt.Errorf("%d rules cannot be loaded", fatal)
	}
	return nil
}
