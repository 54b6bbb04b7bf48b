package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
)

var rulesCmd = &cobra.Command{
	Use:   "rules [file]",
	Short: "Validate a CVE rule file",
	Long: `Parse and compile a CVE rule file and report rules that would be
disabled at ingest time (bad regexes, unknown fields).

With --strict, any disabled rule is an error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Ingest.CVERulesPath
		if len(args) == 1 {
			path = args[0]
		}
		strict, _ := cmd.Flags().GetBool("strict")

		rs, err := checkRules(path)
		if err != nil {
			color.Red("%s: %v\n", path, err)
			return err
		}

		color.Green("%s: %d active rules\n", path, rs.Len())
		for _, d := range rs.Disabled() {
			color.Yellow("  disabled %s (%s): %s\n", d.CVEID, d.Field, d.Reason)
		}
		if strict && len(rs.Disabled()) > 0 {
			return fmt.Errorf("%d rules disabled", len(rs.Disabled()))
		}
		return nil
	},
}

func checkRules(path string) (*enrichment.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := enrichment.ParseRules(data)
	if err != nil {
		return nil, err
	}
	return enrichment.Compile(rules), nil
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().Bool("strict", false, "Fail when any rule is disabled")
}
