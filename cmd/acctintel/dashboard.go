package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kalambet/acctintel/internal/analysisapi"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show today's priority accounts and analysis totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sum, err := client.DashboardSummary(ctx)
		if err != nil {
			return serviceError(err)
		}
		top, err := client.TopAccounts(ctx, limit)
		if err != nil {
			return serviceError(err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d analyses, %d prioritized companies\n", sum.TotalAnalyses, sum.PrioritizedCompanies)
		if len(top) == 0 {
			fmt.Fprintln(out, "No completed analyses to rank yet.")
			return nil
		}
		for i, a := range top {
			name := a.CompanyName
			if name == "" {
				name = fmt.Sprintf("company %d", a.CompanyID)
			}
			fmt.Fprintf(out, "%2d. %-28s %-16s score %5.1f  %s\n",
				i+1,
				truncate(name, 28),
				truncate(orDash(a.Industry), 16),
				a.Score,
				colorize(colorCyan, fmt.Sprintf("#%d", a.AnalysisID)),
			)
		}
		return nil
	},
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "List insights across your analyses",
	Long: `List the insights of every analysis you own.

Examples:
  acctintel insights --severity high
  acctintel insights --company-id 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		companyID, _ := cmd.Flags().GetInt64("company-id")
		severity, _ := cmd.Flags().GetString("severity")
		if companyID < 0 {
			return fmt.Errorf("invalid company id %d", companyID)
		}
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		items, err := client.Insights(cmd.Context(), analysisapi.InsightFilter{
			CompanyID: companyID,
			Severity:  severity,
		})
		if err != nil {
			return serviceError(err)
		}

		out := cmd.OutOrStdout()
		if len(items) == 0 {
			fmt.Fprintln(out, "No insights found.")
			return nil
		}
		for _, it := range items {
			fmt.Fprintf(out, "%s [%s]\n", it.Title, orDash(it.Severity))
			if it.Description != "" {
				fmt.Fprintf(out, "    %s\n", truncate(it.Description, 100))
			}
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	dashboardCmd.Flags().Int("limit", 0, "number of top accounts to show (service default when 0)")
	insightsCmd.Flags().Int64("company-id", 0, "only insights of this company")
	insightsCmd.Flags().String("severity", "", "only insights of this severity")
}
