package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/submission"
)

var newAnalysisClient = func() (*analysisapi.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newServiceClient(cfg), nil
}

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Work with analyses stored on the service",
}

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		items, err := client.ListAnalyses(cmd.Context())
		if err != nil {
			return serviceError(err)
		}

		out := cmd.OutOrStdout()
		if len(items) == 0 {
			fmt.Fprintln(out, "No analyses found.")
			return nil
		}
		for _, it := range items {
			fmt.Fprintf(out, "%s  %-28s %-20s strategic %-4s propensity %s\n",
				colorize(colorCyan, fmt.Sprintf("#%-5d", it.AnalysisID)),
				truncate(it.CompanyName, 28),
				it.Status,
				formatScore(it.StrategicScore),
				formatScore(it.PropensityScore),
			)
		}
		return nil
	},
}

var analysesShowCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Print the full result of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("analysis", args[0])
		if err != nil {
			return err
		}
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		res, err := client.GetFullResult(cmd.Context(), id)
		if err != nil {
			return serviceError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), submission.FormatResult(res))
		return nil
	},
}

func recommendationCmd(use, short string, accepted bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <analysis-id> <recommendation-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("analysis", args[0])
			if err != nil {
				return err
			}
			recID, err := parseID("recommendation", args[1])
			if err != nil {
				return err
			}
			client, err := newAnalysisClient()
			if err != nil {
				return err
			}

			upd, err := client.SetRecommendationAccepted(cmd.Context(), id, recID, accepted)
			if err != nil {
				return serviceError(err)
			}
			state := "rejected"
			if upd.IsAccepted {
				state = "accepted"
			}
			printSuccess("Recommendation %d %s", upd.RecommendationID, state)
			return nil
		},
	}
}

var analysesRegenerateCmd = &cobra.Command{
	Use:   "regenerate-strategy <analysis-id>",
	Short: "Ask the service to rebuild the sales strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("analysis", args[0])
		if err != nil {
			return err
		}
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		ack, err := client.RegenerateStrategy(cmd.Context(), id)
		if err != nil {
			return serviceError(err)
		}
		printSuccess("%s", ackText(ack, fmt.Sprintf("Strategy regeneration started for analysis %d", id)))
		return nil
	},
}

var analysesDeleteCmd = &cobra.Command{
	Use:   "delete <analysis-id>",
	Short: "Delete an analysis on the service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("analysis", args[0])
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to delete analysis %d without --yes", id)
		}
		client, err := newAnalysisClient()
		if err != nil {
			return err
		}

		ack, err := client.DeleteAnalysis(cmd.Context(), id)
		if err != nil {
			return serviceError(err)
		}
		printSuccess("%s", ackText(ack, fmt.Sprintf("Analysis %d deleted", id)))
		return nil
	},
}

func init() {
	analysesDeleteCmd.Flags().Bool("yes", false, "confirm the deletion")

	analysesCmd.AddCommand(analysesListCmd)
	analysesCmd.AddCommand(analysesShowCmd)
	analysesCmd.AddCommand(recommendationCmd("accept", "Accept a product recommendation", true))
	analysesCmd.AddCommand(recommendationCmd("reject", "Reject a product recommendation", false))
	analysesCmd.AddCommand(analysesRegenerateCmd)
	analysesCmd.AddCommand(analysesDeleteCmd)
}

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func ackText(ack analysisapi.Ack, fallback string) string {
	if ack.Message != "" {
		return ack.Message
	}
	return fallback
}
