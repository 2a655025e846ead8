package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/conversation"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Browse and manage the conversation history",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		convs := a.store.SortedByActivity()
		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			return nil
		}

		active, _ := a.store.Active()
		now := time.Now()
		for _, c := range convs {
			marker := " "
			if c.ID == active.ID {
				marker = colorize(colorGreen, "*")
			}
			domain := c.Domain
			if domain == "" {
				domain = "-"
			}
			fmt.Fprintf(out, "%s %s  %-24s %-24s %3d msgs  %s\n",
				marker,
				colorize(colorCyan, shortID(c.ID)),
				truncate(c.DisplayName, 24),
				truncate(domain, 24),
				len(c.Messages),
				colorize(colorDim, ago(c.LastActivity, now)),
			)
		}
		return nil
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a conversation (the active one when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var c conversation.Conversation
		if len(args) == 1 {
			if c, err = resolveConversation(a.store.List(), args[0]); err != nil {
				return err
			}
		} else {
			var ok bool
			if c, ok = a.store.Active(); !ok {
				return fmt.Errorf("no active conversation; pass an id or run `acctintel chats use`")
			}
		}
		printConversation(cmd.OutOrStdout(), c)
		return nil
	},
}

var chatsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start an empty conversation and make it active",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysisType, _ := cmd.Flags().GetString("type")
		canonical, ok := account.CanonicalAnalysisType(analysisType)
		if !ok {
			return fmt.Errorf("unknown analysis type %q (want one of: %s)", analysisType, strings.Join(account.AnalysisTypes, ", "))
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		c := a.store.CreatePlaceholder(cmd.Context(), canonical)
		printSuccess("Created conversation %s (%s)", shortID(c.ID), c.AnalysisType)
		return nil
	},
}

var chatsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a conversation the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := resolveConversation(a.store.List(), args[0])
		if err != nil {
			return err
		}
		if err := a.store.SetActive(cmd.Context(), c.ID); err != nil {
			return err
		}
		printSuccess("Active conversation: %s (%s)", c.DisplayName, shortID(c.ID))
		return nil
	},
}

var chatsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the conversation history as YAML or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if format != "yaml" && format != "json" {
			return fmt.Errorf("unknown format %q (want yaml or json)", format)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		active, _ := a.store.Active()
		doc := buildExport(a.store.SortedByActivity(), active.ID, time.Now().UTC())

		var writer io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		if err := writeExport(writer, format, doc); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d conversations to %s", len(doc.Conversations), output)
		}
		return nil
	},
}

func init() {
	chatsNewCmd.Flags().String("type", account.FullAnalysis, "analysis type of the new conversation")
	chatsExportCmd.Flags().String("format", "yaml", "output format: yaml or json")
	chatsExportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsNewCmd)
	chatsCmd.AddCommand(chatsUseCmd)
	chatsCmd.AddCommand(chatsExportCmd)
}

// resolveConversation finds a conversation by id or unique id prefix.
func resolveConversation(convs []conversation.Conversation, ref string) (conversation.Conversation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return conversation.Conversation{}, fmt.Errorf("empty conversation id")
	}

	var matches []conversation.Conversation
	for _, c := range convs {
		if c.ID == ref {
			return c, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return conversation.Conversation{}, fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return conversation.Conversation{}, fmt.Errorf("conversation id %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func printConversation(out io.Writer, c conversation.Conversation) {
	header := c.DisplayName
	if c.Domain != "" {
		header += " (" + c.Domain + ")"
	}
	fmt.Fprintln(out, colorize(colorBold, header))
	if c.Industry != "" {
		fmt.Fprintf(out, "%s · %s\n", c.Industry, c.AnalysisType)
	} else {
		fmt.Fprintln(out, c.AnalysisType)
	}
	if len(c.Messages) == 0 {
		fmt.Fprintln(out, "\nNo messages yet.")
		return
	}
	for _, m := range c.Messages {
		label := colorize(colorBlue, "you")
		if m.Role == conversation.RoleAssistant {
			label = colorize(colorGreen, "analysis")
		}
		fmt.Fprintf(out, "\n%s %s\n%s\n", label, colorize(colorDim, m.Timestamp.Local().Format("2006-01-02 15:04")), m.Text)
	}
}

type exportMessage struct {
	ID        string    `json:"id" yaml:"id"`
	Role      string    `json:"role" yaml:"role"`
	Text      string    `json:"text" yaml:"text"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

type exportConversation struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Domain       string          `json:"domain,omitempty" yaml:"domain,omitempty"`
	URL          string          `json:"url,omitempty" yaml:"url,omitempty"`
	Industry     string          `json:"industry,omitempty" yaml:"industry,omitempty"`
	AnalysisType string          `json:"analysis_type" yaml:"analysis_type"`
	Placeholder  bool            `json:"placeholder" yaml:"placeholder"`
	LastActivity time.Time       `json:"last_activity" yaml:"last_activity"`
	Messages     []exportMessage `json:"messages" yaml:"messages"`
}

type exportDoc struct {
	ExportedAt    time.Time            `json:"exported_at" yaml:"exported_at"`
	ActiveID      string               `json:"active_id,omitempty" yaml:"active_id,omitempty"`
	Conversations []exportConversation `json:"conversations" yaml:"conversations"`
}

func buildExport(convs []conversation.Conversation, activeID string, now time.Time) exportDoc {
	doc := exportDoc{
		ExportedAt:    now,
		ActiveID:      activeID,
		Conversations: make([]exportConversation, 0, len(convs)),
	}
	for _, c := range convs {
		ec := exportConversation{
			ID:           c.ID,
			Name:         c.DisplayName,
			Domain:       c.Domain,
			URL:          c.URL,
			Industry:     c.Industry,
			AnalysisType: c.AnalysisType,
			Placeholder:  c.Placeholder(),
			LastActivity: c.LastActivity,
			Messages:     make([]exportMessage, 0, len(c.Messages)),
		}
		for _, m := range c.Messages {
			ec.Messages = append(ec.Messages, exportMessage{
				ID:        m.ID,
				Role:      string(m.Role),
				Text:      m.Text,
				Timestamp: m.Timestamp,
			})
		}
		doc.Conversations = append(doc.Conversations, ec)
	}
	return doc
}

func writeExport(w io.Writer, format string, doc exportDoc) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}
