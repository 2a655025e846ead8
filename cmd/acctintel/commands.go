package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/config"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/submission"
)

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <url>",
	Short: "Check a company website and show the identity derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := account.ValidateURL(args[0])
		if !res.OK {
			return errors.New(res.Reason)
		}
		id, err := account.DeriveFromURL(res.Normalized)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), res.Normalized)
		printStatus("Company", "%s", id.CompanyName)
		printStatus("Domain", "%s", id.Domain)
		printStatus("Avatar", "%s %s", id.AvatarInitial, id.AvatarColor)
		return nil
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url>",
	Short: "Submit a company for analysis and follow it to the result",
	Long: `Submit a company website for analysis. The submission is recorded in the
active conversation (or a new one) and followed until the result is ready.

When ` + "`acctintel serve`" + ` is running the submission is handed to it and this
command only follows it. Otherwise the command runs the analysis itself.

With --detach the command returns once the service has accepted the job.
Through a running server the server finishes it. Run locally, the poll is
released to the queue and the next ` + "`acctintel serve`" + ` (running or started
later) picks it up; this needs storage.backend=sqlite.

Examples:
  acctintel analyze acme.io --industry Technology
  acctintel analyze https://globex.com --industry Retail --type "Map Current Stack" --new-chat`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		industry, _ := cmd.Flags().GetString("industry")
		company, _ := cmd.Flags().GetString("company")
		analysisType, _ := cmd.Flags().GetString("type")
		newChat, _ := cmd.Flags().GetBool("new-chat")
		detach, _ := cmd.Flags().GetBool("detach")

		form := account.Form{
			URL:          args[0],
			CompanyName:  company,
			Industry:     industry,
			AnalysisType: analysisType,
		}
		sub, fieldErrs := form.Validate()
		if len(fieldErrs) > 0 {
			return invalidForm(fieldErrs)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if client := runningServer(ctx); client != nil {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if newChat {
				if err := client.call(ctx, http.MethodPost, "/conversations",
					map[string]string{"analysis_type": sub.AnalysisType}, nil); err != nil {
					return err
				}
			}
			return analyzeOnServer(ctx, cmd.OutOrStdout(), client, form, detach, cfg.Poll.Interval)
		}

		accepted := make(chan struct{}, 1)
		a, err := openApp(ctx, withTransitionHook(func(t submission.Transition) {
			if t.To == submission.StatePolling {
				select {
				case accepted <- struct{}{}:
				default:
				}
			}
		}))
		if err != nil {
			return err
		}
		defer a.Close()

		if detach && !a.tracksPolls() {
			return fmt.Errorf("--detach needs storage.backend=%s or a running `acctintel serve`", config.BackendSQLite)
		}
		if newChat {
			a.store.CreatePlaceholder(ctx, sub.AnalysisType)
		}

		s, err := a.runner.Submit(ctx, form)
		if err != nil {
			return err
		}
		printStep("Submitted to conversation %s", shortID(s.ConversationID))

		if detach {
			return detachSubmission(ctx, s, accepted)
		}
		return follow(ctx, cmd.OutOrStdout(), a, s)
	},
}

// runningServer returns a client of the local `acctintel serve`, or nil when
// none answers.
func runningServer(ctx context.Context) *apiClient {
	client, err := newAPIClient()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.call(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return nil
	}
	return client
}

// analyzeOnServer submits form to a running server and follows the
// submission there, checking on it every interval.
func analyzeOnServer(ctx context.Context, out io.Writer, client *apiClient, form account.Form, detach bool, interval time.Duration) error {
	var v submissionView
	if err := client.call(ctx, http.MethodPost, "/submissions", form, &v); err != nil {
		return err
	}
	printStep("Submitted to conversation %s on the running server", shortID(v.ConversationID))

	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	last := ""
	for {
		if v.Outcome != nil {
			fmt.Fprintln(out, v.Outcome.Text)
			if v.Outcome.Err != nil {
				return v.Outcome.Err
			}
			return nil
		}
		if detach && v.AnalysisID > 0 {
			printSuccess("Analysis %d accepted; the running server finishes it", v.AnalysisID)
			return nil
		}
		if v.Text != last && submission.IsProgressText(v.Text) {
			printStep("%s", v.Text)
			last = v.Text
		}

		select {
		case <-ctx.Done():
			printWarning("Interrupted; submission %s keeps running in the server", shortID(v.ID))
			return nil
		case <-tick.C:
		}

		var next submissionView
		if err := client.call(ctx, http.MethodGet, "/submissions/"+v.ID, nil, &next); err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		v = next
	}
}

func invalidForm(fe account.FieldErrors) error {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		printError("%s: %s", f, fe[f])
	}
	return fmt.Errorf("invalid input: %s", strings.Join(fields, ", "))
}

// detachSubmission returns once the service accepted the job. The caller's
// Close then interrupts the poll and releases it to the queue for serve.
func detachSubmission(ctx context.Context, s *submission.Submission, accepted <-chan struct{}) error {
	select {
	case <-accepted:
		printSuccess("Analysis %d accepted; `acctintel serve` will finish it", s.AnalysisID())
		return nil
	case <-s.Done():
		out, _ := s.Wait(ctx)
		if out.Err != nil {
			return out.Err
		}
		printSuccess("Analysis %d already finished", out.AnalysisID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// follow prints progress updates of s until it ends and writes the final
// text to out.
func follow(ctx context.Context, out io.Writer, a *app, s *submission.Submission) error {
	changes, unsubscribe := a.store.Subscribe()
	defer unsubscribe()

	last := ""
	for {
		select {
		case c := <-changes:
			if c.Kind != conversation.ChangeMessageUpdated || c.MessageID != s.ID {
				continue
			}
			m, err := a.store.Message(s.ConversationID, s.ID)
			if err == nil && m.Text != last && submission.IsProgressText(m.Text) {
				printStep("%s", m.Text)
				last = m.Text
			}
		case <-s.Done():
			o, _ := s.Wait(ctx)
			fmt.Fprintln(out, o.Text)
			if o.Err != nil {
				return o.Err
			}
			return nil
		case <-ctx.Done():
			if a.tracksPolls() && s.AnalysisID() > 0 {
				printWarning("Interrupted; `acctintel serve` resumes analysis %d", s.AnalysisID())
			} else {
				printWarning("Interrupted; the submission was cancelled")
			}
			return nil
		}
	}
}

func init() {
	analyzeCmd.Flags().String("industry", "", "industry of the company ("+strings.Join(account.Industries, ", ")+")")
	analyzeCmd.Flags().String("company", "", "company name (derived from the URL when empty)")
	analyzeCmd.Flags().String("type", account.FullAnalysis, "analysis type ("+strings.Join(account.AnalysisTypes, ", ")+")")
	analyzeCmd.Flags().Bool("new-chat", false, "start a new conversation instead of using the active one")
	analyzeCmd.Flags().Bool("detach", false, "return once the job is accepted")
}

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the bearer token sent to the analysis service",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the bearer token (reads stdin when no token is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 && args[0] != "-" {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading token: %w", err)
			}
			token = line
		}
		token = strings.TrimSpace(token)

		if err := config.SetAPIToken(token); err != nil {
			return err
		}
		printSuccess("Token saved to %s", config.SecretsFilePath())
		if info, err := describeToken(token, time.Now()); err == nil && info.Expired {
			printWarning("The token expired at %s", info.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the token in use and the user the service maps it to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.API.Token == "" {
			printWarning("No token configured; requests are sent without Authorization")
			return nil
		}

		source := "secrets file (" + config.SecretsFilePath() + ")"
		if os.Getenv("ACCTINTEL_API_TOKEN") != "" {
			source = "environment (ACCTINTEL_API_TOKEN)"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "source:  %s\n", source)

		if info, err := describeToken(cfg.API.Token, time.Now()); err != nil {
			fmt.Fprintln(out, "format:  opaque")
		} else {
			fmt.Fprintln(out, "format:  jwt")
			if info.Subject != "" {
				fmt.Fprintf(out, "subject: %s\n", info.Subject)
			}
			if !info.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "expires: %s\n", info.ExpiresAt.UTC().Format(time.RFC3339))
			}
			if info.Expired {
				printWarning("The token has expired; requests will be rejected")
			}
		}

		me, err := newServiceClient(cfg).Me(cmd.Context())
		switch {
		case analysisapi.IsUnauthorized(err):
			printWarning("The service rejected the token")
		case err != nil:
			printWarning("Could not reach the service to confirm the token: %v", err)
		default:
			fmt.Fprintf(out, "user:    %s <%s>\n", strings.TrimSpace(me.FirstName+" "+me.LastName), me.Email)
			if me.Role != "" || me.Region != "" {
				fmt.Fprintf(out, "role:    %s, %s\n", orDash(me.Role), orDash(me.Region))
			}
		}
		return nil
	},
}

var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearAPIToken(); err != nil {
			return err
		}
		printSuccess("Token removed")
		return nil
	},
}

type tokenInfo struct {
	Subject   string
	ExpiresAt time.Time
	Expired   bool
}

// describeToken reads the claims of a JWT without verifying its signature;
// only the service can do that.
func describeToken(token string, now time.Time) (tokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenInfo{}, fmt.Errorf("parsing token: %w", err)
	}

	var info tokenInfo
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
		info.Expired = !now.Before(exp.Time)
	}
	return info, nil
}

func init() {
	authCmd.AddCommand(authSetTokenCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s in %s", key, value, config.ConfigFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
