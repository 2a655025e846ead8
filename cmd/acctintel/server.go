package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/acctintel/internal/api"
	"github.com/kalambet/acctintel/internal/resume"
	"github.com/kalambet/acctintel/internal/submission"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local view API and finish tracked analyses (foreground)",
	Long: `Run the local view API for the browser front-end, resume analysis polls
left by interrupted commands and, with --mcp, serve the MCP tools on stdio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		port, _ := cmd.Flags().GetInt("port")
		return runServer(withMCP, port)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, storage and service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "acctintel.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool, port int) error {
	fmt.Fprintf(os.Stderr, "acctintel version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("shutdown: %v", err)
		}
	}()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	pidPath := pidFilePath(a.cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	var jobs api.JobCounter
	if a.db != nil {
		jobs = a.db
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewViewHandler(api.ViewDeps{
			Store:          a.store,
			Runner:         a.runner,
			Jobs:           jobs,
			Token:          a.cfg.API.Token,
			AllowedOrigins: api.ParseOrigins(a.cfg.Server.AllowedOrigins),
			Logger:         a.logger,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("view API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.tracksPolls() {
		worker := resume.NewWorker(a.db, a.runner, 500*time.Millisecond)
		if _, err := worker.Recover(ctx); err != nil {
			return fmt.Errorf("recovering tracked polls: %w", err)
		}
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	} else {
		a.logger.Warn("redis backend: interrupted analyses are not resumed")
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:   a.store,
			Runner:  a.runner,
			Version: version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
		a.logger.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("acctintel is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop acctintel (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to acctintel (PID %d)", pid)
	return nil
}

type healthView struct {
	Status       string `json:"status"`
	InFlight     int    `json:"in_flight"`
	TrackedPolls *int   `json:"tracked_polls"`
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	printStatus("Service", "%s", cfg.API.BaseURL)
	if cfg.API.Token != "" {
		printStatus("Token", "configured")
	} else {
		printStatus("Token", "none")
	}
	printStatus("Storage", "%s", cfg.Storage.Backend)

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var health healthView
	switch err := client.call(ctx, http.MethodGet, "/health", nil, &health); {
	case errors.Is(err, errServerUnreachable):
		printStatus("Server", "stopped")
		return nil
	case err != nil:
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("In flight", "%d", health.InFlight)
	if health.TrackedPolls != nil {
		printStatus("Tracked polls", "%d", *health.TrackedPolls)
	}
	return nil
}

// --- submissions (on a running server) ---

type submissionView struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	AnalysisID     int64               `json:"analysis_id"`
	State          submission.State    `json:"state"`
	Text           string              `json:"text"`
	Outcome        *submission.Outcome `json:"outcome"`
}

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "Inspect or cancel submissions running in the server",
}

var submissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submissions known to the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/submissions?state=in_flight"
		if all {
			path = "/submissions"
		}
		var subs []submissionView
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &subs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(subs) == 0 {
			fmt.Fprintln(out, "No submissions.")
			return nil
		}
		for _, s := range subs {
			analysis := "-"
			if s.AnalysisID > 0 {
				analysis = fmt.Sprintf("#%d", s.AnalysisID)
			}
			state := string(s.State)
			if s.Outcome != nil && s.Outcome.Err != nil {
				state += " (" + string(s.Outcome.Err.Kind) + ")"
			}
			fmt.Fprintf(out, "%s  chat %s  %-8s %s\n",
				colorize(colorCyan, shortID(s.ID)),
				shortID(s.ConversationID),
				analysis,
				state,
			)
		}
		return nil
	},
}

var submissionsCancelCmd = &cobra.Command{
	Use:   "cancel <submission-id>",
	Short: "Cancel a submission running in the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/submissions/"+args[0], nil, nil); err != nil {
			return err
		}
		printSuccess("Cancelling submission %s", shortID(args[0]))
		return nil
	},
}

func init() {
	submissionsListCmd.Flags().Bool("all", false, "include finished submissions")
	submissionsCmd.AddCommand(submissionsListCmd)
	submissionsCmd.AddCommand(submissionsCancelCmd)
}
