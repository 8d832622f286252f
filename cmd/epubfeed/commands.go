package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/epubfeed/internal/api"
	"github.com/kalambet/epubfeed/internal/config"
	"github.com/kalambet/epubfeed/internal/ingest"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Convert a URL into an e-book and publish it",
	Long: `Submit a web page or PDF to the running service.

Examples:
  epubfeed submit --url https://example.com/article
  epubfeed submit --url https://example.com/paper.pdf --title "A paper"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		if source == "" {
			return errors.New("--url is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := submit(cmd.Context(), client, source, title)
		if err != nil {
			return err
		}

		printSuccess("Created %s", res.Title)
		printStatus("ID", "%s", res.ID)
		printStatus("E-book", "%s", res.Epub)
		if res.Warning != "" {
			printWarning("%s", res.Warning)
		}
		return nil
	},
}

func submit(ctx context.Context, client *apiClient, source, title string) (ingest.Result, error) {
	body := map[string]string{"url": source}
	if title != "" {
		body["title"] = title
	}
	resp, err := client.post(ctx, "/submit", body)
	if err != nil {
		return ingest.Result{}, err
	}
	var res ingest.Result
	if err := decodeJSON(resp, &res); err != nil {
		return ingest.Result{}, err
	}
	return res, nil
}

func init() {
	submitCmd.Flags().String("url", "", "http(s) URL of the page or PDF")
	submitCmd.Flags().String("title", "", "e-book title (inferred when empty)")
}

// --- requests ---

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect submission records",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		views, err := listRequests(cmd.Context(), client, limit, offset)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No requests found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatRequests(views))
		return nil
	},
}

func listRequests(ctx context.Context, client *apiClient, limit, offset int) ([]api.RequestView, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	resp, err := client.get(ctx, "/requests?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var views []api.RequestView
	if err := decodeJSON(resp, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func formatRequests(views []api.RequestView) string {
	rows := make([][]string, len(views))
	for i, v := range views {
		size := "-"
		if v.EpubSize > 0 {
			size = humanize.Bytes(uint64(v.EpubSize))
		}
		rows[i] = []string{
			v.ID,
			statusColor(v.Status),
			truncate(v.Title, 50),
			size,
			humanize.Time(v.CreatedAt),
		}
	}
	return renderTable([]string{"ID", "Status", "Title", "Size", "Created"}, rows, 4)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

var requestsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/requests/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view api.RequestView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	requestsListCmd.Flags().Int("limit", 20, "maximum number of requests to list")
	requestsListCmd.Flags().Int("offset", 0, "number of requests to skip")
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)
}

// --- feed ---

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Print the published feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		atom, _ := cmd.Flags().GetBool("atom")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/feed/rss"
		if atom {
			path = "/feed/atom"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		body, err := readBody(resp)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(body)
		return err
	},
}

func init() {
	feedCmd.Flags().Bool("atom", false, "print the Atom rendering instead of RSS")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout exposing submit_url, list_documents
and get_document tools plus the feed://rss and feed://atom resources.

Submissions run in this process and share the data directory with
"epubfeed serve".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		logger := newLogger(cfg.Log.Level)

		svc, err := newService(cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		svc.background(ctx)

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Submitter: svc.orchestrator,
			Feed:      svc.feed,
			Requests:  svc.store,
			PublicURL: cfg.Server.PublicURL,
			Version:   version,
		})
		return server.ServeStdio(mcpSrv)
	},
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
		printConfig(cmd.OutOrStdout(), config.ShowAll(cfg))
		return nil
	},
}

func printConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		p := configPath
		if p == "" {
			p = config.ConfigFilePath()
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)
}
