// steamwatchctl is the operator CLI: submit refresh tasks, poll their status
// and inspect the collected app documents through the backend API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/oauth"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("steamwatchctl %s\n", version)
	case "task":
		err = doTask(args)
	case "apps":
		err = doApps(args)
	case "app":
		err = doApp(args)
	case "help", "--help", "-h":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `steamwatchctl - CLI for the steamwatch backend API

Usage: steamwatchctl <command> [arguments]

Commands:
  task update-list                  request a refresh of the app id universe
  task update <app_id> [country]    refresh one app
  task bulk <id,id,...> [cc,cc]     refresh a batch of apps
  task status <task_id>             poll a submitted task
  apps [key=value ...]              list apps, filters pass through as query params
  app <app_id>                      show one app document
  version                           print the version

Environment:
  STEAMWATCH_BACKEND_URL   Backend base URL (default: http://localhost:8002)
  STEAMWATCH_AUTH_URL      Auth server base URL (default: http://localhost:8003)
  STEAMWATCH_CLIENT_ID     Client id for task submission
  STEAMWATCH_CLIENT_SECRET Client secret for task submission
`)
}

func backendURL() string {
	if v := os.Getenv("STEAMWATCH_BACKEND_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8002"
}

// authorized builds an oauth client from the environment; only the task
// endpoints need it, reads are public.
func authorized() *oauth.Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return oauth.NewClient(config.AuthClient{
		BaseURL:      getenv("STEAMWATCH_AUTH_URL", "http://localhost:8003"),
		ClientID:     getenv("STEAMWATCH_CLIENT_ID", "steamwatchctl"),
		ClientSecret: os.Getenv("STEAMWATCH_CLIENT_SECRET"),
	}, []string{oauth.ScopeOrchestratorTasks}, logger)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func doTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("task needs a subcommand: update-list, update, bulk or status")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := authorized()
	base := backendURL() + "/api/v1/tasks/"

	var out struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	switch args[0] {
	case "update-list":
		if _, err := client.DoJSON(ctx, http.MethodPost, base+"update_app_list", struct{}{}, &out); err != nil {
			return err
		}
		fmt.Println(out.TaskID)
	case "update":
		if len(args) < 2 {
			return fmt.Errorf("task update needs an app id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("app id must be an integer, got %q", args[1])
		}
		body := map[string]any{"app_id": id}
		if len(args) > 2 {
			body["country_code"] = args[2]
		}
		if _, err := client.DoJSON(ctx, http.MethodPost, base+"update_app_data", body, &out); err != nil {
			return err
		}
		fmt.Println(out.TaskID)
	case "bulk":
		if len(args) < 2 {
			return fmt.Errorf("task bulk needs a comma-separated id list")
		}
		var ids []int64
		for _, raw := range strings.Split(args[1], ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("app id must be an integer, got %q", raw)
			}
			ids = append(ids, id)
		}
		body := map[string]any{"app_ids": ids}
		if len(args) > 2 {
			body["country_codes"] = strings.Split(args[2], ",")
		}
		if _, err := client.DoJSON(ctx, http.MethodPost, base+"bulk_update_app_data", body, &out); err != nil {
			return err
		}
		fmt.Println(out.TaskID)
	case "status":
		if len(args) < 2 {
			return fmt.Errorf("task status needs a task id")
		}
		if _, err := client.DoJSON(ctx, http.MethodGet, base+args[1], nil, &out); err != nil {
			return err
		}
		fmt.Println(out.Status)
	default:
		return fmt.Errorf("unknown task subcommand %q", args[0])
	}
	return nil
}

type appRow struct {
	ID                   int64   `json:"id"`
	Name                 *string `json:"name"`
	Type                 *string `json:"type"`
	TotalRecommendations *int64  `json:"total_recommendations"`
	Prices               map[string]struct {
		IsAvailable bool     `json:"is_available"`
		Price       *float64 `json:"price"`
		Discount    *int     `json:"discount"`
	} `json:"prices"`
}

func doApps(args []string) error {
	q := url.Values{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("filters are key=value pairs, got %q", arg)
		}
		q.Set(k, v)
	}

	var out struct {
		Items []appRow `json:"items"`
		Total int64    `json:"total"`
	}
	if err := getJSON(backendURL()+"/api/v1/apps?"+q.Encode(), &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tRECS\tCOUNTRIES")
	for _, app := range out.Items {
		name, typ := "-", "-"
		if app.Name != nil {
			name = *app.Name
		}
		if app.Type != nil {
			typ = *app.Type
		}
		recs := int64(0)
		if app.TotalRecommendations != nil {
			recs = *app.TotalRecommendations
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", app.ID, name, typ, recs, len(app.Prices))
	}
	_ = w.Flush()
	fmt.Printf("%d of %d\n", len(out.Items), out.Total)
	return nil
}

func doApp(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("app needs an app id")
	}
	var doc json.RawMessage
	if err := getJSON(backendURL()+"/api/v1/apps/"+args[0], &doc); err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(doc, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func getJSON(url string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
