// congestionctl queries a running congestion server.
//
// Usage:
//
//	congestionctl status [--json]
//	congestionctl watch [--count N]
//	congestionctl health
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/server"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "congestionctl",
		Usage:   "Inspect a running traffic congestion server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8000",
				Usage:   "Base URL of the congestion server",
				EnvVars: []string{"CONGESTION_SERVER"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "Request timeout for one-shot commands",
			},
		},
		Commands: []*cli.Command{
			statusCommand(),
			watchCommand(),
			healthCommand(),
		},
	}
}

func baseURL(c *cli.Context) string {
	return strings.TrimRight(c.String("server"), "/")
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the latest congestion snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the raw JSON response"},
			&cli.BoolFlag{Name: "proto", Usage: "Request the protobuf encoding"},
		},
		Action: runStatus,
	}
}

func runStatus(c *cli.Context) error {
	client := &http.Client{Timeout: c.Duration("timeout")}
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, baseURL(c)+"/status", nil)
	if err != nil {
		return err
	}
	if c.Bool("proto") {
		req.Header.Set("Accept", "application/protobuf")
	}

	body, err := do(client, req)
	if err != nil {
		return err
	}

	var v status.View
	if c.Bool("proto") {
		if v, err = status.UnmarshalProto(body); err != nil {
			return err
		}
	} else if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	if c.Bool("json") {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	}
	printStatusTable(c.App.Writer, v)
	return nil
}

func printStatusTable(w io.Writer, v status.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Congestion:\t%s\n", v.Congestion)
	fmt.Fprintf(tw, "Trend:\t%s\n", v.Trend)
	fmt.Fprintf(tw, "Avg count:\t%d\n", v.AvgCount)
	fmt.Fprintf(tw, "Timestamp:\t%s\n", v.Timestamp)
	fmt.Fprintf(tw, "Window:\t%s\n", strings.Join(v.WindowHistory, " "))
	_ = tw.Flush()
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow the status stream, one line per new snapshot",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Exit after N snapshots (0 = forever)"},
		},
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, baseURL(c)+"/status/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	limit := c.Int("count")
	seen := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		v, err := server.DecodeSSEData([]byte(data), false)
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "%s  %-13s %-10s avg=%-3d [%s]\n",
			v.Timestamp, v.Congestion, v.Trend, v.AvgCount, strings.Join(v.WindowHistory, " "))

		seen++
		if limit > 0 && seen >= limit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && c.Context.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Print the aggregator health report",
		Action: func(c *cli.Context) error {
			client := &http.Client{Timeout: c.Duration("timeout")}
			req, err := http.NewRequestWithContext(c.Context, http.MethodGet, baseURL(c)+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			var report server.HealthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Status:\t%s\n", report.Status)
			fmt.Fprintf(tw, "State:\t%s\n", report.State)
			fmt.Fprintf(tw, "Frames/interval:\t%d\n", report.FramesPerInterval)
			fmt.Fprintf(tw, "Snapshots:\t%d\n", report.Installs)
			fmt.Fprintf(tw, "Congestion:\t%s\n", report.Snapshot.Congestion)
			fmt.Fprintf(tw, "Clients:\t%d stream, %d webrtc\n", report.Clients.Stream, report.Clients.WebRTC)
			fmt.Fprintf(tw, "Uptime:\t%s\n", formatUptime(report.UptimeSeconds))
			if report.LastError != "" {
				fmt.Fprintf(tw, "Last error:\t%s\n", report.LastError)
			}
			_ = tw.Flush()

			if resp.StatusCode != http.StatusOK {
				return cli.Exit(fmt.Sprintf("server unhealthy (%s)", resp.Status), 2)
			}
			return nil
		},
	}
}

// formatUptime keeps sub-second precision to the millisecond
func formatUptime(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).Round(time.Millisecond).String()
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
