package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbuslabs/pluvio/pkg/client"
	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/queue"
)

const defaultAddr = "http://localhost:8080"

// Status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health and pipeline counters of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		c := client.New(addr)

		health, err := c.Health()
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Printf("Health: %s\n", health.Status)
		names := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %s\n", name, health.Checks[name])
		}

		status, err := c.Status()
		if err != nil {
			return fmt.Errorf("status query failed: %w", err)
		}
		fmt.Println()
		fmt.Printf("Queue depth:         %d\n", status.QueueDepth)
		fmt.Printf("Events (24h):        %d\n", status.EventsProcessed24h)
		if status.LastEventReceived != nil {
			fmt.Printf("Last event received: %s\n", status.LastEventReceived.Format(time.RFC3339))
		} else {
			fmt.Printf("Last event received: never\n")
		}
		fmt.Printf("Uptime:              %s\n", time.Duration(status.UptimeSeconds)*time.Second)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", defaultAddr, "Base URL of the pluvio API")
}

// Stats commands
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query aggregated usage statistics",
}

var statsOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Totals, top tools, and top errors for the period",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, period := statsClient(cmd)
		o, err := c.Overview(period)
		if err != nil {
			return err
		}
		fmt.Printf("Period: %s (%s to %s)\n", o.Period, o.StartDate, o.EndDate)
		fmt.Printf("Total calls:    %d\n", o.Summary.TotalCalls)
		fmt.Printf("Success rate:   %s\n", fmtRate(o.Summary.SuccessRate))
		fmt.Printf("Avg response:   %s\n", fmtMs(o.Summary.AvgResponseTimeMs))
		fmt.Printf("Cache hit rate: %s\n", fmtRate(o.CacheHitRate))
		if len(o.Tools) > 0 {
			fmt.Println()
			fmt.Println("Top tools:")
			for _, t := range o.Tools {
				fmt.Printf("  %-20s %d\n", t.Name, t.Calls)
			}
		}
		if len(o.Errors) > 0 {
			fmt.Println()
			fmt.Println("Top errors:")
			for _, e := range o.Errors {
				fmt.Printf("  %-20s %d\n", e.Type, e.Count)
			}
		}
		return nil
	},
}

var statsToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Per-tool call counts and latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, period := statsClient(cmd)
		resp, err := c.Tools(period)
		if err != nil {
			return err
		}
		if len(resp.Tools) == 0 {
			fmt.Println("No tool activity in the period.")
			return nil
		}
		fmt.Printf("%-20s %10s %9s %9s %9s\n", "TOOL", "CALLS", "SUCCESS", "AVG", "P95")
		for _, t := range resp.Tools {
			fmt.Printf("%-20s %10d %9s %9s %9s\n",
				t.Name, t.Calls, fmtRate(t.SuccessRate),
				fmtMs(t.AvgResponseTimeMs), fmtMs(t.P95ResponseTimeMs))
		}
		return nil
	},
}

var statsToolCmd = &cobra.Command{
	Use:   "tool NAME",
	Short: "Timeline and error breakdown for one tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, period := statsClient(cmd)
		d, err := c.Tool(args[0], period)
		if err != nil {
			return err
		}
		fmt.Printf("Tool: %s\n", d.Name)
		fmt.Printf("Total calls:  %d\n", d.TotalCalls)
		fmt.Printf("Success rate: %s\n", fmtRate(d.SuccessRate))
		if len(d.Timeline) > 0 {
			fmt.Println()
			fmt.Println("Timeline:")
			for _, p := range d.Timeline {
				fmt.Printf("  %-20s %8d %9s %9s\n",
					p.Bucket, p.Calls, fmtRate(p.SuccessRate), fmtMs(p.AvgResponseTimeMs))
			}
		}
		if len(d.ErrorBreakdown) > 0 {
			fmt.Println()
			fmt.Println("Errors:")
			for _, e := range d.ErrorBreakdown {
				fmt.Printf("  %-24s %d\n", e.Type, e.Count)
			}
		}
		return nil
	},
}

var statsErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Error types across all tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, period := statsClient(cmd)
		resp, err := c.Errors(period)
		if err != nil {
			return err
		}
		if len(resp.Errors) == 0 {
			fmt.Println("No errors in the period.")
			return nil
		}
		fmt.Printf("%-24s %8s %7s  %-20s %s\n", "TYPE", "COUNT", "SHARE", "LAST SEEN", "TOOLS")
		for _, e := range resp.Errors {
			last := "n/a"
			if e.LastSeen != nil {
				last = e.LastSeen.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %8d %6.1f%%  %-20s %s\n",
				e.Type, e.Count, e.Percentage, last, strings.Join(e.AffectedTools, ","))
		}
		return nil
	},
}

var statsPerformanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "Latency percentiles and cache hit rates per tool",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, period := statsClient(cmd)
		resp, err := c.Performance(period)
		if err != nil {
			return err
		}
		if len(resp.Tools) == 0 {
			fmt.Println("No tool activity in the period.")
			return nil
		}
		fmt.Printf("%-20s %9s %9s %9s %9s\n", "TOOL", "P50", "P95", "P99", "CACHE")
		for _, t := range resp.Tools {
			fmt.Printf("%-20s %9s %9s %9s %9s\n",
				t.Name, fmtMs(t.P50), fmtMs(t.P95), fmtMs(t.P99), fmtRate(t.CacheHitRate))
		}
		return nil
	},
}

func init() {
	statsCmd.AddCommand(statsOverviewCmd)
	statsCmd.AddCommand(statsToolsCmd)
	statsCmd.AddCommand(statsToolCmd)
	statsCmd.AddCommand(statsErrorsCmd)
	statsCmd.AddCommand(statsPerformanceCmd)

	statsCmd.PersistentFlags().String("addr", defaultAddr, "Base URL of the pluvio API")
	statsCmd.PersistentFlags().String("period", "", "Stats window, e.g. 24h or 7d (server default 24h)")
}

func statsClient(cmd *cobra.Command) (*client.Client, string) {
	addr, _ := cmd.Flags().GetString("addr")
	period, _ := cmd.Flags().GetString("period")
	return client.New(addr), period
}

// Queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the event queue",
}

var queueDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Print the number of queued events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		depth, err := q.Depth(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue depth: %w", err)
		}
		fmt.Printf("%d\n", depth)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued event",
	Long: `Drop every queued event without processing it. Events already persisted
are unaffected; events still in the queue are lost permanently. Requires
--yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to clear the queue without --yes")
		}

		q, closeFn, err := openQueue()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dropped, err := q.Clear(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		fmt.Printf("Dropped %d queued events\n", dropped)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueDepthCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueClearCmd.Flags().Bool("yes", false, "Confirm dropping every queued event")
}

// openQueue connects to Redis using the environment configuration. The
// queue commands talk to Redis directly so they work even when no API
// instance is running.
func openQueue() (*queue.Queue, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	rdb := queue.NewClient(cfg.Redis)
	q := queue.New(rdb, cfg.Queue)
	return q, func() { rdb.Close() }, nil
}

func fmtRate(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", *p*100)
}

func fmtMs(p *int64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%dms", *p)
}
