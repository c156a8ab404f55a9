package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ctxsync/ctxsyncd/internal/service"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, cache, and subscriber statistics from a running daemon",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().String("addr", "localhost:7171", "daemon address")
	statsCmd.Flags().Bool("json", false, "emit raw JSON")
	rootCmd.AddCommand(statsCmd)
}

var (
	statsTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statsLabelStyle = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("8"))
	statsValueStyle = lipgloss.NewStyle().Bold(true)
)

func runStats(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	asJSON, _ := cmd.Flags().GetBool("json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/stats")
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var stats service.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	plain := !term.IsTerminal(int(os.Stdout.Fd()))
	printStat := func(label, value string) {
		if plain {
			fmt.Printf("%-22s%s\n", label, value)
			return
		}
		fmt.Println(statsLabelStyle.Render(label) + statsValueStyle.Render(value))
	}

	title := "ctxsyncd @ " + addr
	if plain {
		fmt.Println(title)
	} else {
		fmt.Println(statsTitleStyle.Render(title))
	}
	printStat("Active projects", fmt.Sprintf("%d", stats.ActiveProjects))
	printStat("Memory estimate", fmt.Sprintf("%.1f MB", float64(stats.MemoryEstimateBytes)/(1<<20)))
	printStat("Cache entries", fmt.Sprintf("%d", stats.CacheEntries))
	printStat("Cache hit rate", fmt.Sprintf("%.1f%%", stats.CacheHitRate*100))
	printStat("Subscribers", fmt.Sprintf("%d", stats.Subscribers))
	printStat("Subscriber overflows", fmt.Sprintf("%d", stats.SubscriberOverflows))
	return nil
}
