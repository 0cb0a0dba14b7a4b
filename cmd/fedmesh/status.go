package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"fedmesh/pkg/transport"
	"fedmesh/pkg/types"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	cyanColor    = lipgloss.Color("#8BE9FD")
	greenColor   = lipgloss.Color("#50FA7B")
	orangeColor  = lipgloss.Color("#FFB86C")
	redColor     = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	fgColor      = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Padding(0, 1)
)

func statusCmd() *cobra.Command {
	var (
		addr    string
		rawJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's membership view",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
			if err != nil {
				return fmt.Errorf("reach %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server answered %d", resp.StatusCode)
			}

			var report transport.StatusReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			if rawJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7946", "server address")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw JSON")
	return cmd
}

func renderStatus(report transport.StatusReport) {
	var summary strings.Builder
	line := func(label, value string, style lipgloss.Style) {
		summary.WriteString(labelStyle.Render(label) + style.Render(value) + "\n")
	}
	line("Server ID", string(report.ServerID), valueStyle.Foreground(greenColor))
	line("Endpoint", report.Endpoint, valueStyle)
	if report.Region != "" {
		line("Region", report.Region, valueStyle)
	}
	line("Known servers", fmt.Sprintf("%d", len(report.Members)), valueStyle)
	line("Alive", fmt.Sprintf("%d", report.Counts["alive"]), valueStyle.Foreground(greenColor))
	if n := report.Counts["suspect"]; n > 0 {
		line("Suspect", fmt.Sprintf("%d", n), valueStyle.Foreground(orangeColor))
	}
	if n := report.Counts["dead"] + report.Counts["left"]; n > 0 {
		line("Dead / Left", fmt.Sprintf("%d", n), valueStyle.Foreground(redColor))
	}
	line("Retry backlog", fmt.Sprintf("%d", report.PendingRetries), valueStyle)

	title := titleStyle.Render("Federation Status")
	fmt.Println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, summary.String())))

	if len(report.Members) == 0 {
		return
	}
	members := report.Members
	sort.Slice(members, func(i, j int) bool { return members[i].ServerID < members[j].ServerID })

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers("SERVER", "ENDPOINT", "STATUS", "INC", "LAST SEEN")
	for _, m := range members {
		tbl.Row(string(m.ServerID), m.Endpoint, styledMemberStatus(m.Status),
			fmt.Sprintf("%d", m.Incarnation), humanSince(m.LastSeen))
	}
	fmt.Println(tbl.Render())
}

func styledMemberStatus(s types.Status) string {
	switch s {
	case types.StatusAlive:
		return lipgloss.NewStyle().Foreground(greenColor).Render("alive")
	case types.StatusSuspect:
		return lipgloss.NewStyle().Foreground(orangeColor).Render("suspect")
	case types.StatusLeft:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("left")
	default:
		return lipgloss.NewStyle().Foreground(redColor).Render("dead")
	}
}

func humanSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
