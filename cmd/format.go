package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/rubiojr/swapsync/pkg/targeting"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	swapStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Margin(1, 0)

	statusColors = map[targeting.Status]lipgloss.Color{
		targeting.StatusActive:    lipgloss.Color("33"),
		targeting.StatusAccepted:  lipgloss.Color("42"),
		targeting.StatusRejected:  lipgloss.Color("196"),
		targeting.StatusCancelled: lipgloss.Color("244"),
	}

	titleCaser = cases.Title(language.English)
)

// formatStatus renders a status label, marking unconfirmed local changes.
func formatStatus(s targeting.Status, optimistic bool) string {
	label := titleCaser.String(string(s))
	if optimistic {
		label += " (pending)"
	}
	style := lipgloss.NewStyle().Bold(true)
	if c, ok := statusColors[s]; ok {
		style = style.Foreground(c)
	}
	return style.Render(label)
}

// formatTime formats a time relative to now or as an absolute date
func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}

	if diff < 24*time.Hour {
		if diff < time.Hour {
			minutes := int(diff.Minutes())
			if minutes < 1 {
				return "just now"
			}
			return fmt.Sprintf("%d minutes ago", minutes)
		}
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	}

	if diff < 7*24*time.Hour {
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	}

	if t.Year() == now.Year() {
		return t.Format("Jan 2, 15:04")
	}
	return t.Format("Jan 2, 2006")
}

// formatRemaining formats the time left in an auction
func formatRemaining(d time.Duration) string {
	switch {
	case d <= 0:
		return "ended"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}
}

// renderSwap renders the targeting state of one swap.
func renderSwap(st targeting.SwapTargeting, now time.Time) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Swap " + st.SwapID))
	b.WriteString("\n")
	b.WriteString(metaStyle.Render("updated " + formatTime(st.LastUpdated, now)))
	b.WriteString("\n\n")

	if st.OutgoingTarget != nil {
		t := st.OutgoingTarget
		fmt.Fprintf(&b, "Targeting %s  %s\n", t.TargetSwapID, formatStatus(t.Status, t.Optimistic))
	} else {
		b.WriteString("Not targeting any swap\n")
	}

	if len(st.IncomingTargets) == 0 {
		b.WriteString("No incoming targets\n")
	} else {
		fmt.Fprintf(&b, "Incoming targets (%d):\n", len(st.IncomingTargets))
		for _, t := range st.IncomingTargets {
			from := t.SourceSwapID
			if t.SourceSwapTitle != "" {
				from = fmt.Sprintf("%s (%s)", t.SourceSwapTitle, t.SourceSwapID)
			}
			fmt.Fprintf(&b, "  • %s from %s  %s\n", t.TargetID, from, formatStatus(t.Status, t.Optimistic))
			if t.Message != "" {
				fmt.Fprintf(&b, "    %s\n", metaStyle.Render(fmt.Sprintf("%q", t.Message)))
			}
		}
	}

	if a := st.AuctionInfo; a != nil {
		ending := ""
		if a.IsEnding {
			ending = "  ⏰ ending soon"
		}
		fmt.Fprintf(&b, "Auction: %d proposal(s), %s left%s\n", a.CurrentProposalCount, formatRemaining(a.TimeRemaining), ending)
	}

	return swapStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderStatus writes the service health followed by every swap.
func renderStatus(w io.Writer, h swapsync.Health, m swapsync.Metrics, swaps []targeting.SwapTargeting, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("swapsync "+titleCaser.String(h.Status)))

	conn := "disconnected"
	if h.Connected {
		conn = "connected"
	}
	fmt.Fprintf(w, "Connection: %s (reconnects: %d)\n", conn, m.Transport.Reconnects)
	fmt.Fprintf(w, "Queue: %d queued, %d sent, %d failed\n", h.MessageQueue.QueueSize, h.MessageQueue.SentMessages, h.MessageQueue.FailedMessages)
	fmt.Fprintf(w, "Events: %d received, %d dropped, last %s\n", m.Stream.MessageCount, m.Stream.DroppedCount, formatTime(m.Stream.LastMessageTime, now))
	fmt.Fprintf(w, "Unread targets: %d\n\n", m.UnreadCount)

	if len(swaps) == 0 {
		fmt.Fprintln(w, noDataStyle.Render("No targeting state yet."))
		return
	}
	for _, st := range swaps {
		fmt.Fprintln(w, renderSwap(st, now))
	}
}
