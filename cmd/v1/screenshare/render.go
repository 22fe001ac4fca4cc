package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	urlStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

func renderLink(link string, copied bool) string {
	note := "Copy the link above and send it to the viewer"
	if copied {
		note = "Link copied to clipboard"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Sharing your screen"),
		urlStyle.Render(link),
		dimStyle.Render(note),
	)
}

func renderState(role string, st sharing.SharingState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", dimStyle.Render("["+role+"]"), statusStyle.Render(string(st.Phase)))
	if n := len(st.Participants); n > 0 {
		fmt.Fprintf(&b, " %s", dimStyle.Render(fmt.Sprintf("(%d participants)", n)))
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " %s", errorStyle.Render(st.Error))
	}
	return b.String()
}

func printStreamInfo(out io.Writer, role string, info *sharing.StreamInfo) error {
	if info == nil {
		return nil
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n%s\n", titleStyle.Render(role+" stream"), data)
	return nil
}
