package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/sync"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
)

func statusStyle(s models.TagStatus) lipgloss.Style {
	switch s {
	case models.StatusConfirmed:
		return okStyle
	case models.StatusUnregistered:
		return warnStyle
	case models.StatusWithdrawn:
		return errStyle
	default:
		return dimStyle
	}
}

func batchState(b models.Batch) string {
	if b.Closed {
		return dimStyle.Render("closed")
	}
	return okStyle.Render("open")
}

func syncMark(s models.SyncState) string {
	if s == models.SyncPendingUpload {
		return warnStyle.Render("*")
	}
	return " "
}

func newViewCmd(a *app) *cobra.Command {
	var (
		search     string
		batchID    string
		unassigned bool
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the tags of the active batch with per-status counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				v, err := s.engine.LoadView(cmd.Context())
				if err != nil {
					return err
				}

				tags, label := v.Tags, "all"
				scope, scoped := v.ActiveBatchID, true
				switch {
				case all:
					scoped = false
				case batchID != "":
					scope = batchID
				case unassigned || v.Unassigned:
					scope = ""
				case v.ActiveBatchID == "":
					scoped = false
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no batch selected, showing every tag"))
				}
				if scoped {
					tags = sync.TagsInScope(tags, scope)
					label = batchLabel(v.Batches, scope)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTags(label, sync.FilterTags(tags, search), sync.Summarize(tags), v.Queued))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&search, "search", "s", "", "only tags whose code contains this text")
	flags.StringVar(&batchID, "batch", "", "show this batch instead of the active one")
	flags.BoolVar(&unassigned, "unassigned", false, "show tags without a batch")
	flags.BoolVar(&all, "all", false, "show every tag")
	return cmd
}

func batchLabel(batches []models.Batch, id string) string {
	if id == "" {
		return "unassigned"
	}
	for _, b := range batches {
		if b.ID == id {
			return b.Name
		}
	}
	return id
}

func renderTags(label string, tags []models.Tag, sum sync.Summary, queued int) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(label))
	sb.WriteString("\n")

	counts := make([]string, 0, len(models.TagStatuses)+1)
	counts = append(counts, fmt.Sprintf("total %d", sum.Total))
	for _, status := range models.TagStatuses {
		counts = append(counts, statusStyle(status).Render(fmt.Sprintf("%s %d", strings.ToLower(string(status)), sum.ByStatus[status])))
	}
	sb.WriteString(strings.Join(counts, "  "))
	sb.WriteString("\n")
	if sum.Unsynced > 0 || queued > 0 {
		sb.WriteString(warnStyle.Render(fmt.Sprintf("%d tags not uploaded, %d changes queued", sum.Unsynced, queued)))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if len(tags) == 0 {
		sb.WriteString(dimStyle.Render("no tags"))
		sb.WriteString("\n")
		return sb.String()
	}
	for _, t := range tags {
		line := fmt.Sprintf("%s %-20s %-14s %s  %s",
			syncMark(t.SyncState),
			t.Code,
			statusStyle(t.Status).Render(string(t.Status)),
			t.ScannedAt.Local().Format("02/01/2006 15:04"),
			dimStyle.Render(t.ID))
		if t.Notes != nil {
			line += "  " + *t.Notes
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderBatches(v sync.View) string {
	counts := make(map[string]int, len(v.Batches))
	unassigned := 0
	for _, t := range v.Tags {
		if t.BatchID == nil {
			unassigned++
			continue
		}
		counts[*t.BatchID]++
	}

	var sb strings.Builder
	if len(v.Batches) == 0 {
		sb.WriteString(dimStyle.Render("no batches"))
		sb.WriteString("\n")
	}
	for _, b := range v.Batches {
		name := b.Name
		marker := " "
		if b.ID == v.ActiveBatchID {
			name = activeStyle.Render(name)
			marker = activeStyle.Render(">")
		}
		fmt.Fprintf(&sb, "%s%s %-30s %-6s %4d tags  %s  %s\n",
			marker, syncMark(b.SyncState), name, batchState(b), counts[b.ID],
			b.CreatedAt.Local().Format("02/01/2006 15:04"), dimStyle.Render(b.ID))
	}
	marker := " "
	if v.Unassigned {
		marker = activeStyle.Render(">")
	}
	fmt.Fprintf(&sb, "%s  %-30s %-6s %4d tags\n", marker, "unassigned", "", unassigned)
	return sb.String()
}
