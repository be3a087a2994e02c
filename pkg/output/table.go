package output

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// OutcomeSummary is one row of the history table.
type OutcomeSummary struct {
	Build     int
	RunID     string
	Host      string
	ImageID   string
	Tags      []string
	Published bool
	Cleanup   bool   // cleanup on job delete
	Recorded  string // human-readable time
}

// RunSummary contains data for the end-of-run table.
type RunSummary struct {
	RunID   string
	Host    string
	ImageID string
	Tags    []string
	Dropped []string // templates that failed to expand
	State   string   // done, build-failed, publish-failed
}

// History prints the outcome history of a job.
func (p *Printer) History(job string, outcomes []OutcomeSummary) {
	if len(outcomes) == 0 {
		return
	}

	p.Section("HISTORY " + job)

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Build", "Run", "Host", "Image", "Tags", "Pushed", "Clean On Delete", "Recorded"})

	for _, o := range outcomes {
		t.AppendRow(table.Row{
			o.Build,
			shortID(o.RunID),
			o.Host,
			shortID(o.ImageID),
			strings.Join(o.Tags, ", "),
			yesNo(o.Published),
			yesNo(o.Cleanup),
			o.Recorded,
		})
	}

	t.Render()
	p.Println()
}

// Run prints the summary table of a finished run.
func (p *Printer) Run(run RunSummary) {
	p.Println()

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Run", "Host", "Image", "Tags", "State"})

	state := run.State
	if p.isTTY {
		state = colorState(run.State)
	}
	host := run.Host
	if host == "" {
		host = "-"
	}
	t.AppendRow(table.Row{shortID(run.RunID), host, shortID(run.ImageID), strings.Join(run.Tags, ", "), state})

	t.Render()

	if len(run.Dropped) > 0 {
		p.Warn("dropped tag templates", "templates", strings.Join(run.Dropped, ", "))
	}
	p.Println()
}

// colorState applies color to state based on status.
func colorState(state string) string {
	var style lipgloss.Style
	switch state {
	case "done", "published", "built":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "build-failed", "publish-failed", "failed", "error":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "building", "publishing", "cleaning":
		style = lipgloss.NewStyle().Foreground(ColorAmber)
	case "skipped":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(state)
}

// shortID trims digests and uuids for display.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// tableStyle returns the standard amber-themed table style.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if p.isTTY {
		style.Color.Header = text.Colors{text.FgHiYellow, text.Bold}
		style.Color.Border = text.Colors{text.FgHiBlack}
	}
	style.Options.SeparateRows = false
	return style
}

// Section prints a section header.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorAmber).Bold(true)
		p.Println(style.Render(title))
	} else {
		p.Println(title)
	}
}
