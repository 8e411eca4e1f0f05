package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

const progressBarWidth = 20

// Board renders operation views as text.
type Board struct {
	styled bool
	now    func() time.Time
}

// NewBoard returns a board. Styling is applied only when styled is true, so
// plain output stays free of escape codes.
func NewBoard(styled bool) *Board {
	return &Board{styled: styled, now: time.Now}
}

// WithClock overrides the time source used for relative times.
func (b *Board) WithClock(now func() time.Time) *Board {
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Board) render(s lipgloss.Style, text string) string {
	if !b.styled {
		return text
	}
	return s.Render(text)
}

// Views renders the full operation panel.
func (b *Board) Views(v observer.Views) string {
	var sb strings.Builder
	sb.WriteString(b.render(TitleStyle, "Operations"))
	sb.WriteString("\n")

	blocker := v.Blocker()
	if blocker == nil {
		sb.WriteString(b.render(SubtleStyle, "Major slot free"))
		sb.WriteString("\n")
	} else {
		card := b.Record(blocker)
		if b.styled {
			card = BoxStyle.Render(card)
		}
		sb.WriteString(card)
		sb.WriteString("\n")
	}

	b.section(&sb, "Queue", v.QueuedMajor, func(i int, rec *core.OperationRecord) string {
		return fmt.Sprintf("%d. %s", i+1, b.Line(rec))
	})
	b.section(&sb, "Minor in flight", v.RunningMinor, func(_ int, rec *core.OperationRecord) string {
		return b.Line(rec)
	})
	b.section(&sb, "Recent", v.RecentHistory, func(_ int, rec *core.OperationRecord) string {
		return b.Line(rec)
	})
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func (b *Board) section(sb *strings.Builder, title string, recs []*core.OperationRecord, line func(int, *core.OperationRecord) string) {
	sb.WriteString("\n")
	sb.WriteString(b.render(SectionStyle, fmt.Sprintf("%s (%d)", title, len(recs))))
	sb.WriteString("\n")
	if len(recs) == 0 {
		sb.WriteString("  " + b.render(SubtleStyle, "none") + "\n")
		return
	}
	for i, rec := range recs {
		sb.WriteString("  " + line(i, rec) + "\n")
	}
}

// Line renders one record on a single line.
func (b *Board) Line(rec *core.OperationRecord) string {
	parts := []string{
		b.render(ClassBadge(rec.Classification), string(rec.Classification)),
		rec.Label(),
		b.render(StatusStyle(rec.Status), string(rec.Status)),
	}
	if rec.TotalItems > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", rec.CompletedItems+rec.FailedItems, rec.TotalItems))
	}
	if rec.FailedItems > 0 {
		parts = append(parts, b.render(FailedStyle, fmt.Sprintf("%d failed", rec.FailedItems)))
	}
	parts = append(parts, b.render(SubtleStyle, b.when(rec)))
	parts = append(parts, b.render(SubtleStyle, string(rec.ID)))
	return strings.Join(parts, "  ")
}

// Record renders a multi-line detail view of one operation.
func (b *Board) Record(rec *core.OperationRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s  %s\n",
		b.render(ClassBadge(rec.Classification), string(rec.Classification)),
		b.render(SectionStyle, rec.Label()),
		b.render(StatusStyle(rec.Status), string(rec.Status)))
	fmt.Fprintf(&sb, "id:       %s\n", rec.ID)
	fmt.Fprintf(&sb, "type:     %s\n", rec.Type)
	fmt.Fprintf(&sb, "by:       %s\n", rec.CreatedBy)
	if rec.TotalItems > 0 {
		done := rec.CompletedItems + rec.FailedItems
		fmt.Fprintf(&sb, "progress: %s %d/%d (%d failed)\n",
			b.ProgressBar(done, rec.TotalItems), done, rec.TotalItems, rec.FailedItems)
	}
	if rec.HolderHost != "" || rec.HolderPID != 0 {
		fmt.Fprintf(&sb, "holder:   %s pid %d\n", rec.HolderHost, rec.HolderPID)
	}
	fmt.Fprintf(&sb, "%s", b.render(SubtleStyle, b.when(rec)))
	if n := len(rec.ErrorLog); n > 0 {
		last := rec.ErrorLog[n-1]
		fmt.Fprintf(&sb, "\nerrors:   %d, last %s: %s", n, last.ItemID, b.render(FailedStyle, last.Error))
	}
	return sb.String()
}

// ProgressBar renders a fixed-width bar for done out of total.
func (b *Board) ProgressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * progressBarWidth / total
	}
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	if !b.styled {
		return "[" + strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled) + "]"
	}
	return ProgressBarFilledStyle.Render(strings.Repeat("█", filled)) +
		ProgressBarEmptyStyle.Render(strings.Repeat("░", progressBarWidth-filled))
}

func (b *Board) when(rec *core.OperationRecord) string {
	now := b.now()
	switch {
	case rec.CompletedAt != nil:
		return "finished " + Ago(now, *rec.CompletedAt)
	case rec.StartedAt != nil:
		return "started " + Ago(now, *rec.StartedAt)
	default:
		return "queued " + Ago(now, rec.QueuedAt)
	}
}

// Ago formats the time between t and now in the largest whole unit.
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
