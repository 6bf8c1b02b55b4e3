// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	missingRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newPlainTable returns a table whose first row is styled as a header, if withHeader is set.
func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *tableWithMissing {
	t := &tableWithMissing{missing: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case withHeader && row == 0:
				return headerRowStyle
			case t.missing[row]:
				s = missingRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// tableWithMissing highlights the rows of tensors missing from the graph.
type tableWithMissing struct {
	*lgtable.Table
	count   int
	missing map[int]bool
}

// Row appends a row.
func (t *tableWithMissing) Row(row ...string) {
	t.Table.Row(row...)
	t.count++
}

// MissingRow appends a highlighted row.
func (t *tableWithMissing) MissingRow(row ...string) {
	t.missing[t.count] = true
	t.Row(row...)
}
