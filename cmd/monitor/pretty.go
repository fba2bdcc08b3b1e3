package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
)

var levelStyles = map[string]lipgloss.Style{
	"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
}

var (
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	fieldKeyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

// prettyPrintLines reads JSON-lines log records from r and renders each
// as a single colorized line on w: timestamp, level, component, message,
// and any remaining fields as key=value pairs sorted by key. A line that
// doesn't parse as a log record is passed through verbatim.
func prettyPrintLines(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		fmt.Fprintln(w, formatRecord(rec))
	}
	return scanner.Err()
}

func formatRecord(rec map[string]any) string {
	level, _ := rec["level"].(string)
	style, ok := levelStyles[level]
	if !ok {
		style = levelStyles["INFO"]
	}

	ts, _ := rec["timestamp"].(string)
	component, _ := rec["component"].(string)
	msg, _ := rec["msg"].(string)

	out := timestampStyle.Render(ts) + " " + style.Render(fmt.Sprintf("%-5s", level))
	if component != "" {
		out += " " + componentStyle.Render("["+component+"]")
	}
	out += " " + msg

	var keys []string
	for k := range rec {
		switch k {
		case "timestamp", "level", "component", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out += " " + fieldKeyStyle.Render(fmt.Sprintf("%s=%v", k, rec[k]))
	}
	return out
}
