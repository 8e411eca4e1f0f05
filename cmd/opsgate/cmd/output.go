package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

// resolveOutputMode combines --output, --quiet and --no-color with terminal
// detection.
func resolveOutputMode() tui.OutputMode {
	if quiet {
		return tui.ModeQuiet
	}
	d := tui.NewDetector().NoColor(noColor)
	if outputMode != "" {
		d.ForceMode(tui.ParseOutputMode(outputMode))
	}
	return d.Detect()
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printStructured writes v as JSON or YAML and reports whether the mode was
// a structured one.
func printStructured(w io.Writer, mode tui.OutputMode, v interface{}) (bool, error) {
	switch mode {
	case tui.ModeJSON:
		return true, outputJSON(w, v)
	case tui.ModeYAML:
		return true, outputYAML(w, v)
	}
	return false, nil
}

// printRecord renders one operation in the selected mode.
func printRecord(w io.Writer, rec *core.OperationRecord) error {
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, rec); ok {
		return err
	}
	if mode == tui.ModeQuiet {
		_, err := fmt.Fprintln(w, rec.ID)
		return err
	}
	_, err := fmt.Fprintln(w, tui.NewBoard(mode == tui.ModeStyled).Record(rec))
	return err
}

// printViews renders the operation panel in the selected mode.
func printViews(w io.Writer, views observer.Views) error {
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, views); ok {
		return err
	}
	if mode == tui.ModeQuiet {
		if b := views.Blocker(); b != nil {
			_, err := fmt.Fprintln(w, b.ID)
			return err
		}
		return nil
	}
	_, err := fmt.Fprint(w, tui.NewBoard(mode == tui.ModeStyled).Views(views))
	return err
}
