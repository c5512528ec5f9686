// Package api renders command results for the terminal.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// DefaultOutput is the default output format.
var DefaultOutput OutputFormat = OutputFormatText

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat OutputFormat = DefaultOutput

// TextRenderer is implemented by results with a human-readable form.
// Values without one are written as YAML in text mode.
type TextRenderer interface {
	RenderText(w io.Writer) error
}

// SetOutputFormat sets the global output format.
func SetOutputFormat(format string) error {
	switch OutputFormat(format) {
	case OutputFormatText, OutputFormatYAML, OutputFormatJSON:
		globalOutputFormat = OutputFormat(format)
		return nil
	case "":
		globalOutputFormat = DefaultOutput
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", format)
	}
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputTo writes data to the given writer in the specified format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatText:
		if r, ok := data.(TextRenderer); ok {
			return r.RenderText(w)
		}
		return OutputTo(w, OutputFormatYAML, data)
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// IsStructuredOutput reports whether output is machine-readable. Commands
// print progress chatter only when it is not.
func IsStructuredOutput() bool {
	return globalOutputFormat == OutputFormatJSON || globalOutputFormat == OutputFormatYAML
}
