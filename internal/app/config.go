package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/reliq/internal/config"
)

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: fmt | validate")
		return 2
	}

	switch args[0] {
	case "fmt":
		return configFormat(args[1:], stdout, stderr)
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath, "path to config file")
	write := fs.Bool("w", false, "write result to the config file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	out, err := config.Format(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if *write {
		if err := writeFileAtomic(*configPath, out); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		return 0
	}
	_, _ = stdout.Write(out)
	return 0
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	cfg, err := config.ReadFile(*configPath)
	if err != nil {
		return configValidateError(*format, err.Error(), stderr)
	}

	_, res := config.Compile(cfg)
	if *format == "text" {
		msg := config.FormatValidationText(res)
		if res.OK {
			fmt.Fprintln(stdout, msg)
			return 0
		}
		fmt.Fprintln(stderr, msg)
		return 1
	}

	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if res.OK {
		fmt.Fprintln(stdout, out)
		return 0
	}
	fmt.Fprintln(stderr, out)
	return 1
}

// configValidateError emits a validation failure in the requested format.
func configValidateError(format, msg string, stderr io.Writer) int {
	res := config.ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, msg)
		return 1
	}
	fmt.Fprintln(stderr, out)
	return 1
}
