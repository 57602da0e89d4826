package app

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/commandfeed/internal/config"
)

const defaultConfigPath = "./Commandfeedfile"

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: fmt | validate | diff")
		return 2
	}

	switch args[0] {
	case "fmt":
		return configFormat(args[1:])
	case "validate":
		return configValidate(args[1:], os.Stdout, os.Stderr)
	case "diff":
		return configDiff(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configFormat(args []string) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := readConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	out, err := config.Format(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	_, _ = os.Stdout.Write(out)
	return 0
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	strictSecrets := fs.Bool("strict-secrets", false, "load and verify all configured secret refs during validation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	var res config.ValidationResult
	cfg, err := readConfig(*configPath)
	if err != nil {
		res = config.ValidationResult{Errors: []string{err.Error()}}
	} else {
		res = config.ValidateWithResultOptions(cfg, config.ValidationOptions{
			SecretPreflight: *strictSecrets,
		})
	}

	out := config.FormatValidationText(res)
	if *format == "json" {
		js, err := config.FormatValidationJSON(res)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		out = js
	}
	if res.OK {
		fmt.Fprintln(stdout, out)
		return 0
	}
	fmt.Fprintln(stderr, out)
	return 1
}

// configDiff compiles two config files and lists the blocks that differ.
// It exits 1 when anything changed, like diff(1).
func configDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: commandfeed config diff <old> <new>")
		return 2
	}

	compiled := make([]config.Compiled, 2)
	for i, path := range fs.Args() {
		c, err := loadCompiled(path)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 2
		}
		compiled[i] = c
	}

	changed := config.ChangedBlocks(compiled[0], compiled[1])
	if len(changed) == 0 {
		return 0
	}
	fmt.Fprintf(stdout, "changed: %s\n", strings.Join(changed, ", "))
	if restart := config.RestartRequired(compiled[0], compiled[1]); len(restart) > 0 {
		fmt.Fprintf(stdout, "restart required: %s\n", strings.Join(restart, ", "))
	}
	return 1
}

func readConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.Parse(data)
}

// loadCompiled parses and compiles path, folding validation errors into one
// error.
func loadCompiled(path string) (config.Compiled, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return config.Compiled{}, err
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		return config.Compiled{}, fmt.Errorf("%s: invalid config: %s", path, strings.Join(res.Errors, "; "))
	}
	return compiled, nil
}
