// heapwire CLI - sends values through isolate ports, inspects message
// envelopes and exercises the compactor
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/heapwire/config"
)

func main() {
	configPath := flag.String("config", "", "Configuration file (default: heapwire.toml found from the current directory)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: heapwire [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  send     Post a CBOR value to an isolate and write the resulting message envelope\n")
		fmt.Fprintf(os.Stderr, "  recv     Decode a message envelope and print its value\n")
		fmt.Fprintf(os.Stderr, "  compact  Fragment a heap, collect it and print compaction statistics\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  heapwire send -in value.cbor -out msg.cbor\n")
		fmt.Fprintf(os.Stderr, "  heapwire recv -in msg.cbor\n")
		fmt.Fprintf(os.Stderr, "  heapwire -v compact -objects 100000 -survive 0.25\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	verbosity := cfg.Log.Verbosity
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	commonlog.Configure(verbosity, cfg.LogFile())
	if *verbose && cfg.Path != "" {
		fmt.Printf("Using configuration %s\n", cfg.Path)
	}

	args := flag.Args()
	switch args[0] {
	case "send":
		err = handleSendCommand(cfg, args[1:], *verbose)
	case "recv":
		err = handleRecvCommand(cfg, args[1:], *verbose)
	case "compact":
		err = handleCompactCommand(cfg, args[1:], *verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or the nearest heapwire.toml when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// readInput reads a file, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// writeOutput writes a file, or stdout when path is "-".
func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
