// Package main is a small command-line entry point for exercising the
// FlexRPC core from a shell: encode a sample AMF3 value and print its
// wire bytes, and drive an HTTP service operation against a live
// endpoint. It is not
// the product — the product is the library under internal/ — but it
// gives a human a way to poke the codec and the HTTP pipeline without
// writing Go.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/amf3"
	"github.com/flexrpc/flexrpc-go/internal/buildinfo"
	"github.com/flexrpc/flexrpc-go/internal/config"
	"github.com/flexrpc/flexrpc-go/internal/httpop"
	"github.com/flexrpc/flexrpc-go/internal/message"
	"github.com/flexrpc/flexrpc-go/internal/token"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		usage()
		return
	}

	switch flag.Arg(0) {
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	case "amf-encode":
		runAMFEncode()
	case "http-get":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: flexrpc-cli http-get <url> [result-format]")
			os.Exit(1)
		}
		format := "text"
		if flag.NArg() >= 3 {
			format = flag.Arg(2)
		}
		runHTTPGet(logger, flag.Arg(1), format)
	case "config-check":
		runConfigCheck(logger, *configPath)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("FlexRPC-Go CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  version       Print build metadata")
	fmt.Println("  amf-encode    Encode a sample AMF3 value and print the wire bytes")
	fmt.Println("  http-get      Issue an HTTP service operation against a URL")
	fmt.Println("  config-check  Load and validate a channel-set config file")
}

// runAMFEncode encodes the integer 99 as a one-element array and
// prints the resulting wire bytes.
func runAMFEncode() {
	registry := amf3.NewAliasRegistry()
	enc := amf3.NewEncoder(registry)
	out, err := enc.Encode(amf3.NewArray(99))
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(out))
}

func runHTTPGet(logger *slog.Logger, url, format string) {
	op := httpop.New(url, format, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	var result any
	var faultErr error

	tok := op.Send(ctx)
	tok.AddResponder(token.ResponderFunc{
		OnResult: func(msg *message.Message) {
			result = msg.Body
			close(done)
		},
		OnFault: func(msg *message.Message) {
			faultErr = fmt.Errorf("%s: %s", msg.FaultCode, msg.FaultString)
			close(done)
		},
	})

	select {
	case <-done:
	case <-ctx.Done():
		logger.Error("http operation timed out", "url", url)
		os.Exit(1)
	}

	if faultErr != nil {
		logger.Error("http operation faulted", "url", url, "error", faultErr)
		os.Exit(1)
	}
	fmt.Printf("%+v\n", result)
}

func runConfigCheck(logger *slog.Logger, explicit string) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Error("no config file found", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config invalid", "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Printf("config OK: %s (%d channel(s), clustered=%v)\n", path, len(cfg.ChannelSet.Channels), cfg.ChannelSet.Clustered)
}
