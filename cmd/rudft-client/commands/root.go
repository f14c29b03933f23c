package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudft/rudft/pkg/client"
	"github.com/rudft/rudft/pkg/receiver"
	"github.com/rudft/rudft/pkg/util/env"
	"github.com/rudft/rudft/pkg/util/pathutil"
)

// Exit codes.
const (
	codeOK          = 0
	codeInvalidArgs = 1
	codeTransfer    = 3
	codeServerErr   = 4
)

var (
	loss   int
	outDir string
)

var rootCmd = &cobra.Command{
	Use:   "rudft-client",
	Short: "Fetch files over reliable UDP",
}

var getCmd = &cobra.Command{
	Use:     "get [host:port/name]",
	Aliases: []string{"GET"},
	Short:   "Download one file from a server",
	Args:    cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(runGet(args[0]))
	},
}

func init() {
	getCmd.Flags().IntVarP(&loss, "loss", "l", 0, "artificial receive loss in percent, 0-100")
	getCmd.Flags().StringVarP(&outDir, "out", "o", "", "directory received files are written to")
	rootCmd.AddCommand(getCmd)
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runGet(targetArg string) int {
	logger := logrus.New().WithField("tag", "rudft")

	if loss < 0 || loss > 100 {
		fmt.Fprintf(os.Stderr, "invalid --loss %d: want an integer in 0-100\n", loss)
		return codeInvalidArgs
	}
	target, err := client.ParseTarget(targetArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeInvalidArgs
	}

	dir := outDir
	if dir == "" {
		if dir, err = pathutil.ReceiveDir(); err != nil {
			logger.Errorf("Failed to resolve receive directory: %v", err)
			return codeTransfer
		}
	}
	if err := pathutil.EnsureDir(dir); err != nil {
		logger.Errorf("Failed to create receive directory %q: %v", dir, err)
		return codeTransfer
	}

	outPath := pathutil.UniquePath(dir, target.Name)
	f, err := os.Create(outPath)
	if err != nil {
		logger.Errorf("Failed to create %q: %v", outPath, err)
		return codeTransfer
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	ccfg := client.DefaultConfig()
	ccfg.Receiver.LossPct = loss
	ccfg.Receiver.GapScanInterval = env.Duration("RUDFT_GAP_SCAN_INTERVAL", ccfg.Receiver.GapScanInterval)
	ccfg.Receiver.IdleTimeout = env.Duration("RUDFT_IDLE_TIMEOUT", ccfg.Receiver.IdleTimeout)
	ccfg.Receiver.MaxResendBatch = env.Int("RUDFT_MAX_RESEND_BATCH", ccfg.Receiver.MaxResendBatch)

	res, err := client.Fetch(ctx, logger, ccfg, target, f, nil)

	closeErr := f.Close()
	if err != nil {
		os.Remove(outPath) //nolint:errcheck
		logger.Errorf("Transfer failed: %v", err)
		if _, ok := err.(*receiver.ServerError); ok {
			return codeServerErr
		}
		return codeTransfer
	}
	if closeErr != nil {
		logger.Errorf("Failed to flush %q: %v", outPath, closeErr)
		return codeTransfer
	}

	logger.Infof("Saved %d bytes to %s", res.Bytes, filepath.Clean(outPath))
	return codeOK
}
