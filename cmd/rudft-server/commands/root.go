package commands

import (
	"context"
	"fmt"
	"log"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/spf13/cobra"

	"github.com/rudft/rudft/pkg/server"
	"github.com/rudft/rudft/pkg/transfer"
	"github.com/rudft/rudft/pkg/util/env"
)

// Exit codes.
const (
	codeOK       = 0
	codeInternal = 1
	codeBind     = 2
)

type runCfg struct {
	dir        string
	statusAddr string
	translog   string
	syslogAddr string
	tag        string
	profMode   string
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "rudft-server [port]",
	Short: "Serve a directory of files over reliable UDP",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(run(args[0]))
	},
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.dir, "dir", "d", "files", "directory served to clients")
	rootCmd.Flags().StringVarP(&cfg.statusAddr, "status-addr", "", "", "optional HTTP status API address, e.g. localhost:8080")
	rootCmd.Flags().StringVarP(&cfg.translog, "translog", "", "", "optional bbolt database for transfer logs")
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "rudft", "logging tag")
	rootCmd.Flags().StringVarP(&cfg.profMode, "profile", "p", "none", "enable profiling with pprof. Mode: none or one of: [cpu, mem, block]")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(portArg string) int {
	port, err := strconv.Atoi(portArg)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q: want a decimal integer in 1-65535\n", portArg)
		return codeInternal
	}

	logger := startLogger()

	if stop := startProfiler(logger); stop != nil {
		defer stop()
	}

	scfg := server.DefaultConfig()
	scfg.Addr = fmt.Sprintf(":%d", port)
	scfg.Dir = cfg.dir
	scfg.Sender.RetransmitTimeout = env.Duration("RUDFT_RETRANSMIT_TIMEOUT", scfg.Sender.RetransmitTimeout)
	scfg.Sender.MaxRetries = env.Int("RUDFT_MAX_RETRIES", scfg.Sender.MaxRetries)
	scfg.Sender.LingerWindow = env.Duration("RUDFT_LINGER_WINDOW", scfg.Sender.LingerWindow)
	scfg.Sender.SendPacing = env.Duration("RUDFT_SEND_PACING", scfg.Sender.SendPacing)

	var store transfer.LogStore
	if cfg.translog != "" {
		store, err = transfer.BoltLogStore(cfg.translog)
		if err != nil {
			logger.Errorf("Failed to open transfer log %q: %v", cfg.translog, err)
			return codeInternal
		}
	}

	srv, err := server.New(logger, scfg, store)
	if err != nil {
		logger.Errorf("Failed to bind udp port %d: %v", port, err)
		return codeBind
	}

	if cfg.statusAddr != "" {
		go func() {
			logger.Infof("status API on http://%s", cfg.statusAddr)
			if err := http.ListenAndServe(cfg.statusAddr, server.APIHandler(srv)); err != nil {
				logger.Warnf("status API stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		s := <-ch
		logger.Infof("Received signal %s: terminating", s)
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		logger.Errorf("Server failed: %v", err)
		return codeInternal
	}
	return codeOK
}

func startLogger() *logrus.Entry {
	l := logrus.New()
	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			l.Error("Unable to connect to syslog daemon:", err)
		} else {
			l.AddHook(hook)
		}
	}
	return l.WithField("tag", cfg.tag)
}

func startProfiler(logger *logrus.Entry) func() {
	var option func(*profile.Profile)
	switch cfg.profMode {
	case "none":
		return nil
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "block":
		option = profile.BlockProfile
	default:
		logger.Warnf("unknown profile mode %q, profiling disabled", cfg.profMode)
		return nil
	}
	return profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
}
