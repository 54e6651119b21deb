// Command matsend runs the drip-feed serial sender daemon: it streams
// uploaded G-code files to a Matsuura MX3 controller over RS-232 and
// exposes a JSON-over-TCP command/status protocol for the upload UI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/jessevdk/go-flags"

	"github.com/curtwelch/matsend/internal/config"
	"github.com/curtwelch/matsend/internal/daemon"
	"github.com/curtwelch/matsend/internal/serialio"
)

// cliOptions are applied on top of the environment/.env config; any flag
// left at its zero value leaves the corresponding config field untouched.
type cliOptions struct {
	Port    string `long:"port" description:"serial device path, overrides SERIAL_PORT_NAME"`
	TCPPort int    `long:"tcp-port" description:"control socket port, overrides SERIAL_TCP_PORT"`
	Uploads string `long:"uploads" description:"upload directory, overrides UPLOAD_PATH"`
	Verbose bool   `long:"verbose" description:"enable debug logging"`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts := cliOptions{}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	applyOverrides(&cfg, opts)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	ln, err := daemon.Listen(cfg.TCPPort)
	if err != nil {
		logger.Error("cannot bind control socket", "port", cfg.TCPPort, "err", err)
		return 1
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := serialio.New(cfg.SerialPortName)
	d := daemon.New(port, cfg.UploadPath, logger)

	logger.Info("matsend starting",
		"serial_port", cfg.SerialPortName,
		"tcp_port", cfg.TCPPort,
		"upload_path", cfg.UploadPath,
	)

	if err := d.Run(ctx, ln); err != nil {
		logger.Error("daemon exited with error", "err", err)
		return 1
	}
	return 0
}

func applyOverrides(cfg *config.Config, opts cliOptions) {
	if opts.Port != "" {
		cfg.SerialPortName = opts.Port
	}
	if opts.TCPPort != 0 {
		cfg.TCPPort = opts.TCPPort
	}
	if opts.Uploads != "" {
		cfg.UploadPath = opts.Uploads
	}
	if opts.Verbose {
		cfg.Verbose = true
	}
}
