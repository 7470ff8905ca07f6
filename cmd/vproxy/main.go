// Package main implements the vproxy server CLI.
package main

import (
	"crypto/tls"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vproxy/pkg/connector"
	"vproxy/pkg/proxy"
	httpproxy "vproxy/pkg/proxy/http"
	"vproxy/pkg/proxy/socks5"
)

// CLI banner with version.
const banner = `
 __   ___ __  _ __ _____  ___   _
 \ \ / / '_ \| '__/ _ \ \/ / | | |
  \ V /| |_) | | | (_) >  <| |_| |
   \_/ | .__/|_|  \___/_/\_\ \__,|
       |_|                  |___/

   CIDR-bound forward proxy (v1.0)
   -------------------------------

`

const version = "1.0"

// main is the entry point for the application.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with a console writer. The level comes
// from VPROXY_LOG and defaults to info.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	level := zerolog.InfoLevel
	if v := os.Getenv("VPROXY_LOG"); v != "" {
		parsed, err := zerolog.ParseLevel(v)
		if err != nil {
			log.Warn().Str("VPROXY_LOG", v).Msg("Unknown log level, using info")
		} else {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

// setupCLI initializes the command-line interface.
func setupCLI() *grumble.App {
	app := grumble.New(&grumble.Config{
		Name:        "vproxy",
		Description: "forward proxy with CIDR source-address selection",
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	return app
}

// AddCommands registers the run command with its per-protocol
// subcommands.
func AddCommands(app *grumble.App) {
	run := &grumble.Command{
		Name: "run",
		Help: "run a proxy server",
	}
	run.AddCommand(serverCommand("http", "HTTP proxy server"))
	run.AddCommand(serverCommand("https", "HTTP proxy server behind TLS"))
	run.AddCommand(serverCommand("socks5", "SOCKS5 proxy server"))
	app.AddCommand(run)
}

// serverCommand builds the subcommand for one front-end kind.
func serverCommand(kind, help string) *grumble.Command {
	return &grumble.Command{
		Name: kind,
		Help: help,
		Flags: func(f *grumble.Flags) {
			f.String("b", "bind", "0.0.0.0:1080", "listen address")
			f.Int("T", "connect-timeout", 10, "upstream connect timeout in seconds")
			f.Int("c", "concurrent", proxy.DefaultConcurrent, "maximum concurrent connections")
			f.String("i", "cidr", "", "source IP CIDR, e.g. 2001:db8::/32")
			f.Uint("r", "cidr-range", 0, "sub-block prefix length for range extensions")
			f.String("f", "fallback", "", "fallback source IP")
			f.String("u", "username", "", "authentication username")
			f.String("p", "password", "", "authentication password")
			if kind == "https" {
				f.String("C", "tls-cert", "", "TLS certificate file")
				f.String("K", "tls-key", "", "TLS private key file")
			}
		},
		Run: func(c *grumble.Context) error {
			return runServer(kind, c)
		},
	}
}

// runServer builds the connector and front-end from flags and serves until
// SIGINT/SIGTERM.
func runServer(kind string, c *grumble.Context) error {
	cfg := connector.Config{
		ConnectTimeout: time.Duration(c.Flags.Int("connect-timeout")) * time.Second,
	}
	if s := c.Flags.String("cidr"); s != "" {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("invalid cidr %q: %v", s, err)
		}
		cfg.CIDR = p.Masked()
	}
	if r := c.Flags.Uint("cidr-range"); r > 0 {
		if r > 128 {
			return fmt.Errorf("invalid cidr-range %d", r)
		}
		cfg.CIDRRange = uint8(r)
	}
	if s := c.Flags.String("fallback"); s != "" {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid fallback address %q: %v", s, err)
		}
		cfg.Fallback = a.Unmap()
	}

	pctx := proxy.Context{
		Bind:           c.Flags.String("bind"),
		Concurrent:     int64(c.Flags.Int("concurrent")),
		ConnectTimeout: cfg.ConnectTimeout,
		Auth: proxy.Auth{
			Username: c.Flags.String("username"),
			Password: c.Flags.String("password"),
		},
		Connector: connector.New(cfg),
		Tracker:   proxy.NewTracker(),
	}

	var handler proxy.Handler
	switch kind {
	case "http":
		handler = httpproxy.NewHandler(pctx)
	case "https":
		cert, err := loadCertificate(c)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %v", err)
		}
		handler = httpproxy.NewTLSHandler(httpproxy.NewHandler(pctx), cert)
	case "socks5":
		handler = socks5.NewHandler(pctx)
	}

	server := proxy.NewServer(pctx, handler)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %v", pctx.Bind, err)
	}

	log.Info().
		Str("os", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("version", version).
		Msg("Starting vproxy")
	c.App.Println(renderConfigTable(kind, pctx))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		server.Stop()
	}()

	log.Info().
		Str("proxy", kind).
		Str("bind", server.Addr().String()).
		Msg("Proxy started")

	err := server.Serve()
	c.App.Println(pctx.Tracker.Summary())
	return err
}

// loadCertificate loads the configured certificate pair, generating a
// self-signed one when none is given.
func loadCertificate(c *grumble.Context) (tls.Certificate, error) {
	certFile := c.Flags.String("tls-cert")
	keyFile := c.Flags.String("tls-key")
	if certFile != "" && keyFile != "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}
	log.Warn().Msg("No TLS certificate configured, generating a self-signed one")
	return httpproxy.SelfSignedCertificate("vproxy")
}

// renderConfigTable formats the effective configuration for startup
// output.
func renderConfigTable(kind string, pctx proxy.Context) string {
	cfg := pctx.Connector.Config()

	cidr := "-"
	if cfg.CIDR.IsValid() {
		cidr = cfg.CIDR.String()
	}
	cidrRange := "-"
	if cfg.CIDRRange > 0 {
		cidrRange = fmt.Sprintf("/%d", cfg.CIDRRange)
	}
	fallback := "-"
	if cfg.Fallback.IsValid() {
		fallback = cfg.Fallback.String()
	}
	auth := "disabled"
	if pctx.Auth.Enabled() {
		auth = "basic"
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value"})
	t.AppendRow(table.Row{"Proxy", kind})
	t.AppendRow(table.Row{"Bind", pctx.Bind})
	t.AppendRow(table.Row{"Concurrent", fmt.Sprintf("%d", pctx.Concurrent)})
	t.AppendRow(table.Row{"Connect timeout", cfg.ConnectTimeout.String()})
	t.AppendRow(table.Row{"CIDR", cidr})
	t.AppendRow(table.Row{"CIDR range", cidrRange})
	t.AppendRow(table.Row{"Fallback", fallback})
	t.AppendRow(table.Row{"Auth", auth})
	return t.Render()
}
