package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SpecterOps/CertHound/internal/ad"
	"github.com/SpecterOps/CertHound/internal/adcs"
	"github.com/SpecterOps/CertHound/internal/auditor"
	"github.com/SpecterOps/CertHound/internal/output"
	"github.com/SpecterOps/CertHound/internal/proxydialer"
	"github.com/SpecterOps/CertHound/internal/risk"
)

var (
	version = "1.0.0"

	// Connection options
	domain           string
	domainController string
	ldapUser         string
	ldapPassword     string
	dnsResolver      string

	// Output options
	outputPath string
	verbose    bool

	// Scan options
	rulesDir     string
	technique    string
	skipCAConfig bool
	skipWebProbe bool
	minCount     int
	topN         int

	// Concurrency
	workers int

	// Proxy
	proxyAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "certhound",
		Short: "CertHound: AD CS privilege escalation auditor",
		Long: `CertHound audits an Active Directory Certificate Services deployment for
the ESC technique family: weak enrollment restrictions, dangerous access
control entries, unsafe ownership, insecure CA flags, and missing security
extensions. Findings are attributed to the individual principals that can
exploit them and ranked by exposure.`,
		Version: version,
		RunE:    run,
	}

	// Connection flags
	rootCmd.Flags().StringVarP(&domain, "domain", "d", "", "Domain to audit (DNS name)")
	rootCmd.Flags().StringVar(&domainController, "dc", "", "Domain controller hostname or IP (located via SRV records when omitted)")
	rootCmd.Flags().StringVarP(&ldapUser, "user", "u", "", "LDAP user (DOMAIN\\user or user@domain); current session credentials when omitted on Windows")
	rootCmd.Flags().StringVarP(&ldapPassword, "password", "p", "", "LDAP password")
	rootCmd.Flags().StringVar(&dnsResolver, "dns-resolver", "", "DNS resolver IP address for domain lookups")

	// Output flags
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "certhound.json", "Report file path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Scan flags
	rootCmd.Flags().StringVar(&rulesDir, "rules-dir", "", "Directory with rule table overrides (classification.yaml, danger_rules.yaml, techniques.yaml)")
	rootCmd.Flags().StringVarP(&technique, "technique", "t", "", "Restrict the risk ranking to one technique identifier")
	rootCmd.Flags().BoolVar(&skipCAConfig, "skip-ca-config", false, "Skip live CA configuration queries (SAN flag, audit filter, roles stay unknown)")
	rootCmd.Flags().BoolVar(&skipWebProbe, "skip-web-probe", false, "Skip the HTTP web enrollment probe")
	rootCmd.Flags().IntVar(&minCount, "min-count", 0, "Drop principals with fewer findings from the ranking")
	rootCmd.Flags().IntVar(&topN, "top", 0, "Cap the ranking at N principals (0 = unlimited)")

	// Concurrency flags
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent CA query workers (0 = sequential)")

	// Proxy flags
	rootCmd.Flags().StringVar(&proxyAddr, "proxy", "", "SOCKS5 proxy address (host:port or socks5://[user:pass@]host:port)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger(verbose)
	log.Info().Str("version", version).Msg("CertHound starting")

	if domain == "" && domainController == "" {
		return fmt.Errorf("either --domain or --dc is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dialer proxydialer.ContextDialer
	if proxyAddr != "" {
		var err error
		dialer, err = proxydialer.New(proxyAddr)
		if err != nil {
			return err
		}
		log.Info().Str("proxy", proxyAddr).Msg("SOCKS5 proxy configured")
		if dnsResolver == "" {
			log.Warn().Msg("no DNS resolver specified, DNS resolves locally rather than through the proxy")
		}
	}
	if dnsResolver != "" {
		configureResolver(dnsResolver, dialer)
		log.Info().Str("resolver", dnsResolver).Msg("using custom DNS resolver")
	}

	client := ad.NewClient(domain, domainController, ldapUser, ldapPassword, log)
	if dialer != nil {
		client.SetProxyDialer(dialer)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	log.Info().Str("forest", client.ForestName()).Str("configDN", client.ConfigurationDN()).Msg("connected")

	var caCfg adcs.ConfigClient
	if !skipCAConfig {
		var err error
		caCfg, err = adcs.NewCOMConfigClient(log)
		if err != nil {
			log.Warn().Err(err).Msg("CA configuration queries unavailable, related flags stay unknown")
		}
	}
	var web *adcs.WebEnrollmentProber
	if !skipWebProbe {
		web = adcs.NewWebEnrollmentProber(dialer, log)
	}

	session, err := auditor.NewSession(auditor.Config{
		Workers:      workers,
		RulesDir:     rulesDir,
		SkipCAConfig: skipCAConfig,
		SkipWebProbe: skipWebProbe,
	}, client, caCfg, web, log)
	if err != nil {
		return err
	}

	count, err := session.Run(ctx)
	if err != nil {
		return fmt.Errorf("scan aborted: %w", err)
	}

	ranked, err := session.Ranked(ctx, risk.Options{
		Technique: technique,
		MinCount:  minCount,
		TopN:      topN,
	})
	if err != nil {
		return err
	}

	writer, err := output.NewStreamingWriter(outputPath, client.ForestName())
	if err != nil {
		return err
	}
	for _, f := range session.Findings() {
		if err := writer.WriteFinding(f); err != nil {
			writer.Close()
			return err
		}
	}
	for _, r := range ranked {
		if err := writer.WriteRecord(r); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	log.Info().Int("findings", count).Int("rankedPrincipals", len(ranked)).Str("report", outputPath).Msg("scan completed")
	return nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		TimeFormat: "15:04:05",
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// configureResolver points name resolution at a specific DNS server,
// forcing TCP when a SOCKS5 proxy is in play since SOCKS5 has no UDP
// support worth relying on.
func configureResolver(resolver string, dialer proxydialer.ContextDialer) {
	addr := net.JoinHostPort(resolver, "53")
	var dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
	if dialer != nil {
		dialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	} else {
		dialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, network, addr)
		}
	}
	net.DefaultResolver = &net.Resolver{
		PreferGo: true,
		Dial:     dialFunc,
	}
}
