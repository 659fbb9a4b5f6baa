package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warpsign/warpsign/internal/config"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

var (
	cfgFile string
	verbose bool
	color   bool
)

var rootCmd = &cobra.Command{
	Use:   "warpsign",
	Short: "Re-sign an iOS app against your own Apple Developer account",
}

// Execute adds every subcommand to rootCmd, runs it under a context
// cancelled on SIGINT/SIGTERM (so a run interrupted mid-pipeline exits
// via the cancellation path rather than an ambiguous signer/portal
// error), and maps the returned error to the exit code spec §6 names.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <WARPSIGN_HOME>/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&color, "color", false, "colorize output")
	rootCmd.PersistentFlags().String("proxy", "", "HTTP/HTTPS proxy for Developer Portal requests")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip TLS certificate verification (debugging only)")
	rootCmd.PersistentFlags().String("team", "", "team ID to sign with, required when the account belongs to more than one team")
	_ = viper.BindPFlag("proxy", rootCmd.PersistentFlags().Lookup("proxy"))
	_ = viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))

	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(signCICmd)
	rootCmd.AddCommand(setupCmd)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func initConfig() {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := config.Init(viper.GetViper(), cfgFile); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
}

// exitCode maps err to the process exit code named in spec §6: 0 success
// (never reached here), 1 user error, 2 portal/auth failure, 3 signing
// failure, 4 cancellation.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 4
	}
	we, ok := warpsignerrors.As(err)
	if !ok {
		return 1
	}
	switch we.Kind {
	case warpsignerrors.KindUser, warpsignerrors.KindBundle:
		return 1
	case warpsignerrors.KindAuth, warpsignerrors.KindPortal:
		return 2
	case warpsignerrors.KindSigner:
		return 3
	default:
		return 1
	}
}

func warpsignHome() string {
	dir, err := config.Dir()
	if err != nil {
		return filepath.Join(os.Getenv("HOME"), ".warpsign")
	}
	return dir
}
