// Command loadtest drives a running matchcore server with simulated users.
//
//	loadtest saturate  opens N idle authenticated connections
//	loadtest chat      forms matches over HTTP and exchanges messages
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/matchcore/internal/auth"
)

type commonFlags struct {
	baseURL     string
	secret      string
	issuer      string
	rampUp      time.Duration
	concurrency int
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.baseURL, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&f.secret, "signing-secret", os.Getenv("MATCHCORE_AUTH_SIGNING_SECRET"), "Session signing secret shared with the server")
	cmd.Flags().StringVar(&f.issuer, "issuer", "matchcore-auth", "Session token issuer")
	cmd.Flags().DurationVar(&f.rampUp, "ramp", 10*time.Second, "Ramp-up duration")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts")
}

func (f *commonFlags) tokens() *auth.TokenIssuer {
	return auth.NewTokenIssuer(auth.Config{SigningSecret: []byte(f.secret), Issuer: f.issuer}, 2*time.Hour)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test a matchcore server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(saturateCommand(), chatCommand())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
