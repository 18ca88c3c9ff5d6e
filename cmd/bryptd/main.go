package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"brypt/internal/envelope"
	"brypt/internal/identifier"
	"brypt/internal/runtime"
	"brypt/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "bryptd"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(identifierCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a brypt node and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.StandardLogger()

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			rt, err := runtime.Setup(*cfg, echoHandler, log)
			if err != nil {
				return fmt.Errorf("runtime: %w", err)
			}
			log.Infof("bryptd: node %s online", rt.Self.Encode())

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay to merge (e.g. dev, prod)")
	return cmd
}

// echoHandler is the default RequestHandler wired for a bare node: it echoes
// the request payload back with an OK status. Applications embedding the
// runtime package supply their own handler in place of this one.
func echoHandler(from identifier.ID, e envelope.Envelope) ([]byte, envelope.StatusCode) {
	return e.Payload, envelope.StatusOK
}

func identifierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identifier",
		Short: "generate or inspect brypt node identifiers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "generate a new random node identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identifier.Generate()
			if err != nil {
				return err
			}
			fmt.Println(id.Encode())
			return nil
		},
	})
	inspect := &cobra.Command{
		Use:   "inspect [identifier]",
		Short: "validate and print the canonical form of an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identifier.Decode(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (short: %s)\n", id.Encode(), id.Short())
			return nil
		},
	}
	cmd.AddCommand(inspect)
	return cmd
}
