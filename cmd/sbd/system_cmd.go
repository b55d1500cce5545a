package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/client"
	"github.com/alfredjeanlab/switchboard/internal/config"
	"github.com/alfredjeanlab/switchboard/internal/server"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of a running gateway",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if grpcAddr != "" {
			hc, err := client.NewGRPCHealthClient(grpcAddr)
			if err != nil {
				return err
			}
			defer hc.Close()
			status, err := hc.Check(ctx, server.ServiceName)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]string{"status": status})
			} else {
				fmt.Printf("Health: %s\n", status)
			}
			if status != "SERVING" {
				return fmt.Errorf("unhealthy: %s", status)
			}
			return nil
		}

		hs, err := eventsClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			printJSON(hs)
		} else {
			fmt.Printf("Health: %s\n", hs.Status)
			names := make([]string, 0, len(hs.Failing))
			for name := range hs.Failing {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s: %s\n", name, hs.Failing[name])
			}
		}
		if hs.Status != "ok" {
			return fmt.Errorf("unhealthy: %s", hs.Status)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <user-id>",
	Short:   "Mint a user JWT for development",
	GroupID: "system",
	Args:    cobra.ExactArgs(1),
	// Runs offline; no API client needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		path, _ := cmd.Flags().GetString("config")

		secret := os.Getenv("SWITCHBOARD_JWT_SECRET")
		if path != "" {
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			secret = cfg.JWTSecret
		}
		if secret == "" {
			return fmt.Errorf("SWITCHBOARD_JWT_SECRET is required")
		}

		tok, err := auth.NewVerifier(secret).Mint(args[0], ttl)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	healthCmd.Flags().String("grpc", "", "query the gRPC health service at this address instead of HTTP")

	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("config", "", "read the secret from this TOML config file")
}
