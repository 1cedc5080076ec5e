package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marci1175/szechat/server/internal/blob"
	"github.com/marci1175/szechat/server/internal/settings"
)

var (
	flagDB           string
	flagAddr         string
	flagHTTPAddr     string
	flagBlobDir      string
	flagPassword     string
	flagIdleTimeout  time.Duration
	flagCertValidity time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "szechat-server",
		Short: "szechat core server: control protocol, sync, and voice/video relay",
	}
	root.PersistentFlags().StringVar(&flagDB, "db", "szechat.db", "settings database path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSettingsCmd())
	root.AddCommand(newBackupCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "component", "cli", "err", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the server",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&flagAddr, "addr", ":8443", "QUIC/WebTransport listen address")
	cmd.Flags().StringVar(&flagHTTPAddr, "http-addr", ":8080", "HTTP byte-retrieval listen address (empty to disable)")
	cmd.Flags().StringVar(&flagBlobDir, "blob-dir", "blobs", "directory for content-addressed uploaded blobs")
	cmd.Flags().StringVar(&flagPassword, "password", "", "optional connect password")
	cmd.Flags().DurationVar(&flagIdleTimeout, "idle-timeout", idleSessionTimeout, "QUIC idle timeout")
	cmd.Flags().DurationVar(&flagCertValidity, "cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := settings.New(flagDB)
	if err != nil {
		return fmt.Errorf("server: open settings store: %w", err)
	}
	defer store.Close()

	serverName, _, err := store.Get("server_name")
	if err != nil {
		return fmt.Errorf("server: read server name: %w", err)
	}

	blobs, err := blob.NewStore(flagBlobDir)
	if err != nil {
		return fmt.Errorf("server: open blob store: %w", err)
	}
	blobStore = blobs

	hostname := ""
	if host, _, err := net.SplitHostPort(flagAddr); err == nil && host != "" {
		hostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(flagCertValidity, hostname)
	if err != nil {
		return fmt.Errorf("server: generate tls config: %w", err)
	}
	slog.Info("tls certificate generated", "component", "server", "fingerprint", fingerprint)

	state := NewServerState(serverName)
	state.SetOnRename(func(name string) error {
		return store.Set("server_name", name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down", "component", "server")
		cancel()
	}()

	go RunMetrics(ctx, state, 5*time.Second)

	if flagHTTPAddr != "" {
		httpAPI := NewHTTPAPI(flagHTTPAddr, state, blobs)
		go func() {
			if err := httpAPI.Run(ctx); err != nil {
				slog.Error("http api stopped", "component", "httpapi", "err", err)
			}
		}()
		slog.Info("http api listening", "component", "httpapi", "addr", flagHTTPAddr)
	}

	srv := NewServer(flagAddr, tlsConfig, state, flagPassword, flagIdleTimeout)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: run: %w", err)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the persisted server name and settings database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.New(flagDB)
			if err != nil {
				return fmt.Errorf("server: open settings store: %w", err)
			}
			defer store.Close()

			name, ok, err := store.Get("server_name")
			if err != nil {
				return fmt.Errorf("server: read server name: %w", err)
			}
			if !ok {
				name = "(unset)"
			}
			fmt.Printf("server_name: %s\n", name)
			fmt.Printf("settings db: %s\n", flagDB)
			return nil
		},
	}
}

func newSettingsCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "view or change persisted server settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.New(flagDB)
			if err != nil {
				return fmt.Errorf("server: open settings store: %w", err)
			}
			defer store.Close()

			if name == "" {
				current, _, err := store.Get("server_name")
				if err != nil {
					return fmt.Errorf("server: read server name: %w", err)
				}
				fmt.Println(current)
				return nil
			}
			if err := store.Set("server_name", name); err != nil {
				return fmt.Errorf("server: set server name: %w", err)
			}
			fmt.Printf("server_name set to %q\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new server display name (omit to print the current name)")
	return cmd
}

func newBackupCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "copy the settings database to a backup path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("server: --out is required")
			}
			return copyFile(flagDB, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "backup destination path")
	return cmd
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("server: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("server: create backup dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("server: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return fmt.Errorf("server: copy: %w", err)
	}
	return nil
}
