// mandryctl is a terminal client for a running Mandry server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mandryctl",
		Short:         "Talk to a Mandry visa assistant server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("server", envOr("MANDRY_SERVER", "http://localhost:"+envOr("PORT", "8080")), "Server base URL")
	root.PersistentFlags().String("session", "default", "Conversation id sent as the session header")
	root.PersistentFlags().String("id-file", defaultIDFile(), "File holding the anonymous id cookie (empty disables persistence)")
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "Per-request timeout")

	root.AddCommand(newChatCmd(), newProfileCmd(), newHealthCmd())
	return root
}

func clientFromFlags(cmd *cobra.Command) (*client, error) {
	server, _ := cmd.Flags().GetString("server")
	session, _ := cmd.Flags().GetString("session")
	idFile, _ := cmd.Flags().GetString("id-file")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return newClient(server, session, idFile, timeout)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func defaultIDFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mandry", "anon_id")
}
