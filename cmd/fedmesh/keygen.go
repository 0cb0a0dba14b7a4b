package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fedmesh/pkg/config"
	"fedmesh/pkg/identity"
)

func keygenCmd() *cobra.Command {
	var (
		dataDir   string
		directory bool
		out       string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show identity keys",
		Long: `Without flags, loads (or creates on first run) this server's identity
under the data directory and prints its server ID and public key.
With --directory, generates a fresh Ed25519 keypair for the directory
service instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if directory {
				return generateDirectoryKey(out)
			}

			if dataDir == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				dataDir = cfg.Node.DataDir
			}
			id, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return err
			}
			fmt.Println("server id: ", id.ServerID)
			fmt.Println("node id:   ", id.NodeID)
			fmt.Println("public key:", hex.EncodeToString(id.Public))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "data directory to keep the identity in")
	cmd.Flags().BoolVar(&directory, "directory", false, "generate a directory service keypair")
	cmd.Flags().StringVarP(&out, "out", "o", "directory.key", "private key output file (with --directory)")
	return cmd
}

func generateDirectoryKey(out string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	fmt.Println("private key written to", out)
	fmt.Println("public key:", hex.EncodeToString(pub))
	fmt.Println("set bootstrap.directory_public_key to the public key on every server")
	return nil
}
