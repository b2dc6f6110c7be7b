package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DoubleLatte/ntp/crypto"
	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/update"
)

var (
	sourceDir  string
	outDir     string
	pkgVersion string
	pkgKind    string
	keyPath    string
	pubPath    string
)

var rootCmd = &cobra.Command{
	Use:   "ntp-pack",
	Short: "Package and sign an update artifact for distribution",
	Long: `ntp-pack zips a build tree into a versioned update artifact, signs it
with an Ed25519 key, and writes the metadata sidecar that nodes use to
publish the update.

Examples:
  ntp-pack --source ./dist --out ./updates --release 1.4.0 --key signing.pem
  ntp-pack --source ./theme --out ./updates --release 2.0.0 --kind custom`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPack,
}

func init() {
	rootCmd.Flags().StringVar(&sourceDir, "source", "", "directory tree to package")
	rootCmd.Flags().StringVar(&outDir, "out", ".", "output directory for the artifact and metadata")
	rootCmd.Flags().StringVar(&pkgVersion, "release", "", "semantic version of the update")
	rootCmd.Flags().StringVar(&pkgKind, "kind", models.UpdateKindPrimary, "update kind (primary or custom)")
	rootCmd.Flags().StringVar(&keyPath, "key", "", "Ed25519 private key PEM (generated if missing)")
	rootCmd.Flags().StringVar(&pubPath, "pub", "", "public key PEM written alongside a generated key")
	_ = rootCmd.MarkFlagRequired("source")
	_ = rootCmd.MarkFlagRequired("release")
}

func runPack(cmd *cobra.Command, args []string) error {
	privateKey, err := loadSigningKey()
	if err != nil {
		return err
	}

	result, err := update.Package(sourceDir, outDir, pkgVersion, pkgKind, privateKey)
	if err != nil {
		return err
	}

	fmt.Printf("Artifact:  %s\n", result.ArtifactPath)
	fmt.Printf("Metadata:  %s\n", result.MetadataPath)
	fmt.Printf("Version:   %s\n", result.Metadata.Version)
	fmt.Printf("Kind:      %s\n", result.Metadata.Kind)
	if result.Metadata.Signature != "" {
		fmt.Printf("Signature: %s\n", result.Metadata.Signature)
	} else {
		fmt.Println("Signature: (none, custom updates are unsigned)")
	}
	return nil
}

// loadSigningKey reads the private key, minting a fresh keypair when the
// path does not exist yet. Custom updates need no key at all.
func loadSigningKey() (ed25519.PrivateKey, error) {
	if pkgKind == models.UpdateKindCustom {
		return nil, nil
	}
	if keyPath == "" {
		return nil, fmt.Errorf("--key is required for primary updates")
	}

	if _, statErr := os.Stat(keyPath); statErr == nil {
		return crypto.LoadEd25519PrivateKey(keyPath)
	}

	publicPath := pubPath
	if publicPath == "" {
		publicPath = keyPath + ".pub"
	}
	privateKey, _, err := crypto.EnsureEd25519KeyPair(keyPath, publicPath)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Generated signing keypair: %s, %s\n", keyPath, publicPath)
	return privateKey, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
