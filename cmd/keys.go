package cmd

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-getter"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "manage trusted signing keys",
}

var keysImportCmd = &cobra.Command{
	Use:   "import <url-or-path>...",
	Short: "fetch public keys and add them to the trusted set",
	Args:  cobra.MinimumNArgs(1),
	RunE:  keysImport,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "list trusted key fingerprints",
	Args:  cobra.NoArgs,
	RunE:  keysList,
}

func init() {
	keysCmd.AddCommand(keysImportCmd, keysListCmd)
}

func keysImport(cmd *cobra.Command, args []string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	tmp, err := os.MkdirTemp("", "apx-keys-*")
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	defer os.RemoveAll(tmp)

	for _, src := range args {
		dst := filepath.Join(tmp, filepath.Base(src))
		client := &getter.Client{
			Ctx:             cmd.Context(),
			Src:             src,
			Dst:             dst,
			Mode:            getter.ClientModeFile,
			DisableSymlinks: true,
		}
		if err := client.Get(); err != nil {
			return fmt.Errorf("%w: fetching key %s: %v", apxerr.ErrNetwork, src, err)
		}
		raw, err := os.ReadFile(dst)
		if err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: %s is not an ed25519 public key", apxerr.ErrConfig, src)
		}
		pub := ed25519.PublicKey(raw)
		fingerprint := keyring.Fingerprint(pub)
		out := filepath.Join(a.Config.KeyDir, fingerprint+".pub")
		if err := keyring.WriteKey(out, pub); err != nil {
			return err
		}
		log.Info("imported key", "fingerprint", fingerprint, "source", src)
	}
	return nil
}

func keysList(cmd *cobra.Command, _ []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, key := range a.Keys.Keys() {
		cmd.Println(key.Fingerprint)
	}
	return nil
}
