package cmd

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "build a signed package container from a staged tree",
	RunE:  build,
}

const (
	flagBuildMeta = "meta"
	flagBuildRoot = "root"
	flagBuildKey  = "key"
	flagBuildOut  = "output"
)

func init() {
	buildCmd.Flags().StringP(flagBuildMeta, "m", "", "path to a package metadata file")
	buildCmd.Flags().String(flagBuildRoot, "", "directory holding the package's file tree")
	buildCmd.Flags().StringP(flagBuildKey, "k", "", "path to an ed25519 signing key (raw seed or private key)")
	buildCmd.Flags().StringP(flagBuildOut, "o", "", "where to write the container")

	_ = buildCmd.MarkFlagRequired(flagBuildMeta)
	_ = buildCmd.MarkFlagRequired(flagBuildRoot)
	_ = buildCmd.MarkFlagRequired(flagBuildOut)
	_ = buildCmd.MarkFlagFilename(flagBuildMeta, ".yaml", ".yml", ".json")
	_ = buildCmd.MarkFlagDirname(flagBuildRoot)
}

func build(cmd *cobra.Command, _ []string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	metaPath, _ := cmd.Flags().GetString(flagBuildMeta)
	rootDir, _ := cmd.Flags().GetString(flagBuildRoot)
	keyPath, _ := cmd.Flags().GetString(flagBuildKey)
	outPath, _ := cmd.Flags().GetString(flagBuildOut)

	meta, err := readMetadata(metaPath)
	if err != nil {
		return err
	}
	var key ed25519.PrivateKey
	if keyPath != "" {
		key, err = readSigningKey(keyPath)
		if err != nil {
			return err
		}
	} else {
		log.Info("no signing key given, container will not verify")
	}

	if err := apx.Build(cmd.Context(), outPath, apx.BuildOptions{Meta: *meta, Root: rootDir, Key: key}); err != nil {
		return err
	}
	log.Info("built container", "name", meta.Name, "version", meta.Version, "path", outPath)
	return nil
}

func readMetadata(path string) (*apx.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading metadata: %v", apxerr.ErrConfig, err)
	}
	defer f.Close()

	var meta apx.Metadata
	if err := yaml.NewYAMLOrJSONDecoder(f, 4096).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", apxerr.ErrConfig, path, err)
	}
	if meta.Name == "" || meta.Version == "" {
		return nil, fmt.Errorf("%w: metadata needs at least a name and version", apxerr.ErrConfig)
	}
	return &meta, nil
}

// readSigningKey accepts a raw 32-byte seed or a raw 64-byte private
// key.
func readSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading signing key: %v", apxerr.ErrConfig, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: %s is not an ed25519 key", apxerr.ErrConfig, path)
	}
}
