package commands

import (
	"errors"
	"fmt"
	"time"

	"cvfs/pkg/app"
	"cvfs/pkg/config"
	"cvfs/pkg/publish"

	"github.com/spf13/cobra"
)

var (
	publishTag         string
	publishDescription string
	keygenValidity     time.Duration
)

// publish 把本地目录发布为仓库的一个新版本 (本地目录或 S3 仓库)
var publishCmd = &cobra.Command{
	Use:         "publish [source-dir]",
	Short:       "Publish a directory as the next repository revision",
	Long:        `Upload the directory's content as compressed objects, write catalogs and history, then sign and publish a new manifest. Directories holding a .cvmfscatalog file get their own nested catalog; .cvfsignore rules are honored.`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationStandalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := publisherConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		// 1. 扫描源目录
		start := time.Now()
		fmt.Fprintf(out, "🔍 Scanning %s... ", args[0])
		tree, err := publish.LoadDir(args[0])
		if err != nil {
			return fmt.Errorf("failed to scan source: %w", err)
		}
		fmt.Fprintln(out, "Done")

		// 2. 打开仓库存储和签名密钥
		store, err := app.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		keys, err := publish.LoadKeys(cfg.Publish.KeysDir)
		if errors.Is(err, publish.ErrNoKeys) {
			return fmt.Errorf("%w in %s (run 'cvfs keygen' first)", err, cfg.Publish.KeysDir)
		}
		if err != nil {
			return err
		}

		pub, err := publish.New(publish.Options{
			Repository: cfg.Repository.Name,
			Store:      store,
			Keys:       keys,
			TTL:        cfg.Publish.TTL,
			Logger:     cfg.Log.NewLogger(),
		})
		if err != nil {
			return err
		}
		if _, err := pub.Reopen(ctx); err != nil {
			return fmt.Errorf("failed to read existing repository: %w", err)
		}

		// 3. 发布
		res, err := pub.Commit(ctx, tree, publish.CommitOptions{Tag: publishTag, Description: publishDescription})
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		fmt.Fprintf(out, "🚀 Published %s revision %d\n", cfg.Repository.Name, res.Revision)
		fmt.Fprintf(out, "   Root catalog: %s\n", res.RootCatalog)
		fmt.Fprintf(out, "   Uploaded:     %d objects, %d bytes\n", res.Objects, res.Bytes)
		fmt.Fprintf(out, "   Took:         %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// keygen 为仓库生成 master 密钥和签名证书
var keygenCmd = &cobra.Command{
	Use:         "keygen",
	Short:       "Generate the repository master key and signing certificate",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationStandalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Decode()
		if err != nil {
			return err
		}
		if cfg.Repository.Name == "" {
			return errors.New("repository.name is required (use --repo)")
		}
		dir := cfg.Publish.KeysDir
		if _, err := publish.LoadKeys(dir); err == nil {
			return fmt.Errorf("keys already exist in %s", dir)
		}

		keys, err := publish.GenerateKeys(cfg.Repository.Name, keygenValidity, time.Now())
		if err != nil {
			return err
		}
		if err := keys.Save(dir); err != nil {
			return err
		}
		fp, err := keys.Fingerprint()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "🔑 Keys written to %s\n", dir)
		fmt.Fprintf(out, "   Certificate fingerprint: %s\n", fp)
		fmt.Fprintf(out, "   Clients trust this key:  %s\n", publish.MasterPublicKeyPath(dir))
		return nil
	},
}

// publisherConfig 发布端只需要仓库名和存储位置，不做客户端的完整校验
func publisherConfig() (*config.Config, error) {
	cfg, err := config.Decode()
	if err != nil {
		return nil, err
	}
	if cfg.Repository.Name == "" {
		return nil, errors.New("repository.name is required (use --repo)")
	}
	switch cfg.Repository.Source {
	case "disk", "s3":
	default:
		return nil, fmt.Errorf("cannot publish to source %q (use disk or s3)", cfg.Repository.Source)
	}
	return cfg, nil
}

func init() {
	publishCmd.Flags().StringVarP(&publishTag, "tag-name", "t", "", "also record the revision under this tag name")
	publishCmd.Flags().StringVarP(&publishDescription, "message", "m", "", "tag description")
	keygenCmd.Flags().DurationVar(&keygenValidity, "validity", 365*24*time.Hour, "signing certificate validity")

	rootCmd.AddCommand(publishCmd, keygenCmd)
}
