package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paypollen-api/internal/config"
	"paypollen-api/internal/encryption"
	"paypollen-api/internal/storage"
	"paypollen-api/internal/util"
)

const commandTimeout = time.Minute

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the data key used for PII fields",
		Long: `Generate a data key under the configured KMS master key and store it
in the key vault under its alt name. An existing alt name is never
overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ifMissing, _ := cmd.Flags().GetBool("if-missing")
			return withVault(cmd, func(ctx context.Context, cfg *config.Config, vault *encryption.KeyVaultManager, altName string) error {
				return provision(ctx, cmd.OutOrStdout(), vault, cfg.MasterKeyRef(), altName, ifMissing)
			})
		},
	}
	cmd.Flags().Bool("if-missing", false, "Succeed without changes when the alt name already exists")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify KMS credentials and that every schema key unwraps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(ctx context.Context, _ *config.Config, vault *encryption.KeyVaultManager, altName string) error {
				return check(ctx, cmd.OutOrStdout(), vault, encryption.DefaultSchemaRegistry(altName))
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key vault documents without unwrapping them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(ctx context.Context, _ *config.Config, vault *encryption.KeyVaultManager, _ string) error {
				return list(ctx, cmd.OutOrStdout(), vault)
			})
		},
	}
}

type vaultFunc func(ctx context.Context, cfg *config.Config, vault *encryption.KeyVaultManager, altName string) error

// withVault connects to the key-vault namespace and runs fn.
func withVault(cmd *cobra.Command, fn vaultFunc) error {
	cfg, err := config.LoadKeyVaultConfig()
	if err != nil {
		return err
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, "console")
	defer util.Sync()

	altName, _ := cmd.Flags().GetString("alt-name")
	if altName == "" {
		altName = cfg.KMS.DataKeyAltName
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	kms, creds, err := encryption.NewKMSFromConfig(ctx, cfg.KMS)
	if err != nil {
		return err
	}

	gateway := storage.NewGateway(cfg.Mongo, logger.Named("mongo"))
	if err := gateway.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(context.Background()); err != nil {
			logger.Warn("Failed to close MongoDB gateway", zap.Error(err))
		}
	}()

	client, err := gateway.Client()
	if err != nil {
		return err
	}
	coll := client.Database(cfg.Mongo.KeyVaultDatabase()).Collection(cfg.Mongo.KeyVaultCollection())
	vault := encryption.NewKeyVaultManager(
		storage.NewKeyVaultStore(storage.NewMongoStore(coll)),
		kms,
		creds,
		cfg.KMS.Timeout,
		logger.Named("keyvault"),
	)
	defer vault.Clear()

	return fn(ctx, cfg, vault, altName)
}

func provision(ctx context.Context, out io.Writer, vault *encryption.KeyVaultManager, masterKeyRef, altName string, ifMissing bool) error {
	if err := vault.EnsureIndexes(ctx); err != nil {
		return err
	}

	id, err := vault.ProvisionDataKey(ctx, masterKeyRef, altName)
	if errors.Is(err, encryption.ErrKeyAltNameExists) && ifMissing {
		fmt.Fprintf(out, "data key %q already exists\n", altName)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "provisioned data key %q\n  key_id:   %s\n  provider: %s\n", altName, id, vault.Provider())
	return nil
}

func check(ctx context.Context, out io.Writer, vault *encryption.KeyVaultManager, registry *encryption.SchemaRegistry) error {
	creds, err := vault.Credentials(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "credentials: %s\n", creds)

	var failed []string
	for _, altName := range registry.KeyAltNames() {
		key, err := vault.ResolveKey(ctx, altName)
		if err != nil {
			fmt.Fprintf(out, "  %-24s FAILED: %v\n", altName, err)
			failed = append(failed, altName)
			continue
		}
		fmt.Fprintf(out, "  %-24s ok (%s)\n", altName, key.ID)
	}
	if len(failed) > 0 {
		return fmt.Errorf("data keys unusable: %s", strings.Join(failed, ", "))
	}
	return nil
}

func list(ctx context.Context, out io.Writer, vault *encryption.KeyVaultManager) error {
	keys, err := vault.ListKeys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tALT NAMES\tPROVIDER\tMASTER KEY\tCREATED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.ID,
			strings.Join(k.AltNames, ","),
			k.MasterKey.Provider,
			k.MasterKey.Key,
			k.CreatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}
