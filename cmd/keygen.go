package cmd

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/arbexec/config"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a relay authentication key",
	Long: `Generate a fresh key for signing private relay requests. The key only
identifies the searcher to the relay and must never hold funds. Store it in
the ` + config.EnvFlashbotsKey + ` environment variable.`,
	// no configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		return printKey(cmd.OutOrStdout(), hexutil.Encode(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex())
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func printKey(out io.Writer, privateHex, address string) error {
	_, err := fmt.Fprintf(out, "%s=%s\n# address %s\n", config.EnvFlashbotsKey, privateHex, address)
	return err
}
