package main

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"xray-fleet/internal/reality"
)

var commandGenerate = &cobra.Command{
	Use:   "generate",
	Short: "Generate credentials",
}

var commandGenerateRealityKeyPair = &cobra.Command{
	Use:   "reality-keypair",
	Short: "Generate a Reality key pair and short id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := reality.ProvisionKeys()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "PrivateKey:", keys.PrivateKey)
		fmt.Fprintln(out, "PublicKey:", keys.PublicKey)
		fmt.Fprintln(out, "ShortID:", keys.ShortID)
		return nil
	},
}

var commandGenerateUUID = &cobra.Command{
	Use:   "uuid",
	Short: "Generate a client UUID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.String())
		return nil
	},
}

func init() {
	commandGenerate.AddCommand(commandGenerateRealityKeyPair)
	commandGenerate.AddCommand(commandGenerateUUID)
	mainCommand.AddCommand(commandGenerate)
}
