package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fractal-arena/internal/web3/ethereum"
)

func newAddressCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "打印配置中每个私钥对应的钱包地址",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			for i, key := range cfg.Wallets.PrivateKeys {
				wallet, err := ethereum.NewWallet(key, nil)
				if err != nil {
					return fmt.Errorf("第 %d 个私钥无效: %w", i+1, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i+1, wallet.Address().Hex())
			}
			return nil
		},
	}
}
