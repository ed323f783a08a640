package main

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"fractal-arena/internal/web3"
	"fractal-arena/internal/web3/ethereum"
)

type txOptions struct {
	wallet     int
	to         string
	data       string
	value      string
	feeEnabled bool
}

func newTxCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "链上交易工具",
	}
	txOpts := &txOptions{}
	send := &cobra.Command{
		Use:   "send",
		Short: "构造、签名并发送一笔交易，等待确认",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.chain == nil {
				return errors.New("未配置链 RPC")
			}

			data, value, to, err := txOpts.parse()
			if err != nil {
				return err
			}
			if txOpts.wallet < 1 || txOpts.wallet > len(cfg.Wallets.PrivateKeys) {
				return fmt.Errorf("钱包序号超出范围: %d", txOpts.wallet)
			}
			wallet, err := ethereum.NewWallet(cfg.Wallets.PrivateKeys[txOpts.wallet-1], a.chain)
			if err != nil {
				return err
			}

			builder := ethereum.NewBuilder(a.chain, wallet.Address())
			pending, err := builder.Build(cmd.Context(), web3.TxData{To: to, Data: data}, txOpts.feeEnabled, value)
			if err != nil {
				return err
			}
			executor := ethereum.NewExecutor(a.chain, wallet, ethereum.WithTxURL(a.chain.TxURL))
			receipt, err := executor.Execute(cmd.Context(), pending)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if receipt == nil {
				_, err = fmt.Fprintln(out, "网关超时，交易确认状态未知")
				return err
			}
			_, err = fmt.Fprintf(out, "%s\t%s\n", receipt.TxHash.Hex(), a.chain.TxURL(receipt.TxHash))
			return err
		},
	}
	send.Flags().IntVar(&txOpts.wallet, "wallet", 1, "使用第几个钱包 (从 1 开始)")
	send.Flags().StringVar(&txOpts.to, "to", "", "接收地址")
	send.Flags().StringVar(&txOpts.data, "data", "0x", "调用数据 (0x 开头的十六进制)")
	send.Flags().StringVar(&txOpts.value, "value", "0", "转账金额 (wei)")
	send.Flags().BoolVar(&txOpts.feeEnabled, "fee-enabled", false, "估算 gas 失败时不重试")
	_ = send.MarkFlagRequired("to")
	cmd.AddCommand(send)
	return cmd
}

func (o *txOptions) parse() ([]byte, *big.Int, *common.Address, error) {
	if !common.IsHexAddress(o.to) {
		return nil, nil, nil, fmt.Errorf("无效的接收地址: %s", o.to)
	}
	to := common.HexToAddress(o.to)
	data, err := hexutil.Decode(o.data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("无效的调用数据: %w", err)
	}
	value, ok := new(big.Int).SetString(o.value, 10)
	if !ok || value.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("无效的金额: %s", o.value)
	}
	return data, value, &to, nil
}
