package auth

import (
	"fmt"
	"time"
)

const (
	signInDomain  = "dapp.fractionai.xyz"
	signInURI     = "https://dapp.fractionai.xyz"
	signInChainID = 11155111
	issuedAtISO   = "2006-01-02T15:04:05.000Z"
)

// BuildMessage 生成逐字节固定的登录签名消息。
func BuildMessage(address, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("%s wants you to sign in with your Ethereum account:\n%s\n\n"+
		"Sign in with your wallet to Fraction AI.\n\n"+
		"URI: %s\nVersion: 1\nChain ID: %d\nNonce: %s\nIssued At: %s",
		signInDomain, address, signInURI, signInChainID, nonce, issuedAt.UTC().Format(issuedAtISO))
}
