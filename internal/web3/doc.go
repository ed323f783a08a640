// Package web3 houses blockchain connectivity utilities: the RPC backend and
// signer abstractions the wallet layer depends on, plus YAML chain
// definitions consumed by the provider registry.
package web3
