package main

import (
	"fmt"
	"os"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
)

// inspector decodes a signed transaction hex from the command line and
// prints the fields the relay would act on. Useful when debugging client
// integrations without submitting anything.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: inspector <signed-tx-hex>")
		os.Exit(1)
	}

	decoded, err := chain.DecodeSignedTx(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Decoded Transaction ---")
	fmt.Printf("Type:              %s\n", decoded.Type)
	fmt.Printf("Sender:            %s\n", decoded.Sender.Hex())
	if decoded.To != nil {
		fmt.Printf("To:                %s\n", decoded.To.Hex())
	} else {
		fmt.Printf("To:                (contract creation)\n")
	}
	fmt.Printf("Value:             %s wei\n", decoded.Value)
	fmt.Printf("Gas limit:         %d\n", decoded.GasLimit)
	fmt.Printf("Effective price:   %s wei\n", decoded.EffectiveGasPrice)
	fmt.Printf("Calldata bytes:    %d\n", len(decoded.Data))
}
