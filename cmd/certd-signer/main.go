package main

import (
	"fmt"
	"os"

	"go.f110.dev/certd/pkg/cmd/signer"
)

func main() {
	if err := signer.Command().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
