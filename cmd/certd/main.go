package main

import (
	"fmt"
	"os"

	"go.f110.dev/certd/pkg/cmd/certd"
)

func main() {
	if err := certd.Command().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
