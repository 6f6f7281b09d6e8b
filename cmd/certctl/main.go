package main

import (
	"fmt"
	"os"

	"go.f110.dev/certd/pkg/cmd/certctl"
)

func main() {
	if err := certctl.Command().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
