package main

import (
	"context"
	"os"

	_ "time/tzdata"

	"ncu-collector/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
