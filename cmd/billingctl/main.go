package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/pixell/agent-billing/pkg/config"
)

func main() {
	_ = godotenv.Load()

	root := newRootCmd(config.Load)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
