package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ollama/tuner/cmd"
	_ "github.com/ollama/tuner/model/models"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
