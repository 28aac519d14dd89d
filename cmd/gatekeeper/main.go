package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/gatekeeper/cmd/gatekeeper/internal"
	"github.com/tinyland-inc/gatekeeper/cmd/gatekeeper/internal/gateway"
	"github.com/tinyland-inc/gatekeeper/cmd/gatekeeper/internal/version"
)

func NewGatekeeperCommand() *cobra.Command {
	short := fmt.Sprintf("%s gatekeeper - Private channel admission bot v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "gatekeeper",
		Short:   short,
		Example: "gatekeeper gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewGatekeeperCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
