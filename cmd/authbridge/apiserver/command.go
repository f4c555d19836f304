package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/evalabs/authbridge/internal/business"
	"github.com/evalabs/authbridge/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"AuthBridge API server",
		"AuthBridge API server hosts the public authorization-flow API and the provider administration API",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
