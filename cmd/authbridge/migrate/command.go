package migrate

import (
	"github.com/spf13/cobra"

	"github.com/evalabs/authbridge/internal/business"
	"github.com/evalabs/authbridge/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"AuthBridge migrations",
		"Applies the database schema migrations",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
