package tokenrefresh

import (
	"github.com/spf13/cobra"

	"github.com/evalabs/authbridge/internal/business"
	"github.com/evalabs/authbridge/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"token-refresher",
		"AuthBridge Token Refresh job",
		"AuthBridge Token Refresh job refreshes access tokens before they expire and retires sessions near the refresh-token ceiling",
		buildInfo,
		cmdutils.RunAsService,
		business.TokenRefresherMain,
	)
}
