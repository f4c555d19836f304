package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/config"
)

func pingHandlerFunc(_ *config.Config) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		// Request Id will be propagated through all method calls of this HTTP handler
		ctx := slogctx.With(req.Context(),
			commoncfg.AttrRequestID, uuid.New().String(),
			commoncfg.AttrOperation, "ping",
		)

		slogctx.Info(ctx, "Starting ping request")

		w.Header().Set("Content-Type", "application/json")

		_, err := w.Write([]byte("{ \"result\": \"ping\" }"))
		if err != nil {
			return
		}

		slogctx.Info(ctx, "Finished ping request")
	}
}
