package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-genclient/internal/devrunner"
	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/envutil"
)

func devrunnerCmd(root *rootFlags) *cobra.Command {
	var (
		addr       string
		stepDelay  time.Duration
		heartbeat  time.Duration
		jwtSecret  string
		printToken bool
	)
	cmd := &cobra.Command{
		Use:   "devrunner",
		Short: "Serve a local job runner that simulates workflow runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := root.logger()
			if err != nil {
				return err
			}
			defer log.Sync()
			if root.logMode == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := cmd.Context()
			shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{ServiceName: "genclient-devrunner", Environment: root.logMode})
			defer func() { _ = shutdownOTel(context.Background()) }()

			if printToken {
				if jwtSecret == "" {
					return fmt.Errorf("--print-token needs --jwt-secret")
				}
				tok, err := devrunner.IssueToken(jwtSecret, "genwatch", 24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
			}

			srv := devrunner.New(devrunner.Options{
				StepDelay: stepDelay,
				Heartbeat: heartbeat,
				JWTSecret: jwtSecret,
				Logger:    log,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", envutil.String("GENCLIENT_DEVRUNNER_ADDR", ":8080"), "Listen address")
	f.DurationVar(&stepDelay, "step-delay", envutil.Duration("GENCLIENT_DEVRUNNER_STEP_DELAY", 500*time.Millisecond), "Default duration of each simulated step")
	f.DurationVar(&heartbeat, "heartbeat", 15*time.Second, "Interval between keep-alive padding lines on idle streams")
	f.StringVar(&jwtSecret, "jwt-secret", envutil.String("GENCLIENT_DEVRUNNER_JWT_SECRET", ""), "Require HS256 bearer tokens signed with this secret")
	f.BoolVar(&printToken, "print-token", false, "Print a 24h token for --jwt-secret before serving")
	return cmd
}
