package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"steadyws/internal/dummy"
	"steadyws/internal/logger"
)

// --- Dummy Subcommand ---
var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the built-in chat broadcaster to test against",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogger(false)

		port, _ := cmd.Flags().GetInt("port")
		delay, _ := cmd.Flags().GetDuration("delay")
		reject, _ := cmd.Flags().GetFloat64("reject-ratio")
		presence, _ := cmd.Flags().GetBool("presence")
		if reject < 0 || reject > 1 {
			return fmt.Errorf("--reject-ratio must be within [0, 1], got %g", reject)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, hub := dummy.Start(dummy.ServerConfig{
			Port:        port,
			Delay:       delay,
			RejectRatio: reject,
			Presence:    presence,
		})
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dummy shutdown", zap.Error(err))
		}

		accepted, rejected, messages := hub.Stats()
		fmt.Printf("\n👋 Dummy Server stopped: %d sessions accepted, %d rejected, %d messages broadcast\n",
			accepted, rejected, messages)
		return nil
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	dummyCmd.Flags().Duration("delay", 0, "Hold each broadcast back by about this long")
	dummyCmd.Flags().Float64("reject-ratio", 0, "Share of handshakes answered with 503")
	dummyCmd.Flags().Bool("presence", false, "Broadcast join and leave events")
}
