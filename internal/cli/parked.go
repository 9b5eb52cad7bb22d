package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/eventlog"
	"github.com/mnemod/mnemod/internal/store"
)

var parkedCmd = &cobra.Command{
	Use:   "parked",
	Short: "List episodes parked after repeated oracle rejections",
	RunE:  runParked,
}

func runParked(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	s, err := store.OpenSQLite(cfg.Paths.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	parked, err := eventlog.New(s.DB()).Parked(cmd.Context())
	if err != nil {
		return err
	}
	if len(parked) == 0 {
		fmt.Println("No parked episodes.")
		return nil
	}
	for _, p := range parked {
		color.Yellow("%s  %s  (%d events, %s)", p.EpisodeID, p.Repo, len(p.Events), p.CreatedAt.Format("2006-01-02 15:04"))
		fmt.Printf("  reason: %s\n", p.Reason)
	}
	return nil
}
