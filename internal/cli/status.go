package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/gateway"
)

var statusAsJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and pipeline status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAsJSON, "json", false, "Output machine-readable JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var st gateway.Status
	if err := callAPI(cfg, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return err
	}

	if statusAsJSON {
		blob, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(blob))
		return nil
	}

	color.Cyan("mnemod %s", st.Version)
	fmt.Printf("uptime:          %ds\n", st.UptimeSeconds)
	fmt.Printf("active memories: %d\n", st.Memories.ActiveMemories)
	fmt.Printf("deleted:         %d\n", st.Memories.DeletedMemories)
	fmt.Printf("history rows:    %d\n", st.Memories.HistoryRows)
	fmt.Printf("policy drops:    %d\n", st.PolicyDrops)
	fmt.Printf("parked episodes: %d\n", st.ParkedCount)
	if len(st.PendingEvents) > 0 {
		fmt.Println("pending events:")
		for repo, n := range st.PendingEvents {
			fmt.Printf("  %s: %d\n", repo, n)
		}
	}
	if len(st.Buffered) > 0 {
		fmt.Println("buffered events:")
		for repo, n := range st.Buffered {
			fmt.Printf("  %s: %d\n", repo, n)
		}
	}
	return nil
}
