package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/route"
	"github.com/mnemod/mnemod/internal/store"
)

var (
	routeScopes []string
	routeBudget int
	routeTypes  []string
	routeMax    int
	routeAsJSON bool
)

var routeCmd = &cobra.Command{
	Use:   "route <task description>",
	Short: "Fetch task context under a token budget",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRoute,
}

func init() {
	routeCmd.Flags().StringSliceVar(&routeScopes, "scope", nil, "Memory scopes (repo paths or \"global\")")
	routeCmd.Flags().IntVar(&routeBudget, "budget", 0, "Token budget (0 = daemon default)")
	routeCmd.Flags().StringSliceVar(&routeTypes, "type", nil, "Restrict memory types")
	routeCmd.Flags().IntVar(&routeMax, "max", 0, "Maximum results")
	routeCmd.Flags().BoolVar(&routeAsJSON, "json", false, "Output machine-readable JSON")
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	req := route.Request{
		Task:         args[0],
		Scopes:       routeScopes,
		BudgetTokens: routeBudget,
		MaxResults:   routeMax,
	}
	for _, t := range routeTypes {
		req.Types = append(req.Types, store.MemoryType(t))
	}

	var sel route.Selection
	if err := callAPI(cfg, http.MethodPost, "/v1/route", &req, &sel); err != nil {
		return err
	}

	if routeAsJSON {
		blob, _ := json.MarshalIndent(sel, "", "  ")
		fmt.Println(string(blob))
		return nil
	}

	if len(sel.Memories) == 0 {
		fmt.Println("No memories matched.")
		return nil
	}
	for _, m := range sel.Memories {
		color.Cyan("[%s] %s", m.Type, m.Why)
		fmt.Printf("  %s\n", m.Content)
	}
	fmt.Printf("\n%d memories, %d tokens\n", len(sel.Memories), sel.TokensUsed)
	return nil
}
