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
	searchScopes []string
	searchTopK   int
	searchTypes  []string
	searchAsJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchScopes, "scope", nil, "Memory scopes (repo paths or \"global\")")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "Number of results")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "Restrict memory types")
	searchCmd.Flags().BoolVar(&searchAsJSON, "json", false, "Output machine-readable JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	req := route.SearchRequest{
		Query:  args[0],
		Scopes: searchScopes,
		TopK:   searchTopK,
	}
	for _, t := range searchTypes {
		req.Types = append(req.Types, store.MemoryType(t))
	}

	var resp struct {
		Memories []store.ScoredMemory `json:"memories"`
	}
	if err := callAPI(cfg, http.MethodPost, "/v1/search", &req, &resp); err != nil {
		return err
	}

	if searchAsJSON {
		blob, _ := json.MarshalIndent(resp.Memories, "", "  ")
		fmt.Println(string(blob))
		return nil
	}

	if len(resp.Memories) == 0 {
		fmt.Println("No memories matched.")
		return nil
	}
	for _, m := range resp.Memories {
		color.Cyan("[%s] %.2f  %s  (%s)", m.Type, m.Similarity, m.Scope, m.Importance)
		fmt.Printf("  %s\n", m.Content)
	}
	return nil
}
