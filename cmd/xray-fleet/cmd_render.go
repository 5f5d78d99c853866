package main

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"
	"xray-fleet/internal/config"
	"xray-fleet/internal/store"
	"xray-fleet/internal/xray"
)

var commandRender = &cobra.Command{
	Use:   "render <node-id>",
	Short: "Print the config a push would send to a node",
	Args:  cobra.ExactArgs(1),
	RunE:  render,
}

func init() {
	mainCommand.AddCommand(commandRender)
}

func render(cmd *cobra.Command, args []string) error {
	nodeID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return err
	}

	cfg, err := config.NewPanelConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	graph, err := st.NodeGraph(cmd.Context(), nodeID)
	if err != nil {
		return err
	}
	doc, err := xray.NewRenderer(cfg).Render(graph)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}
