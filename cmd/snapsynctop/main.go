package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"snapsync/cmd/snapsynctop/ui"
	"snapsync/internal/config"
	"snapsync/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	flag.Parse()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.Service.DatabasePath
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	p := tea.NewProgram(ui.NewRootModel(st), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
		os.Exit(1)
	}
}
