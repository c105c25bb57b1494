// FilePath: server/ingest/cmd/main.go
package main

import (
	"fmt"
	"log"
	"os"
	_ "time/tzdata"

	tm "github.com/buger/goterm"
	"github.com/itsatony/vermihub/server/ingest/internal/config"
	"github.com/itsatony/vermihub/server/ingest/internal/server"
	"github.com/spf13/pflag"
	nuts "github.com/vaudience/go-nuts"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (default ./config/config.yaml)")
	pflag.Parse()

	// Clear console and draw logo
	ClearConsole()
	DrawLogo()
	// Initialize version info
	nuts.InitVersion()
	nuts.L.Infof("[Main] Starting Vermihub Ingest v%s", nuts.GetVersion())

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create and start server
	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		nuts.L.Errorf("[Main] Server error: %v", err)
		os.Exit(1)
	}
}

// ClearConsole clears the console screen.
func ClearConsole() {
	tm.Clear()
	tm.MoveCursor(1, 1)
	tm.Flush()
}

func DrawLogo() {
	fmt.Println()
	lines := []string{
		" _   __                    _ __          __ ",
		"| | / /__  _________ ___  (_) /_  __  __/ /_",
		"| |/ / _ \\/ ___/ __ `__ \\/ / __ \\/ / / / __ \\",
		"|___/\\___/_/  /_/ /_/ /_/_/_/ /_/\\__,_/_.___/",
		"...............................  ingest  " + nuts.GetVersion(),
	}

	for _, line := range lines {
		fmt.Println(line)
	}
}
