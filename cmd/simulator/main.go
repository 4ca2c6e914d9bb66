package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

var (
	serverURL     = flag.String("server", "http://localhost:8080", "CallFlow server base URL")
	agentID       = flag.String("agent", "", "Agent ID to run the call against (required)")
	callControlID = flag.String("call", "", "Call control ID (random when empty)")
	scriptPath    = flag.String("script", "", "Script file with one user utterance per line")
	turnDelay     = flag.Duration("turn-delay", 2*time.Second, "Pause before each user turn")
	playbackDelay = flag.Duration("playback-delay", 1500*time.Millisecond, "Simulated playback duration")
	verbose       = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "missing required -agent flag")
		flag.Usage()
		os.Exit(2)
	}

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sim := NewSimulator(SimulatorConfig{
		ServerURL:     *serverURL,
		AgentID:       *agentID,
		CallControlID: *callControlID,
		ScriptPath:    *scriptPath,
		TurnDelay:     *turnDelay,
		PlaybackDelay: *playbackDelay,
	}, logger)

	if err := sim.Run(); err != nil {
		logger.Fatal("Simulation failed", zap.Error(err))
	}
}
