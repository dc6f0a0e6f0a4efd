package main

import (
	"flag"
	"log"

	"github.com/tradegrid/tradegrid/config"
	"github.com/tradegrid/tradegrid/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		nodeID     = flag.String("node-id", "", "Node ID from the configuration file")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("--config is required")
	}
	if *nodeID == "" {
		log.Fatal("--node-id is required")
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.NewServer(cfg, *nodeID)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.BuildRoleComponents(); err != nil {
		log.Fatalf("Failed to build %s components: %v", srv.Role(), err)
	}

	log.Printf("Starting node %s (%s)", srv.NodeID(), srv.Role())
	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
