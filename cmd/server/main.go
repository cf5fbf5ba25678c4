package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onechat/onechat/internal/server"
)

func main() {
	fmt.Println("Starting OneChat Server...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment defaults")
	}

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	// Load or create chat history before accepting connections, and seed the
	// room registry from it so the two stay in sync.
	history := server.NewHistoryStore(config.HistoryFile, config.DefaultRoom)
	history.Load()
	rooms := server.NewRoomRegistry(history.Rooms())
	presence := server.NewPresenceTable()

	broker := server.NewChatBroker(history, rooms, presence)
	go broker.Run()
	log.Println("Broker started and ready to manage WebSocket connections")

	mux := server.SetupRoutes(broker)
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received signal %s, shutting down", sig)
	}

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown incomplete: %v", err)
	}
	if err := broker.Shutdown(5 * time.Second); err != nil {
		log.Printf("Broker shutdown incomplete: %v", err)
	}
}
