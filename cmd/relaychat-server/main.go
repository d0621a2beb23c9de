package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"relaychat/internal/server"
)

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	var (
		port        = flag.Int("port", getEnvInt("PORT", 8080), "Server port")
		dataDir     = flag.String("data", getEnvString("DATA_DIR", "./data"), "File index database path")
		uploadDir   = flag.String("uploads", getEnvString("UPLOAD_DIR", "./uploads"), "Directory for stored files")
		privateKey  = flag.String("private-key", getEnvString("PRIVATE_KEY_PATH", "./server_key.pem"), "Server RSA private key path")
		publicKey   = flag.String("public-key", getEnvString("PUBLIC_KEY_PATH", "./server_key.pub.pem"), "Server RSA public key path")
		chunkSize   = flag.Int("chunk-size", getEnvInt("CHUNK_SIZE", 0), "File transfer chunk size in bytes (0 for default)")
		usernameCap = flag.Int("username-cap", getEnvInt("USERNAME_CAP", 0), "Maximum username length (0 for default)")
	)
	flag.Parse()

	// Create server
	srv, err := server.NewServer(server.Config{
		DataDir:        *dataDir,
		UploadDir:      *uploadDir,
		PrivateKeyPath: *privateKey,
		PublicKeyPath:  *publicKey,
		ChunkSize:      *chunkSize,
		UsernameCap:    *usernameCap,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Setup HTTP routes
	http.HandleFunc("/ws", srv.HandleWebSocket)
	http.HandleFunc("/publickey", srv.HandlePublicKey)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","service":"relaychat-server"}`)); err != nil {
			log.Printf("Failed to write health response: %v", err)
		}
	})

	// Setup graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Shutting down server...")
		srv.Close()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Relay Chat Server starting on %s", addr)
	log.Printf("WebSocket endpoint: ws://localhost%s/ws", addr)
	log.Printf("Public key: http://localhost%s/publickey", addr)
	log.Printf("Health check: http://localhost%s/health", addr)
	if count, err := srv.StoredFileCount(); err == nil {
		log.Printf("Stored files available for download: %d", count)
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
