package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relaychat/internal/client"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	username  string
	to        string
	message   string
	filePath  string
	fileName  string
	outPath   string
)

var rootCmd = &cobra.Command{
	Use:   "relaychat",
	Short: "Encrypted chat and file sharing over a relay server",
	Long: `relaychat is a terminal client for an encrypted relay server.
Messages are encrypted per connection; the relay re-encrypts them for
each recipient, so no session key ever crosses the wire in the clear.`,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join the chat and listen for messages",
	Long:  "Connect to the relay, join under a username and print incoming messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}

		c := client.NewClient(serverURL)
		if err := c.Connect(); err != nil {
			return err
		}
		if err := c.Join(username); err != nil {
			c.Disconnect()
			return err
		}

		// Setup graceful shutdown
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-sig
			fmt.Println("\nLeaving chat...")
			c.StopListening()
		}()

		return c.Listen()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an encrypted message",
	Long:  "Send a message to everyone, or privately to one user with --to",
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if message == "" {
			return fmt.Errorf("message is required")
		}
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}

		c := client.NewClient(serverURL)
		if err := c.Connect(); err != nil {
			return err
		}
		defer c.Leave()
		if err := c.Join(username); err != nil {
			return err
		}

		if to != "" {
			return c.SendPrivate(to, message)
		}
		return c.SendGlobal(message)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Share a file",
	Long:  "Upload a file through the relay, for everyone or for one user with --to",
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if filePath == "" {
			return fmt.Errorf("file path is required")
		}
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}

		c := client.NewClient(serverURL)
		if err := c.Connect(); err != nil {
			return err
		}
		defer c.Leave()
		if err := c.Join(username); err != nil {
			return err
		}

		return c.Upload(filePath, to)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a shared file",
	Long:  "Download a file previously shared through the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if fileName == "" {
			return fmt.Errorf("file name is required")
		}
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}

		c := client.NewClient(serverURL)
		if err := c.Connect(); err != nil {
			return err
		}
		defer c.Leave()
		if err := c.Join(username); err != nil {
			return err
		}

		return c.Download(fileName, outPath)
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List online users",
	Long:  "Get a list of the users currently connected to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if serverURL == "" {
			return fmt.Errorf("server URL is required")
		}

		c := client.NewClient(serverURL)
		if err := c.Connect(); err != nil {
			return err
		}
		defer c.Leave()
		if err := c.Join(username); err != nil {
			return err
		}

		return c.Users()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "Server WebSocket URL")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Username to chat as")

	// Send command flags
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Recipient username (omit to message everyone)")
	sendCmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	sendCmd.MarkFlagRequired("message")

	// Upload command flags
	uploadCmd.Flags().StringVarP(&filePath, "file", "f", "", "Path of the file to share")
	uploadCmd.Flags().StringVarP(&to, "to", "t", "", "Recipient username (omit to share with everyone)")
	uploadCmd.MarkFlagRequired("file")

	// Download command flags
	downloadCmd.Flags().StringVarP(&fileName, "name", "n", "", "Name of the shared file")
	downloadCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path (defaults to the file name)")
	downloadCmd.MarkFlagRequired("name")

	// Add commands to root
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(usersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
